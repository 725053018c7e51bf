package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/collabhub/internal/config"
)

// ApplicationName tags collabd sessions in pg_stat_activity.
const ApplicationName = "collabhub"

// BuildConnString builds the DSN for the pool shared by the notification
// store and the activity archive. An explicit URL is returned unchanged.
// Credentials are escaped as URL userinfo.
func BuildConnString(cfg config.DBConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}

	host := cfg.Host
	if cfg.Port > 0 {
		host = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     host,
		Path:     "/" + cfg.Name,
		RawQuery: url.Values{"sslmode": {sslMode}, "application_name": {ApplicationName}}.Encode(),
	}
	return dsn.String()
}
