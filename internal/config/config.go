// Package config loads collabd configuration from YAML with environment
// overrides.
package config

import "time"

// Config is the root configuration for collabd.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Connections ConnectionsConfig `yaml:"connections"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Presence    PresenceConfig    `yaml:"presence"`
	Notifier    NotifierConfig    `yaml:"notifier"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Database    DBConfig          `yaml:"database"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig configures the HTTP and WebSocket listener.
type ServerConfig struct {
	Addr                 string        `yaml:"addr" env:"COLLABHUB_HTTP_ADDR"`
	Path                 string        `yaml:"path"`
	MaxConnections       int           `yaml:"max_connections" env:"COLLABHUB_MAX_CONNECTIONS"`
	MaxMessageBytes      int64         `yaml:"max_message_bytes"`
	MaxMessagesPerSecond int           `yaml:"max_messages_per_second"`
	MaxRateViolations    int           `yaml:"max_rate_violations"`
	AllowedOrigins       []string      `yaml:"allowed_origins" env:"COLLABHUB_ALLOWED_ORIGINS" envSeparator:","`
	ReadHeaderTimeout    time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig configures handshake token verification and role checks.
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret" env:"COLLABHUB_JWT_SECRET"`
	PublicKeyPath string        `yaml:"public_key_path" env:"COLLABHUB_JWT_PUBLIC_KEY"`
	Issuer        string        `yaml:"issuer" env:"COLLABHUB_JWT_ISSUER"`
	Leeway        time.Duration `yaml:"leeway"`
	AdminRoles    []string      `yaml:"admin_roles"`
}

// ConnectionsConfig configures per-connection queues and the reaper.
type ConnectionsConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Timeout           time.Duration `yaml:"timeout"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	FlushBatch        int           `yaml:"flush_batch"`
	MaxQueue          int           `yaml:"max_queue"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// BroadcastConfig configures fan-out and the persistent event store.
type BroadcastConfig struct {
	DrainInterval   time.Duration `yaml:"drain_interval"`
	DrainBatch      int           `yaml:"drain_batch"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	MaxStoredEvents int           `yaml:"max_stored_events"`
	MaxPending      int           `yaml:"max_pending"`
}

// PresenceConfig configures presence, typing and activity feed timing.
type PresenceConfig struct {
	TypingIdle      time.Duration `yaml:"typing_idle"`
	TypingSweep     time.Duration `yaml:"typing_sweep"`
	AwayAfter       time.Duration `yaml:"away_after"`
	OfflineAfter    time.Duration `yaml:"offline_after"`
	PresenceSweep   time.Duration `yaml:"presence_sweep"`
	ActivityFeedCap int           `yaml:"activity_feed_cap"`
	ActivityMaxAge  time.Duration `yaml:"activity_max_age"`
	ActivitySweep   time.Duration `yaml:"activity_sweep"`
}

// DBConfig is the optional notification database. An empty Host and URL
// means notifications are kept in memory.
type DBConfig struct {
	URL      string `yaml:"url" env:"COLLABHUB_DATABASE_URL"`
	Host     string `yaml:"host" env:"COLLABHUB_DATABASE_HOST"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password" env:"COLLABHUB_DATABASE_PASSWORD"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether a database is configured.
func (db DBConfig) Enabled() bool {
	return db.URL != "" || db.Host != ""
}

// NotifierConfig configures the push of notifications stored while users
// are connected.
type NotifierConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Concurrency  int           `yaml:"concurrency"`
	Timeout      time.Duration `yaml:"timeout"`
}

// ArchiveConfig configures the activity archive. It only runs with a database.
type ArchiveConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferLimit   int           `yaml:"buffer_limit"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// IsEnabled reports whether /metrics is served. Defaults to true.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"COLLABHUB_LOG_LEVEL"`
	Format string `yaml:"format" env:"COLLABHUB_LOG_FORMAT"` // "text" or "json"
}
