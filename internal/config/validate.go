package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" && c.Auth.PublicKeyPath == "" {
		return errors.New("auth.jwt_secret or auth.public_key_path is required")
	}

	if !strings.HasPrefix(c.Server.Path, "/") {
		return errors.New("server.path must start with /")
	}
	if c.Server.MaxConnections < 1 {
		return errors.New("server.max_connections must be >= 1")
	}
	if c.Server.MaxMessageBytes < 1 {
		return errors.New("server.max_message_bytes must be >= 1")
	}
	if c.Server.MaxMessagesPerSecond < 1 {
		return errors.New("server.max_messages_per_second must be >= 1")
	}

	if c.Connections.Timeout <= c.Connections.HeartbeatInterval {
		return fmt.Errorf("connections.timeout (%s) must exceed heartbeat_interval (%s)",
			c.Connections.Timeout, c.Connections.HeartbeatInterval)
	}
	if c.Connections.FlushBatch < 1 {
		return errors.New("connections.flush_batch must be >= 1")
	}

	if c.Broadcast.DrainBatch < 1 {
		return errors.New("broadcast.drain_batch must be >= 1")
	}
	if c.Broadcast.DefaultTTL <= 0 {
		return errors.New("broadcast.default_ttl must be > 0")
	}

	if c.Presence.OfflineAfter <= c.Presence.AwayAfter {
		return fmt.Errorf("presence.offline_after (%s) must exceed away_after (%s)",
			c.Presence.OfflineAfter, c.Presence.AwayAfter)
	}
	if c.Presence.ActivityFeedCap < 1 {
		return errors.New("presence.activity_feed_cap must be >= 1")
	}

	if c.Notifier.PollInterval <= 0 {
		return errors.New("notifier.poll_interval must be > 0")
	}
	if c.Notifier.Concurrency < 1 {
		return errors.New("notifier.concurrency must be >= 1")
	}

	if c.Archive.BatchSize < 1 {
		return errors.New("archive.batch_size must be >= 1")
	}
	if c.Archive.FlushInterval <= 0 {
		return errors.New("archive.flush_interval must be > 0")
	}

	if c.Database.Enabled() && c.Database.URL == "" {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	}

	if c.Metrics.IsEnabled() && !strings.HasPrefix(c.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
