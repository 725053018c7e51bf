package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAddr                 = ":8080"
	DefaultPath                 = "/ws"
	DefaultMaxConnections       = 10000
	DefaultMaxMessageBytes      = 64 << 10
	DefaultMaxMessagesPerSecond = 50
	DefaultMaxRateViolations    = 10
	DefaultReadHeaderTimeout    = 10 * time.Second
	DefaultShutdownTimeout      = 15 * time.Second

	DefaultHeartbeatInterval = 30 * time.Second
	DefaultConnTimeout       = 60 * time.Second
	DefaultFlushInterval     = 50 * time.Millisecond
	DefaultFlushBatch        = 10
	DefaultMaxQueue          = 1000
	DefaultWriteTimeout      = 10 * time.Second

	DefaultDrainInterval   = 100 * time.Millisecond
	DefaultDrainBatch      = 100
	DefaultEventTTL        = 24 * time.Hour
	DefaultMaxStoredEvents = 10000
	DefaultMaxPending      = 100000

	DefaultTypingIdle      = 10 * time.Second
	DefaultTypingSweep     = 1 * time.Second
	DefaultAwayAfter       = 5 * time.Minute
	DefaultOfflineAfter    = 30 * time.Minute
	DefaultPresenceSweep   = 30 * time.Second
	DefaultActivityFeedCap = 1000
	DefaultActivityMaxAge  = 30 * 24 * time.Hour
	DefaultActivitySweep   = 1 * time.Hour

	DefaultNotifierPoll        = 5 * time.Second
	DefaultNotifierConcurrency = 16
	DefaultNotifierTimeout     = 5 * time.Second

	DefaultArchiveBatch       = 500
	DefaultArchiveFlush       = time.Second
	DefaultArchiveBufferLimit = 100000

	DefaultDBPort    = 5432
	DefaultDBSSLMode = "prefer"
	DefaultMaxConns  = 10
	DefaultMinConns  = 2

	DefaultMetricsPath = "/metrics"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
)

func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.Path == "" {
		c.Server.Path = DefaultPath
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = DefaultMaxConnections
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.Server.MaxMessagesPerSecond == 0 {
		c.Server.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	if c.Server.MaxRateViolations == 0 {
		c.Server.MaxRateViolations = DefaultMaxRateViolations
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Connections defaults
	if c.Connections.HeartbeatInterval == 0 {
		c.Connections.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Connections.Timeout == 0 {
		c.Connections.Timeout = DefaultConnTimeout
	}
	if c.Connections.FlushInterval == 0 {
		c.Connections.FlushInterval = DefaultFlushInterval
	}
	if c.Connections.FlushBatch == 0 {
		c.Connections.FlushBatch = DefaultFlushBatch
	}
	if c.Connections.MaxQueue == 0 {
		c.Connections.MaxQueue = DefaultMaxQueue
	}
	if c.Connections.WriteTimeout == 0 {
		c.Connections.WriteTimeout = DefaultWriteTimeout
	}

	// Broadcast defaults
	if c.Broadcast.DrainInterval == 0 {
		c.Broadcast.DrainInterval = DefaultDrainInterval
	}
	if c.Broadcast.DrainBatch == 0 {
		c.Broadcast.DrainBatch = DefaultDrainBatch
	}
	if c.Broadcast.DefaultTTL == 0 {
		c.Broadcast.DefaultTTL = DefaultEventTTL
	}
	if c.Broadcast.MaxStoredEvents == 0 {
		c.Broadcast.MaxStoredEvents = DefaultMaxStoredEvents
	}
	if c.Broadcast.MaxPending == 0 {
		c.Broadcast.MaxPending = DefaultMaxPending
	}

	// Presence defaults
	if c.Presence.TypingIdle == 0 {
		c.Presence.TypingIdle = DefaultTypingIdle
	}
	if c.Presence.TypingSweep == 0 {
		c.Presence.TypingSweep = DefaultTypingSweep
	}
	if c.Presence.AwayAfter == 0 {
		c.Presence.AwayAfter = DefaultAwayAfter
	}
	if c.Presence.OfflineAfter == 0 {
		c.Presence.OfflineAfter = DefaultOfflineAfter
	}
	if c.Presence.PresenceSweep == 0 {
		c.Presence.PresenceSweep = DefaultPresenceSweep
	}
	if c.Presence.ActivityFeedCap == 0 {
		c.Presence.ActivityFeedCap = DefaultActivityFeedCap
	}
	if c.Presence.ActivityMaxAge == 0 {
		c.Presence.ActivityMaxAge = DefaultActivityMaxAge
	}
	if c.Presence.ActivitySweep == 0 {
		c.Presence.ActivitySweep = DefaultActivitySweep
	}

	if c.Notifier.PollInterval == 0 {
		c.Notifier.PollInterval = DefaultNotifierPoll
	}
	if c.Notifier.Concurrency == 0 {
		c.Notifier.Concurrency = DefaultNotifierConcurrency
	}
	if c.Notifier.Timeout == 0 {
		c.Notifier.Timeout = DefaultNotifierTimeout
	}

	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultArchiveBatch
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultArchiveFlush
	}
	if c.Archive.BufferLimit == 0 {
		c.Archive.BufferLimit = DefaultArchiveBufferLimit
	}

	// Database defaults
	if c.Database.Enabled() {
		applyDBDefaults(&c.Database)
	}

	// Metrics and logging defaults
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
