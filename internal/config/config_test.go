package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
server:
  addr: ":9000"
  allowed_origins:
    - https://app.example.com
auth:
  jwt_secret: s3cret
  admin_roles: [admin, owner]
connections:
  heartbeat_interval: 15s
presence:
  away_after: 2m
notifier:
  poll_interval: 2s
archive:
  batch_size: 50
database:
  host: localhost
  name: collab
  user: collab
  password: pw
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":9000" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, ":9000")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("Server.AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Auth.JWTSecret != "s3cret" || len(cfg.Auth.AdminRoles) != 2 {
		t.Errorf("Auth = %+v", cfg.Auth)
	}
	if cfg.Connections.HeartbeatInterval != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 15s", cfg.Connections.HeartbeatInterval)
	}
	if cfg.Presence.AwayAfter != 2*time.Minute {
		t.Errorf("AwayAfter = %v, want 2m", cfg.Presence.AwayAfter)
	}
	if cfg.Notifier.PollInterval != 2*time.Second || cfg.Archive.BatchSize != 50 {
		t.Errorf("Notifier/Archive = %+v %+v", cfg.Notifier, cfg.Archive)
	}
	if cfg.Database.Host != "localhost" {
		t.Errorf("Database.Host = %q, want %q", cfg.Database.Host, "localhost")
	}
	// Load does not apply defaults.
	if cfg.Broadcast.DrainBatch != 0 {
		t.Errorf("Broadcast.DrainBatch = %d, want 0 before defaults", cfg.Broadcast.DrainBatch)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "secret123")

	yaml := `
auth:
  jwt_secret: s3cret
database:
  host: localhost
  name: collab
  user: collab
  password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Password != "secret123" {
		t.Errorf("Database.Password = %q, want %q", cfg.Database.Password, "secret123")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("COLLABHUB_JWT_SECRET", "from-env")
	t.Setenv("COLLABHUB_HTTP_ADDR", ":7777")
	t.Setenv("COLLABHUB_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")

	yaml := `
server:
  addr: ":9000"
auth:
  jwt_secret: from-file
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("JWTSecret = %q, want env override", cfg.Auth.JWTSecret)
	}
	if cfg.Server.Addr != ":7777" {
		t.Errorf("Addr = %q, want env override", cfg.Server.Addr)
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins = %v, want 2 entries", cfg.Server.AllowedOrigins)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
auth:
  jwt_secret: s3cret
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Server.Addr != DefaultAddr {
		t.Errorf("Server.Addr = %q, want default %q", cfg.Server.Addr, DefaultAddr)
	}
	if cfg.Connections.Timeout != DefaultConnTimeout {
		t.Errorf("Connections.Timeout = %v, want default %v", cfg.Connections.Timeout, DefaultConnTimeout)
	}
	if cfg.Broadcast.DrainInterval != DefaultDrainInterval {
		t.Errorf("Broadcast.DrainInterval = %v, want default %v", cfg.Broadcast.DrainInterval, DefaultDrainInterval)
	}
	if cfg.Presence.TypingIdle != DefaultTypingIdle {
		t.Errorf("Presence.TypingIdle = %v, want default %v", cfg.Presence.TypingIdle, DefaultTypingIdle)
	}
	if cfg.Notifier.PollInterval != DefaultNotifierPoll || cfg.Archive.BatchSize != DefaultArchiveBatch {
		t.Errorf("Notifier/Archive = %+v %+v, want defaults", cfg.Notifier, cfg.Archive)
	}
	if cfg.Database.Enabled() || cfg.Database.Port != 0 {
		t.Errorf("Database = %+v, want disabled without defaults", cfg.Database)
	}
	if !cfg.Metrics.IsEnabled() || cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics = %+v, want enabled at %s", cfg.Metrics, DefaultMetricsPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadWithDefaults_NoFile(t *testing.T) {
	t.Setenv("COLLABHUB_JWT_SECRET", "env-only")

	cfg, err := LoadAndValidate("")
	if err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}
	if cfg.Auth.JWTSecret != "env-only" {
		t.Errorf("JWTSecret = %q, want env-only", cfg.Auth.JWTSecret)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := writeTempFile(t, "server: [not, a, map")
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid yaml")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Config{Auth: AuthConfig{JWTSecret: "s3cret"}}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "missing auth key",
			mutate:  func(c *Config) { c.Auth.JWTSecret = "" },
			wantErr: "auth.jwt_secret or auth.public_key_path is required",
		},
		{
			name:    "timeout not above heartbeat",
			mutate:  func(c *Config) { c.Connections.Timeout = c.Connections.HeartbeatInterval },
			wantErr: "connections.timeout (30s) must exceed heartbeat_interval (30s)",
		},
		{
			name:    "offline before away",
			mutate:  func(c *Config) { c.Presence.OfflineAfter = time.Minute },
			wantErr: "presence.offline_after (1m0s) must exceed away_after (5m0s)",
		},
		{
			name:    "bad ws path",
			mutate:  func(c *Config) { c.Server.Path = "ws" },
			wantErr: "server.path must start with /",
		},
		{
			name: "database missing password",
			mutate: func(c *Config) {
				c.Database = DBConfig{Host: "localhost", Name: "db", User: "user"}
				applyDBDefaults(&c.Database)
			},
			wantErr: "database.password is required",
		},
		{
			name: "min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Database = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5, MinConns: 10}
			},
			wantErr: "database.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name:    "database url skips field checks",
			mutate:  func(c *Config) { c.Database = DBConfig{URL: "postgres://localhost/collab"} },
			wantErr: "",
		},
		{
			name:    "zero notifier concurrency",
			mutate:  func(c *Config) { c.Notifier.Concurrency = 0 },
			wantErr: "notifier.concurrency must be >= 1",
		},
		{
			name:    "zero archive batch",
			mutate:  func(c *Config) { c.Archive.BatchSize = -1 },
			wantErr: "archive.batch_size must be >= 1",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: `logging.format "xml" must be text or json`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func TestLoadAndValidate_Invalid(t *testing.T) {
	path := writeTempFile(t, "logging:\n  level: loud\n")
	t.Setenv("COLLABHUB_JWT_SECRET", "x")

	_, err := LoadAndValidate(path)
	if err == nil || !strings.Contains(err.Error(), "logging.level") {
		t.Errorf("error = %v, want logging.level failure", err)
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
