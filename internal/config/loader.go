package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Load reads path, expands ${VAR} references and applies environment
// overrides. Defaults are not applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWithDefaults loads path and fills unset fields with defaults.
// An empty path yields a configuration built from defaults and the
// environment alone.
func LoadWithDefaults(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = &Config{}
		if err := applyEnv(cfg); err != nil {
			return nil, err
		}
	} else {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads with defaults and validates the result.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
