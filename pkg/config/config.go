// Package config loads bootstrap configuration for the hub.
//
// Only the handful of values needed before the database opens live here:
// bind address, port, and the database path. Everything else (WorkOS
// settings, base URL, admin lists) lives in system_settings and is managed
// through the setup and admin APIs.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds bootstrap configuration. Values come from config.yaml when
// present, with environment variables overriding.
type Config struct {
	Host         string `yaml:"host" env:"TOOLHUB_HOST" env-default:"127.0.0.1"`
	Port         string `yaml:"port" env:"TOOLHUB_PORT" env-default:"8787"`
	DatabasePath string `yaml:"database_path" env:"TOOLHUB_DATABASE_PATH" env-default:""`
	Env          string `yaml:"env" env:"TOOLHUB_ENV" env-default:"local"`
	Version      string `yaml:"-"` // Set at load time, not from config
}

// Load reads configuration from config.yaml (if present) with environment
// variable overrides. The version parameter is injected at build time.
func Load(version string) (*Config, error) {
	cfg := &Config{Version: version}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if cfg.DatabasePath == "" {
		path, err := xdg.DataFile(filepath.Join("toolhub", "toolhub.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve default database path: %w", err)
		}
		cfg.DatabasePath = path
	}

	return cfg, nil
}

// ListenAddr returns the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return c.Host + ":" + c.Port
}
