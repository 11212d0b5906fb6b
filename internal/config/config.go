// Package config provides application configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config holds all application configuration.
type Config struct {
	Port           string `env:"PORT"             envDefault:"8080"`
	FrontendURL    string `env:"FRONTEND_URL"`
	DBPath         string `env:"DB_PATH"          envDefault:"./data/supportdesk.db"`
	StorageBackend string `env:"STORAGE_BACKEND"  envDefault:"sqlite"`
	GRPCHealthPort string `env:"GRPC_HEALTH_PORT"`
	OTelEndpoint   string `env:"OTEL_ENDPOINT"`

	SessionPollInterval  time.Duration `env:"SESSION_POLL_INTERVAL"  envDefault:"2s"`
	MessagePollInterval  time.Duration `env:"MESSAGE_POLL_INTERVAL"  envDefault:"2s"`
	PresencePollInterval time.Duration `env:"PRESENCE_POLL_INTERVAL" envDefault:"30s"`
	MessageHistoryLimit  int           `env:"MESSAGE_HISTORY_LIMIT"  envDefault:"100"`

	ClosedSessionRetention time.Duration `env:"CLOSED_SESSION_RETENTION" envDefault:"0s"`
	RetentionSweepInterval time.Duration `env:"RETENTION_SWEEP_INTERVAL" envDefault:"5m"`

	SendRateLimit      int           `env:"SEND_RATE_LIMIT"      envDefault:"30"`
	HealthCheckTimeout time.Duration `env:"HEALTH_CHECK_TIMEOUT" envDefault:"5s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.StorageBackend {
	case BackendSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", BackendSQLite, BackendMemory, c.StorageBackend)
	}
	if c.SessionPollInterval <= 0 || c.MessagePollInterval <= 0 || c.PresencePollInterval <= 0 {
		return fmt.Errorf("poll intervals must be > 0")
	}
	if c.MessageHistoryLimit <= 0 {
		return fmt.Errorf("MESSAGE_HISTORY_LIMIT must be > 0")
	}
	if c.ClosedSessionRetention < 0 {
		return fmt.Errorf("CLOSED_SESSION_RETENTION cannot be negative")
	}
	if c.RetentionSweepInterval <= 0 {
		return fmt.Errorf("RETENTION_SWEEP_INTERVAL must be > 0")
	}
	if c.SendRateLimit <= 0 {
		return fmt.Errorf("SEND_RATE_LIMIT must be > 0")
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("HEALTH_CHECK_TIMEOUT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}
