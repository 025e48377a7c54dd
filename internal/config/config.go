// Package config loads the server configuration from the environment.
// All settings are env-first: flags in cmd/consortium-server only override
// what the environment leaves unset. A .env file is honored in development
// via godotenv (loaded by main before Parse runs).
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds every runtime setting of the relay.
type Config struct {
	// DatabaseURL is the store connection string. For the postgres driver
	// this is a standard DSN; for sqlite it is a file path (or ":memory:").
	DatabaseURL string `env:"DATABASE_URL" envDefault:"./consortium.db"`

	// DBDriver selects the store backend: "sqlite" or "postgres".
	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite"`

	// MasterSecret derives the token-signing key. Changing it invalidates
	// every issued token. Must be at least 32 characters.
	MasterSecret string `env:"CONSORTIUM_MASTER_SECRET"`

	// Port is the HTTP/WebSocket listen port.
	Port int `env:"PORT" envDefault:"3005"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Parse reads the configuration from the environment and validates it.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}

// Validate checks the constraints that cannot be expressed as env tags.
func (c *Config) Validate() error {
	if len(c.MasterSecret) < 32 {
		return fmt.Errorf("config: CONSORTIUM_MASTER_SECRET must be at least 32 characters")
	}
	if c.DBDriver != "sqlite" && c.DBDriver != "postgres" {
		return fmt.Errorf("config: unsupported DB_DRIVER %q, use \"sqlite\" or \"postgres\"", c.DBDriver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid PORT %d", c.Port)
	}
	return nil
}
