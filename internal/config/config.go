// Package config loads process configuration from the environment, with an optional
// .env file for local runs.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	// Store selects the campaign store: postgres or memory.
	Store       string `env:"STORE" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	DB          DBConfig

	AMQPURL string `env:"AMQP_URL"`

	RedisAddr          string        `env:"REDIS_ADDR"`
	MissedCallTTL      time.Duration `env:"MISSED_CALL_TTL" envDefault:"24h"`
	MissedCallCapacity int           `env:"MISSED_CALL_CAPACITY" envDefault:"10000"`

	// PublicURL is the externally reachable base the provider calls back on.
	// Call campaigns cannot start without it.
	PublicURL string `env:"PUBLIC_URL"`

	BatchSize       int           `env:"BATCH_SIZE" envDefault:"5"`
	InterBatchDelay time.Duration `env:"INTER_BATCH_DELAY" envDefault:"2s"`
	SendTimeout     time.Duration `env:"SEND_TIMEOUT" envDefault:"10s"`

	Provider            string  `env:"PROVIDER" envDefault:"simulated"`
	ProviderSuccessRate float64 `env:"PROVIDER_SUCCESS_RATE" envDefault:"0.9"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// DBConfig holds the discrete connection settings used when DATABASE_URL is unset.
type DBConfig struct {
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	Name     string `env:"DB_NAME"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
}

// Load reads the .env files (if any) and then the environment. A missing .env is not
// an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE must be postgres or memory, got %q", c.Store)
	}
	switch c.Provider {
	case "simulated":
	default:
		return fmt.Errorf("PROVIDER %q is not supported", c.Provider)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1, got %d", c.BatchSize)
	}
	if c.InterBatchDelay < 0 {
		return fmt.Errorf("INTER_BATCH_DELAY must not be negative")
	}
	if c.ProviderSuccessRate < 0 || c.ProviderSuccessRate > 1 {
		return fmt.Errorf("PROVIDER_SUCCESS_RATE must be within [0,1], got %v", c.ProviderSuccessRate)
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("PUBLIC_URL must be an absolute URL, got %q", c.PublicURL)
		}
	}
	return nil
}

// DSN returns DATABASE_URL, or builds one from the DB_* settings.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DB.User, c.DB.Password),
		Host:     c.DB.Host + ":" + c.DB.Port,
		Path:     "/" + c.DB.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.DB.SSLMode),
	}
	return u.String()
}
