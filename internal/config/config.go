// Package config loads runtime settings from an optional config file,
// a .env file and the process environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/ulule/limiter/v3"

	"github.com/investin/ledger-engine/internal/model"
)

// Config holds all runtime configuration for the ledger engine.
type Config struct {
	Env      string `yaml:"env" env:"ENV" env-default:"dev"`
	Port     int    `yaml:"port" env:"PORT" env-default:"8080"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`

	// SkipSeed disables listing the demo instruments on start. Booleans
	// are opt-out because cleanenv applies env-default to zero values.
	SkipSeed      bool   `yaml:"skip_seed" env:"SKIP_SEED"`
	SignupCredits string `yaml:"signup_credits" env:"SIGNUP_CREDITS" env-default:"10000"`

	Postgres Postgres `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
	HTTP     HTTP     `yaml:"http"`
	Ledger   Ledger   `yaml:"ledger"`
}

// Postgres is optional. Without a URL the in-memory store is used.
type Postgres struct {
	URL         string `yaml:"url" env:"DATABASE_URL"`
	SkipMigrate bool   `yaml:"skip_migrate" env:"DATABASE_SKIP_MIGRATE"`
}

// Redis enables the read-through cache in front of Postgres.
type Redis struct {
	URL      string        `yaml:"url" env:"REDIS_URL"`
	CacheTTL time.Duration `yaml:"cache_ttl" env:"REDIS_CACHE_TTL" env-default:"30s"`
}

type HTTP struct {
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"10s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"HTTP_REQUEST_TIMEOUT" env-default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"5s"`

	// RateLimit uses the limiter format "<limit>-<period>", e.g. 600-M.
	RateLimit   string   `yaml:"rate_limit" env:"HTTP_RATE_LIMIT" env-default:"600-M"`
	CORSOrigins []string `yaml:"cors_origins" env:"HTTP_CORS_ORIGINS" env-separator:"," env-default:"*"`
}

// Ledger tunes the optimistic-concurrency retry.
type Ledger struct {
	MaxRetries uint64        `yaml:"max_retries" env:"LEDGER_MAX_RETRIES" env-default:"5"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"LEDGER_RETRY_DELAY" env-default:"5ms"`
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Load reads configuration. A .env file in the working directory is loaded
// first when present; path, when set, names a YAML, JSON, TOML or .env
// file whose values are overridden by the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every value that cleanenv cannot.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT: %d", c.Port))
	}
	if _, ok := logLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", c.LogLevel))
	}
	if credits, err := decimal.NewFromString(c.SignupCredits); err != nil || credits.IsNegative() || credits.GreaterThan(model.MaxBalance) {
		errs = append(errs, fmt.Errorf("invalid SIGNUP_CREDITS: %q", c.SignupCredits))
	}

	for name, d := range map[string]time.Duration{
		"HTTP_READ_TIMEOUT":     c.HTTP.ReadTimeout,
		"HTTP_WRITE_TIMEOUT":    c.HTTP.WriteTimeout,
		"HTTP_IDLE_TIMEOUT":     c.HTTP.IdleTimeout,
		"HTTP_REQUEST_TIMEOUT":  c.HTTP.RequestTimeout,
		"HTTP_SHUTDOWN_TIMEOUT": c.HTTP.ShutdownTimeout,
		"REDIS_CACHE_TTL":       c.Redis.CacheTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s: %v, must be positive", name, d))
		}
	}
	if c.Ledger.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("invalid LEDGER_RETRY_DELAY: %v", c.Ledger.RetryDelay))
	}
	if _, err := limiter.NewRateFromFormatted(c.HTTP.RateLimit); err != nil {
		errs = append(errs, fmt.Errorf("invalid HTTP_RATE_LIMIT: %q: %w", c.HTTP.RateLimit, err))
	}
	if c.Redis.URL != "" && c.Postgres.URL == "" {
		errs = append(errs, errors.New("REDIS_URL requires DATABASE_URL: the cache only fronts Postgres"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	return logLevels[strings.ToLower(c.LogLevel)]
}

// Credits is SignupCredits as a decimal.
func (c *Config) Credits() decimal.Decimal {
	d, _ := decimal.NewFromString(c.SignupCredits)
	return d
}
