package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all service configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr      string `env:"NOTIFY_ADDR" envDefault:":8080"`
	JWTSecret string `env:"NOTIFY_JWT_SECRET" envDefault:"dev-secret-change-me"`

	// Persistence
	DatabasePath string `env:"NOTIFY_DB_PATH" envDefault:"notifier.db"`

	// Event source
	NATSURL     string `env:"NOTIFY_NATS_URL" envDefault:""`
	NATSSubject string `env:"NOTIFY_NATS_SUBJECT" envDefault:"notify.events"`

	// Connection registry
	MaxConnsPerUser   int           `env:"NOTIFY_MAX_CONNS_PER_USER" envDefault:"5"`
	HeartbeatInterval time.Duration `env:"NOTIFY_HEARTBEAT_INTERVAL" envDefault:"30s"`
	IdleTimeout       time.Duration `env:"NOTIFY_IDLE_TIMEOUT" envDefault:"10m"`
	SweepInterval     time.Duration `env:"NOTIFY_SWEEP_INTERVAL" envDefault:"1m"`

	// Notification queue
	FlushInterval   time.Duration `env:"NOTIFY_FLUSH_INTERVAL" envDefault:"5s"`
	FlushMaxPending int           `env:"NOTIFY_FLUSH_MAX_PENDING" envDefault:"100"`
	FlushMaxRetries int           `env:"NOTIFY_FLUSH_MAX_RETRIES" envDefault:"3"`

	// Rate limiting (admission control)
	UserRateBurst int     `env:"NOTIFY_USER_RATE_BURST" envDefault:"10"`
	UserRate      float64 `env:"NOTIFY_USER_RATE" envDefault:"2.0"`
	GlobalBurst   int     `env:"NOTIFY_GLOBAL_RATE_BURST" envDefault:"300"`
	GlobalRate    float64 `env:"NOTIFY_GLOBAL_RATE" envDefault:"50.0"`

	// Safety threshold: refuse new connections above this CPU percentage.
	// Zero disables the check.
	CPURejectThreshold float64 `env:"NOTIFY_CPU_REJECT_THRESHOLD" envDefault:"85.0"`

	// Shutdown
	DrainGracePeriod time.Duration `env:"NOTIFY_DRAIN_GRACE_PERIOD" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production the environment is
	// set by the deployment and the file is absent.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("NOTIFY_ADDR is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("NOTIFY_DB_PATH is required")
	}

	if c.MaxConnsPerUser < 1 {
		return fmt.Errorf("NOTIFY_MAX_CONNS_PER_USER must be > 0, got %d", c.MaxConnsPerUser)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("NOTIFY_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.IdleTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("NOTIFY_IDLE_TIMEOUT (%s) must be > NOTIFY_HEARTBEAT_INTERVAL (%s)",
			c.IdleTimeout, c.HeartbeatInterval)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("NOTIFY_FLUSH_INTERVAL must be > 0, got %s", c.FlushInterval)
	}
	if c.FlushMaxPending < 1 {
		return fmt.Errorf("NOTIFY_FLUSH_MAX_PENDING must be > 0, got %d", c.FlushMaxPending)
	}
	if c.FlushMaxRetries < 0 {
		return fmt.Errorf("NOTIFY_FLUSH_MAX_RETRIES must be >= 0, got %d", c.FlushMaxRetries)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("NOTIFY_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the loaded configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("db_path", c.DatabasePath).
		Str("nats_url", c.NATSURL).
		Str("nats_subject", c.NATSSubject).
		Int("max_conns_per_user", c.MaxConnsPerUser).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("idle_timeout", c.IdleTimeout).
		Dur("sweep_interval", c.SweepInterval).
		Dur("flush_interval", c.FlushInterval).
		Int("flush_max_pending", c.FlushMaxPending).
		Int("flush_max_retries", c.FlushMaxRetries).
		Int("user_rate_burst", c.UserRateBurst).
		Float64("user_rate", c.UserRate).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
