package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr    string `env:"GW_ADDR" envDefault:":3010"`
	NATSURL string `env:"GW_NATS_URL" envDefault:"nats://localhost:4222"`

	// Capacity
	MaxConnections int `env:"GW_MAX_CONNECTIONS" envDefault:"10000"`

	// Admission control
	MaxConnectionsPerIP int           `env:"GW_MAX_CONNECTIONS_PER_IP" envDefault:"10"`
	AdmissionTTL        time.Duration `env:"GW_ADMISSION_TTL" envDefault:"5m"`

	// Registration
	AuthTimeout time.Duration `env:"GW_AUTH_TIMEOUT" envDefault:"30s"`

	// Liveness
	HeartbeatInterval time.Duration `env:"GW_HEARTBEAT_INTERVAL" envDefault:"10s"`
	ConnectionTimeout time.Duration `env:"GW_CONNECTION_TIMEOUT" envDefault:"75s"`

	// Delivery acknowledgment
	AckCheckInterval time.Duration `env:"GW_ACK_CHECK_INTERVAL" envDefault:"5s"`
	AckRetryBase     time.Duration `env:"GW_ACK_RETRY_BASE" envDefault:"1s"`
	AckRetryCap      time.Duration `env:"GW_ACK_RETRY_CAP" envDefault:"30s"`
	AckMaxRetries    int           `env:"GW_ACK_MAX_RETRIES" envDefault:"3"`

	// Per-connection message rate
	MessageRate  float64 `env:"GW_MESSAGE_RATE" envDefault:"10"`
	MessageBurst int     `env:"GW_MESSAGE_BURST" envDefault:"100"`

	// Overload protection. 0 defers to the cgroup limit when one is
	// detectable, otherwise disables the memory brake.
	MemoryLimit int64 `env:"GW_MEMORY_LIMIT" envDefault:"0"`

	// Identity verification
	JWTSecret string `env:"GW_JWT_SECRET" envDefault:""`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production env vars are set directly
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
		return fmt.Errorf("GW_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("GW_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxConnectionsPerIP < 1 {
		return fmt.Errorf("GW_MAX_CONNECTIONS_PER_IP must be > 0, got %d", c.MaxConnectionsPerIP)
	}
	if c.AuthTimeout <= 0 {
		return fmt.Errorf("GW_AUTH_TIMEOUT must be positive, got %v", c.AuthTimeout)
	}

	// The connection timeout must exceed the sweep interval or registered
	// connections could be reaped between two client pings.
	if c.ConnectionTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("GW_CONNECTION_TIMEOUT (%v) must be > GW_HEARTBEAT_INTERVAL (%v)",
			c.ConnectionTimeout, c.HeartbeatInterval)
	}

	if c.AckCheckInterval <= 0 {
		return fmt.Errorf("GW_ACK_CHECK_INTERVAL must be positive, got %v", c.AckCheckInterval)
	}
	if c.AckMaxRetries < 0 {
		return fmt.Errorf("GW_ACK_MAX_RETRIES must be >= 0, got %d", c.AckMaxRetries)
	}
	if c.AckRetryCap < c.AckRetryBase {
		return fmt.Errorf("GW_ACK_RETRY_CAP (%v) must be >= GW_ACK_RETRY_BASE (%v)",
			c.AckRetryCap, c.AckRetryBase)
	}

	if c.MessageRate <= 0 {
		return fmt.Errorf("GW_MESSAGE_RATE must be > 0, got %.1f", c.MessageRate)
	}
	if c.MessageBurst < 1 {
		return fmt.Errorf("GW_MESSAGE_BURST must be > 0, got %d", c.MessageBurst)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("nats_url", c.NATSURL).
		Int("max_connections", c.MaxConnections).
		Int("max_connections_per_ip", c.MaxConnectionsPerIP).
		Dur("admission_ttl", c.AdmissionTTL).
		Dur("auth_timeout", c.AuthTimeout).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("connection_timeout", c.ConnectionTimeout).
		Dur("ack_check_interval", c.AckCheckInterval).
		Dur("ack_retry_base", c.AckRetryBase).
		Dur("ack_retry_cap", c.AckRetryCap).
		Int("ack_max_retries", c.AckMaxRetries).
		Float64("message_rate", c.MessageRate).
		Int("message_burst", c.MessageBurst).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
