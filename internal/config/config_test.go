package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	require.Equal(t, ":3010", cfg.Addr)
	require.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	require.Equal(t, 10000, cfg.MaxConnections)
	require.Equal(t, 10, cfg.MaxConnectionsPerIP)
	require.Equal(t, 5*time.Minute, cfg.AdmissionTTL)
	require.Equal(t, 30*time.Second, cfg.AuthTimeout)
	require.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 75*time.Second, cfg.ConnectionTimeout)
	require.Equal(t, 5*time.Second, cfg.AckCheckInterval)
	require.Equal(t, time.Second, cfg.AckRetryBase)
	require.Equal(t, 30*time.Second, cfg.AckRetryCap)
	require.Equal(t, 3, cfg.AckMaxRetries)
	require.Equal(t, 10.0, cfg.MessageRate)
	require.Equal(t, 100, cfg.MessageBurst)
	require.Equal(t, int64(0), cfg.MemoryLimit)
	require.Empty(t, cfg.JWTSecret)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "json", cfg.LogFormat)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("GW_ADDR", ":9000")
	t.Setenv("GW_MAX_CONNECTIONS_PER_IP", "3")
	t.Setenv("GW_AUTH_TIMEOUT", "5s")
	t.Setenv("GW_MESSAGE_RATE", "2.5")
	t.Setenv("GW_JWT_SECRET", "test-secret")

	cfg, err := Load(nil)
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.Addr)
	require.Equal(t, 3, cfg.MaxConnectionsPerIP)
	require.Equal(t, 5*time.Second, cfg.AuthTimeout)
	require.Equal(t, 2.5, cfg.MessageRate)
	require.Equal(t, "test-secret", cfg.JWTSecret)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(nil)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero per-ip ceiling", func(c *Config) { c.MaxConnectionsPerIP = 0 }},
		{"zero auth timeout", func(c *Config) { c.AuthTimeout = 0 }},
		{"timeout below heartbeat", func(c *Config) {
			c.HeartbeatInterval = time.Minute
			c.ConnectionTimeout = 30 * time.Second
		}},
		{"zero ack interval", func(c *Config) { c.AckCheckInterval = 0 }},
		{"negative max retries", func(c *Config) { c.AckMaxRetries = -1 }},
		{"cap below base", func(c *Config) {
			c.AckRetryBase = time.Minute
			c.AckRetryCap = time.Second
		}},
		{"zero message rate", func(c *Config) { c.MessageRate = 0 }},
		{"zero message burst", func(c *Config) { c.MessageBurst = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}
