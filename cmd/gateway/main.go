package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/openchat/gateway/internal/auth"
	"github.com/openchat/gateway/internal/config"
	"github.com/openchat/gateway/internal/fanout"
	"github.com/openchat/gateway/internal/gateway"
	"github.com/openchat/gateway/internal/limits"
	"github.com/openchat/gateway/internal/logging"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		bootstrap := logging.New(logging.Options{Level: "info", Format: logging.FormatJSON})
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: logging.Format(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	// Identity verification is an external collaborator; without a
	// shared secret the gateway falls back to trusting the register id
	// directly (development mode).
	var verifier auth.Verifier = auth.Static{}
	if cfg.JWTSecret != "" {
		verifier = auth.NewJWTVerifier(cfg.JWTSecret)
	} else {
		logger.Warn().Msg("GW_JWT_SECRET not set, register ids are trusted verbatim")
	}

	// Bus unavailability is a degraded mode, not an error: the gateway
	// still serves its own connections.
	var bus fanout.Bus
	if cfg.NATSURL == "" {
		bus = fanout.NewNoopBus()
		logger.Info().Msg("No NATS URL configured, running single-instance")
	} else {
		natsBus, busErr := fanout.NewNATSBus(fanout.NATSConfig{URL: cfg.NATSURL}, logger)
		if busErr != nil {
			logger.Warn().Err(busErr).Msg("Cluster bus unreachable, degrading to local-only delivery")
			bus = fanout.NewNoopBus()
		} else {
			bus = natsBus
		}
	}

	gw := gateway.New(gateway.Options{
		Logger:            logger,
		Verifier:          verifier,
		Bus:               bus,
		MaxConnections:    cfg.MaxConnections,
		AuthTimeout:       cfg.AuthTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ConnectionTimeout: cfg.ConnectionTimeout,
		Acks: gateway.AckTrackerConfig{
			CheckInterval: cfg.AckCheckInterval,
			RetryBase:     cfg.AckRetryBase,
			RetryCap:      cfg.AckRetryCap,
			MaxRetries:    cfg.AckMaxRetries,
		},
		AdmissionCeiling: cfg.MaxConnectionsPerIP,
		AdmissionTTL:     cfg.AdmissionTTL,
		MessageRate:      cfg.MessageRate,
		MessageBurst:     cfg.MessageBurst,
	})

	// An explicit memory limit wins; otherwise the container's cgroup
	// limit (if any) drives the overload brake, headroom reserved for
	// the runtime.
	memoryLimit := cfg.MemoryLimit
	if memoryLimit <= 0 {
		if detected := limits.DetectMemoryLimit(); detected > 0 {
			memoryLimit = detected * 9 / 10
			logger.Info().
				Int64("cgroup_limit_mb", detected/(1024*1024)).
				Int64("effective_limit_mb", memoryLimit/(1024*1024)).
				Msg("Memory limit detected from cgroup")
		}
	}
	guard := limits.NewResourceGuard(memoryLimit, 15*time.Second, logger)

	server := gateway.NewServer(gateway.ServerConfig{
		Addr:        cfg.Addr,
		ReadTimeout: cfg.ConnectionTimeout + cfg.HeartbeatInterval,
	}, gw, guard, logger)

	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down gateway")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
