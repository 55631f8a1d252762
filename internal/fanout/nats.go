package fanout

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openchat/gateway/internal/monitoring"
)

// NATSConfig holds connection tuning for the cluster bus.
type NATSConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	PingInterval    time.Duration
	MaxPingsOut     int
}

// NATSBus is the production Bus backed by NATS core pub/sub. Inbound
// messages are handed to a worker pool so a slow handler (a large local
// fanout) never stalls the subscription reader.
type NATSBus struct {
	conn    *nats.Conn
	workers *WorkerPool
	logger  zerolog.Logger

	subsMu sync.Mutex
	subs   []*nats.Subscription
}

// NewNATSBus connects to NATS. Callers treat a connect error as a signal
// to fall back to the NoopBus, not as fatal.
func NewNATSBus(cfg NATSConfig, logger zerolog.Logger) (*NATSBus, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1 // retry forever
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.ReconnectJitter == 0 {
		cfg.ReconnectJitter = 500 * time.Millisecond
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.MaxPingsOut == 0 {
		cfg.MaxPingsOut = 3
	}

	bus := &NATSBus{
		workers: NewWorkerPool(0, 0, logger),
		logger:  logger.With().Str("component", "fanout").Logger(),
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.ConnectHandler(func(conn *nats.Conn) {
			bus.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
			monitoring.FanoutConnected.Set(1)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("Disconnected from NATS")
			}
			monitoring.FanoutConnected.Set(0)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			bus.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
			monitoring.FanoutConnected.Set(1)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			bus.logger.Error().Err(err).Msg("NATS error")
			monitoring.FanoutErrors.Inc()
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	bus.conn = conn
	monitoring.FanoutConnected.Set(1)
	return bus, nil
}

// Publish sends data on subject. Errors are returned for accounting but
// callers on the delivery path treat them as log-and-continue.
func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := b.conn.Publish(subject, data); err != nil {
		monitoring.FanoutErrors.Inc()
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	monitoring.FanoutPublished.Inc()
	return nil
}

// Subscribe registers handler for subject (wildcards allowed).
func (b *NATSBus) Subscribe(subject string, handler Handler) error {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		monitoring.FanoutReceived.Inc()
		data := msg.Data
		b.workers.Submit(func() {
			handler(data)
		})
	})
	if err != nil {
		monitoring.FanoutErrors.Inc()
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()

	b.logger.Debug().Str("subject", subject).Msg("Subscribed to bus subject")
	return nil
}

func (b *NATSBus) Connected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close unsubscribes everything and drains the connection.
func (b *NATSBus) Close() error {
	b.subsMu.Lock()
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Msg("Error unsubscribing from bus subject")
		}
	}
	b.subs = nil
	b.subsMu.Unlock()

	if b.conn != nil {
		b.conn.Close()
		monitoring.FanoutConnected.Set(0)
	}
	b.workers.Stop()
	return nil
}
