package gateway

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HeartbeatMonitor reaps silent connections with a single periodic sweep
// over all registered connections. One sweep timer instead of a timer
// per connection bounds timer-subsystem overhead at high connection
// counts; the cost is timeout resolution of ±interval.
//
// Liveness is driven by any inbound frame (Conn.Touch), not only
// heartbeat events. Connections still in Connecting state are covered by
// their own auth timer, not this sweep.
type HeartbeatMonitor struct {
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	registry   *Registry
	disconnect func(c *Conn, reason string)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHeartbeatMonitor creates the monitor. timeout must be strictly
// greater than interval and the expected client ping cadence.
func NewHeartbeatMonitor(
	interval, timeout time.Duration,
	registry *Registry,
	disconnect func(c *Conn, reason string),
	logger zerolog.Logger,
) *HeartbeatMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= interval {
		timeout = 75 * time.Second
	}
	return &HeartbeatMonitor{
		interval:   interval,
		timeout:    timeout,
		logger:     logger.With().Str("component", "heartbeat_monitor").Logger(),
		registry:   registry,
		disconnect: disconnect,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (m *HeartbeatMonitor) Start() {
	go m.loop()
}

// Stop cancels the sweep loop.
func (m *HeartbeatMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

func (m *HeartbeatMonitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

// Sweep force-disconnects every registered connection whose last inbound
// frame is older than the timeout. Exported with an explicit clock for
// deterministic tests.
func (m *HeartbeatMonitor) Sweep(now time.Time) {
	var reaped int
	m.registry.ForEach(func(c *Conn) {
		if c.State() != StateRegistered {
			return
		}
		idle := now.Sub(c.LastActive())
		if idle <= m.timeout {
			return
		}
		reaped++
		m.logger.Info().
			Str("conn_id", c.ID()).
			Str("user_id", c.UserID()).
			Dur("idle", idle).
			Dur("timeout", m.timeout).
			Msg("Heartbeat timeout, forcing disconnect")
		m.disconnect(c, DisconnectReasonHeartbeatTimeout)
	})

	if reaped > 0 {
		m.logger.Debug().Int("reaped", reaped).Msg("Heartbeat sweep complete")
	}
}
