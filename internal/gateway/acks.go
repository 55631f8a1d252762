package gateway

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openchat/gateway/internal/monitoring"
)

// Pending is one message awaiting client acknowledgment.
//
// Invariant: RetryCount <= MaxRetries while pending. Once RetryCount
// reaches MaxRetries and the message is still unacknowledged, the entry
// transitions to failed and is removed; the failure notification is
// emitted exactly once.
type Pending struct {
	MessageID  string
	FromUserID string
	FromConnID string // sender's physical connection; its disconnect cancels this entry
	ToUserID   string
	Frame      []byte // serialized push frame, re-sent verbatim on retry

	CreatedAt     time.Time
	LastAttemptAt time.Time
	RetryCount    int
	MaxRetries    int
	RetryBase     time.Duration
}

// nextRetryAfter is the backoff before attempt RetryCount+1:
// base * 2^RetryCount, capped.
func (p *Pending) nextRetryAfter(ceiling time.Duration) time.Duration {
	d := p.RetryBase << p.RetryCount
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

// AckTrackerConfig tunes the pending sweep.
type AckTrackerConfig struct {
	CheckInterval time.Duration // sweep period (default 5s)
	RetryBase     time.Duration // backoff base (default 1s)
	RetryCap      time.Duration // backoff ceiling (default 30s)
	MaxRetries    int           // default retry budget (default 3)
}

func (c *AckTrackerConfig) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryCap < c.RetryBase {
		c.RetryCap = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
}

// AckTracker drives at-least-once delivery: it holds every in-flight
// message, re-delivers on a periodic sweep with exponential backoff, and
// escalates to a one-shot failure notification when the retry budget is
// spent. Each pending entry is independent; no cross-message ordering is
// implied.
type AckTracker struct {
	cfg    AckTrackerConfig
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]*Pending

	// deliver re-sends the frame to the recipient (local connections
	// plus cluster fan-out). notifyRetry / notifyFailure go to the
	// sender. All three are injected by the gateway so the tracker
	// stays transport-agnostic.
	deliver       func(p *Pending)
	notifyRetry   func(p *Pending)
	notifyFailure func(p *Pending)

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewAckTracker(cfg AckTrackerConfig, logger zerolog.Logger) *AckTracker {
	cfg.applyDefaults()
	return &AckTracker{
		cfg:     cfg,
		logger:  logger.With().Str("component", "ack_tracker").Logger(),
		pending: make(map[string]*Pending),
		stopCh:  make(chan struct{}),
	}
}

// SetCallbacks wires the delivery and escalation paths. Must be called
// before Start.
func (t *AckTracker) SetCallbacks(deliver, notifyRetry, notifyFailure func(p *Pending)) {
	t.deliver = deliver
	t.notifyRetry = notifyRetry
	t.notifyFailure = notifyFailure
}

// Start launches the periodic sweep.
func (t *AckTracker) Start() {
	go t.sweepLoop()
}

// Stop cancels the sweep. In-flight entries are abandoned: without
// durable storage their failure is implicit and the sender is not
// notified.
func (t *AckTracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
}

// Track registers a message awaiting acknowledgment. The initial
// delivery has already happened; LastAttemptAt anchors the first backoff.
func (t *AckTracker) Track(p *Pending) {
	if p.MaxRetries <= 0 {
		p.MaxRetries = t.cfg.MaxRetries
	}
	if p.RetryBase <= 0 {
		p.RetryBase = t.cfg.RetryBase
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.LastAttemptAt.IsZero() {
		p.LastAttemptAt = now
	}

	t.mu.Lock()
	t.pending[p.MessageID] = p
	size := len(t.pending)
	t.mu.Unlock()

	monitoring.AcksPending.Set(float64(size))
}

// Acknowledge resolves a pending entry. Returns whether it was found;
// resolving an unknown or already-resolved id is not an error.
func (t *AckTracker) Acknowledge(messageID string) bool {
	t.mu.Lock()
	_, found := t.pending[messageID]
	if found {
		delete(t.pending, messageID)
	}
	size := len(t.pending)
	t.mu.Unlock()

	if found {
		monitoring.AcksResolved.Inc()
		monitoring.AcksPending.Set(float64(size))
	}
	return found
}

// CancelSenderConn drops every pending entry owned by the given sender
// connection. Receiver disconnect never cancels; those entries keep
// retrying against the recipient's remaining connections or fail.
func (t *AckTracker) CancelSenderConn(connID string) int {
	t.mu.Lock()
	cancelled := 0
	for id, p := range t.pending {
		if p.FromConnID == connID {
			delete(t.pending, id)
			cancelled++
		}
	}
	size := len(t.pending)
	t.mu.Unlock()

	if cancelled > 0 {
		monitoring.AcksPending.Set(float64(size))
		t.logger.Debug().
			Str("conn_id", connID).
			Int("cancelled", cancelled).
			Msg("Cancelled pending acks for disconnected sender")
	}
	return cancelled
}

// PendingCount returns the number of in-flight entries.
func (t *AckTracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *AckTracker) sweepLoop() {
	ticker := time.NewTicker(t.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep(time.Now())
		case <-t.stopCh:
			return
		}
	}
}

// Sweep evaluates every pending entry once. Exported with an explicit
// clock so tests drive ticks deterministically.
func (t *AckTracker) Sweep(now time.Time) {
	// Collect due entries under the lock, act on them outside it: the
	// delivery callbacks take presence/registry locks of their own.
	var retries, failures []*Pending

	t.mu.Lock()
	for id, p := range t.pending {
		if now.Sub(p.LastAttemptAt) <= p.nextRetryAfter(t.cfg.RetryCap) {
			continue
		}
		if p.RetryCount < p.MaxRetries {
			p.RetryCount++
			p.LastAttemptAt = now
			retries = append(retries, p)
		} else {
			delete(t.pending, id)
			failures = append(failures, p)
		}
	}
	size := len(t.pending)
	t.mu.Unlock()

	monitoring.AcksPending.Set(float64(size))

	for _, p := range retries {
		monitoring.AckRetries.Inc()
		t.logger.Debug().
			Str("message_id", p.MessageID).
			Str("to", p.ToUserID).
			Int("attempt", p.RetryCount).
			Int("max_retries", p.MaxRetries).
			Msg("Re-delivering unacknowledged message")
		if t.deliver != nil {
			t.deliver(p)
		}
		if t.notifyRetry != nil {
			t.notifyRetry(p)
		}
	}

	for _, p := range failures {
		monitoring.DeliveriesFailed.Inc()
		t.logger.Warn().
			Str("message_id", p.MessageID).
			Str("from", p.FromUserID).
			Str("to", p.ToUserID).
			Int("retries", p.RetryCount).
			Msg("Delivery failed: retries exhausted")
		if t.notifyFailure != nil {
			t.notifyFailure(p)
		}
	}
}
