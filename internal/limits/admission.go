package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AdmissionCounter enforces the per-source-IP connection ceiling.
//
// Counting is explicit rather than a token bucket: the ceiling is on
// concurrently open connections from one address, so the counter must be
// decremented when a connection closes, not refilled over time.
type AdmissionCounter struct {
	mu      sync.Mutex
	entries map[string]*admissionEntry
	ceiling int
	ttl     time.Duration

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// admissionEntry holds the live connection count and last activity for one IP.
type admissionEntry struct {
	count      int
	lastAccess time.Time
}

// NewAdmissionCounter creates an admission counter.
// ceiling <= 0 falls back to 10; ttl <= 0 falls back to 5 minutes.
func NewAdmissionCounter(ceiling int, ttl time.Duration, logger zerolog.Logger) *AdmissionCounter {
	if ceiling <= 0 {
		ceiling = 10
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	ac := &AdmissionCounter{
		entries:     make(map[string]*admissionEntry),
		ceiling:     ceiling,
		ttl:         ttl,
		logger:      logger.With().Str("component", "admission_counter").Logger(),
		stopCleanup: make(chan struct{}),
	}

	ac.cleanupTicker = time.NewTicker(1 * time.Minute)
	go ac.cleanupLoop()

	return ac
}

// Admit increments the counter for ip and reports whether the connection
// is allowed. When the ceiling is exceeded the increment is rolled back
// so a rejected attempt leaves no trace.
func (ac *AdmissionCounter) Admit(ip string) bool {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	entry := ac.entries[ip]
	if entry == nil {
		entry = &admissionEntry{}
		ac.entries[ip] = entry
	}
	entry.lastAccess = time.Now()

	if entry.count >= ac.ceiling {
		ac.logger.Warn().
			Str("ip", ip).
			Int("count", entry.count).
			Int("ceiling", ac.ceiling).
			Msg("Connection rejected: per-IP ceiling reached")
		return false
	}

	entry.count++
	return true
}

// Release decrements the counter for ip. Called exactly once per admitted
// connection when it closes.
func (ac *AdmissionCounter) Release(ip string) {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	entry := ac.entries[ip]
	if entry == nil {
		return
	}
	entry.lastAccess = time.Now()
	if entry.count > 0 {
		entry.count--
	}
	if entry.count == 0 {
		// Keep the zeroed entry until TTL cleanup so bursts of
		// connect/disconnect don't churn the map.
		return
	}
}

// Count returns the live connection count for ip.
func (ac *AdmissionCounter) Count(ip string) int {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if entry := ac.entries[ip]; entry != nil {
		return entry.count
	}
	return 0
}

func (ac *AdmissionCounter) cleanupLoop() {
	for {
		select {
		case <-ac.cleanupTicker.C:
			ac.cleanup()
		case <-ac.stopCleanup:
			ac.cleanupTicker.Stop()
			return
		}
	}
}

// cleanup removes idle zero-count entries past their TTL.
func (ac *AdmissionCounter) cleanup() {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range ac.entries {
		if entry.count == 0 && now.Sub(entry.lastAccess) > ac.ttl {
			delete(ac.entries, ip)
			removed++
		}
	}

	if removed > 0 {
		ac.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(ac.entries)).
			Msg("Cleaned up idle admission entries")
	}
}

// Stop terminates the cleanup goroutine.
func (ac *AdmissionCounter) Stop() {
	ac.stopOnce.Do(func() {
		close(ac.stopCleanup)
	})
}
