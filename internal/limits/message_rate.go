package limits

import (
	"sync"

	"golang.org/x/time/rate"
)

// MessageRateLimiter tracks one token bucket per connection for the
// inbound application-message ceiling. Exceeding the ceiling rejects the
// message with an explicit error frame; it never disconnects the client.
type MessageRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	ratePS   float64
	burst    int
}

// NewMessageRateLimiter creates a registry of per-connection limiters.
// ratePS <= 0 falls back to 10 msg/sec; burst <= 0 falls back to 100.
func NewMessageRateLimiter(ratePS float64, burst int) *MessageRateLimiter {
	if ratePS <= 0 {
		ratePS = 10
	}
	if burst <= 0 {
		burst = 100
	}
	return &MessageRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		ratePS:   ratePS,
		burst:    burst,
	}
}

// Allow reports whether the connection may submit another message now.
func (mrl *MessageRateLimiter) Allow(connID string) bool {
	mrl.mu.RLock()
	limiter, exists := mrl.limiters[connID]
	mrl.mu.RUnlock()

	if !exists {
		mrl.mu.Lock()
		limiter, exists = mrl.limiters[connID]
		if !exists {
			limiter = rate.NewLimiter(rate.Limit(mrl.ratePS), mrl.burst)
			mrl.limiters[connID] = limiter
		}
		mrl.mu.Unlock()
	}

	return limiter.Allow()
}

// Remove drops the limiter for a closed connection.
func (mrl *MessageRateLimiter) Remove(connID string) {
	mrl.mu.Lock()
	delete(mrl.limiters, connID)
	mrl.mu.Unlock()
}

// Tracked returns the number of connections with an active limiter.
func (mrl *MessageRateLimiter) Tracked() int {
	mrl.mu.RLock()
	defer mrl.mu.RUnlock()
	return len(mrl.limiters)
}
