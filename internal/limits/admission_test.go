package limits

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestCounter(t *testing.T, ceiling int) *AdmissionCounter {
	t.Helper()
	ac := NewAdmissionCounter(ceiling, time.Minute, zerolog.Nop())
	t.Cleanup(ac.Stop)
	return ac
}

func TestAdmitUpToCeiling(t *testing.T) {
	ac := newTestCounter(t, 10)

	for i := 0; i < 10; i++ {
		require.True(t, ac.Admit("203.0.113.7"), "connection %d should be admitted", i+1)
	}
	require.Equal(t, 10, ac.Count("203.0.113.7"))

	// The 11th is refused and leaves the count untouched.
	require.False(t, ac.Admit("203.0.113.7"))
	require.Equal(t, 10, ac.Count("203.0.113.7"))
}

func TestReleaseFreesSlot(t *testing.T) {
	ac := newTestCounter(t, 10)

	for i := 0; i < 10; i++ {
		require.True(t, ac.Admit("203.0.113.7"))
	}
	require.False(t, ac.Admit("203.0.113.7"))

	ac.Release("203.0.113.7")
	require.Equal(t, 9, ac.Count("203.0.113.7"))
	require.True(t, ac.Admit("203.0.113.7"))
	require.False(t, ac.Admit("203.0.113.7"))
}

func TestRejectedAttemptLeavesNoTrace(t *testing.T) {
	ac := newTestCounter(t, 2)

	require.True(t, ac.Admit("203.0.113.7"))
	require.True(t, ac.Admit("203.0.113.7"))

	// A burst of rejected attempts must not inflate the count or block
	// the slot a genuine disconnect frees up.
	for i := 0; i < 50; i++ {
		require.False(t, ac.Admit("203.0.113.7"))
	}
	require.Equal(t, 2, ac.Count("203.0.113.7"))

	ac.Release("203.0.113.7")
	require.True(t, ac.Admit("203.0.113.7"))
}

func TestCeilingIsPerIP(t *testing.T) {
	ac := newTestCounter(t, 1)

	require.True(t, ac.Admit("203.0.113.7"))
	require.False(t, ac.Admit("203.0.113.7"))
	require.True(t, ac.Admit("203.0.113.8"))
}

func TestReleaseUnknownIPIsNoop(t *testing.T) {
	ac := newTestCounter(t, 10)
	ac.Release("198.51.100.1")
	require.Equal(t, 0, ac.Count("198.51.100.1"))
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	ac := newTestCounter(t, 10)

	require.True(t, ac.Admit("203.0.113.7"))
	ac.Release("203.0.113.7")
	ac.Release("203.0.113.7")
	require.Equal(t, 0, ac.Count("203.0.113.7"))

	for i := 0; i < 10; i++ {
		require.True(t, ac.Admit("203.0.113.7"))
	}
	require.False(t, ac.Admit("203.0.113.7"))
}

func TestCleanupRemovesIdleEntries(t *testing.T) {
	ac := NewAdmissionCounter(10, 10*time.Millisecond, zerolog.Nop())
	defer ac.Stop()

	require.True(t, ac.Admit("203.0.113.7"))
	ac.Release("203.0.113.7")

	require.True(t, ac.Admit("203.0.113.8"))

	time.Sleep(30 * time.Millisecond)
	ac.cleanup()

	ac.mu.Lock()
	_, idleGone := ac.entries["203.0.113.7"]
	_, liveKept := ac.entries["203.0.113.8"]
	ac.mu.Unlock()

	require.False(t, idleGone)
	require.True(t, liveKept)
}

func TestAdmitConcurrent(t *testing.T) {
	ac := newTestCounter(t, 100)

	var wg sync.WaitGroup
	var admitted sync.Map
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if ac.Admit("203.0.113.7") {
					admitted.Store(fmt.Sprintf("%d-%d", worker, j), true)
				}
			}
		}(i)
	}
	wg.Wait()

	total := 0
	admitted.Range(func(_, _ any) bool {
		total++
		return true
	})
	require.Equal(t, 100, total)
	require.Equal(t, 100, ac.Count("203.0.113.7"))
}
