package fanout

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsTasks(t *testing.T) {
	p := NewWorkerPool(4, 16, zerolog.Nop())
	defer p.Stop()

	var done atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		p.Submit(func() {
			done.Add(1)
			wg.Done()
		})
	}
	wg.Wait()
	require.Equal(t, int64(100), done.Load())
}

func TestWorkerPoolFullQueueRunsInline(t *testing.T) {
	p := NewWorkerPool(1, 1, zerolog.Nop())
	defer p.Stop()

	// Jam the single worker and fill the single queue slot; the next
	// submit must run in this goroutine.
	block := make(chan struct{})
	p.Submit(func() { <-block })
	p.Submit(func() {})

	require.Eventually(t, func() bool {
		ran := false
		p.Submit(func() { ran = true })
		return ran
	}, time.Second, 10*time.Millisecond)
	require.Greater(t, p.InlineRuns(), int64(0))

	close(block)
}

func TestWorkerPoolRecoversPanic(t *testing.T) {
	p := NewWorkerPool(1, 4, zerolog.Nop())
	defer p.Stop()

	p.Submit(func() { panic("boom") })

	// The worker survives and keeps serving.
	done := make(chan struct{})
	p.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive panic")
	}
}
