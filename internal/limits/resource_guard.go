package limits

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceGuard is a supplementary admission brake: it refuses new
// connections when process memory crosses the configured limit, before
// the per-IP ceiling is even consulted. Static configuration only, no
// auto-tuning.
type ResourceGuard struct {
	memoryLimit int64
	logger      zerolog.Logger

	proc          *process.Process
	currentMemory atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewResourceGuard starts a sampler that refreshes process RSS every
// interval. memoryLimit <= 0 disables the memory check entirely.
func NewResourceGuard(memoryLimit int64, interval time.Duration, logger zerolog.Logger) *ResourceGuard {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	rg := &ResourceGuard{
		memoryLimit: memoryLimit,
		logger:      logger.With().Str("component", "resource_guard").Logger(),
		stopCh:      make(chan struct{}),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		// Sampling unavailable (e.g. restricted environment); guard
		// degrades to always-accept.
		rg.logger.Warn().Err(err).Msg("Process handle unavailable, memory guard disabled")
		return rg
	}
	rg.proc = proc

	go rg.sampleLoop(interval)
	return rg
}

func (rg *ResourceGuard) sampleLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mem, err := rg.proc.MemoryInfo()
			if err != nil {
				continue
			}
			rg.currentMemory.Store(int64(mem.RSS))
		case <-rg.stopCh:
			return
		}
	}
}

// ShouldAccept reports whether a new connection may be admitted and, when
// not, the reason.
func (rg *ResourceGuard) ShouldAccept() (bool, string) {
	if rg.memoryLimit <= 0 || rg.proc == nil {
		return true, ""
	}

	if mem := rg.currentMemory.Load(); mem > rg.memoryLimit {
		rg.logger.Warn().
			Int64("rss_mb", mem/(1024*1024)).
			Int64("limit_mb", rg.memoryLimit/(1024*1024)).
			Msg("Connection rejected: memory limit exceeded")
		return false, "memory_limit"
	}
	return true, ""
}

// Stop terminates the sampler goroutine.
func (rg *ResourceGuard) Stop() {
	rg.stopOnce.Do(func() {
		close(rg.stopCh)
	})
}
