package fanout

import (
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is one unit of bus-inbound work.
type Task func()

// WorkerPool decouples bus message handling from the subscription
// reader goroutine. A room mirrored from another instance may fan out to
// thousands of local connections; doing that inline would stall every
// other subject on the same connection.
//
// When the queue is full the task runs synchronously in the caller,
// trading reader throughput for backpressure instead of dropping the
// message.
type WorkerPool struct {
	taskQueue chan Task
	wg        sync.WaitGroup
	quit      chan struct{}
	stopOnce  sync.Once
	inlineRun atomic.Int64
	logger    zerolog.Logger
}

// NewWorkerPool starts workerCount workers. workerCount <= 0 defaults to
// 2 per CPU; queueSize <= 0 defaults to 100 per worker.
func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU() * 2
	}
	if queueSize <= 0 {
		queueSize = workerCount * 100
	}

	p := &WorkerPool{
		taskQueue: make(chan Task, queueSize),
		quit:      make(chan struct{}),
		logger:    logger.With().Str("component", "fanout_workers").Logger(),
	}

	p.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.taskQueue:
			p.run(task)
		case <-p.quit:
			return
		}
	}
}

// run executes one task, containing panics to the task that raised them.
func (p *WorkerPool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Recovered panic in fanout task")
		}
	}()
	task()
}

// Submit queues a task, or runs it inline when the queue is full.
func (p *WorkerPool) Submit(task Task) {
	select {
	case p.taskQueue <- task:
	default:
		p.inlineRun.Add(1)
		p.run(task)
	}
}

// InlineRuns reports how often a full queue forced synchronous
// execution.
func (p *WorkerPool) InlineRuns() int64 {
	return p.inlineRun.Load()
}

// Stop signals the workers and waits for them to finish their current
// task. Queued tasks that no worker picked up are abandoned.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}
