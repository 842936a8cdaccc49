package ingest

import (
	"context"
	"log/slog"
	"sync"
)

// Pool is a bounded worker pool for off-critical-path side effects.
// Submit never blocks: when the queue is full the task is dropped, which
// keeps the ingest path independent of slow downstream work.
type Pool struct {
	log     *slog.Logger
	workers int
	tasks   chan func(context.Context)
	wg      sync.WaitGroup
	once    sync.Once
}

func NewPool(workers, queueDepth int, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Pool{
		log:     log,
		workers: workers,
		tasks:   make(chan func(context.Context), queueDepth),
	}
}

// Start launches the workers. They drain the queue until ctx is cancelled
// or Close is called.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task, ok := <-p.tasks:
					if !ok {
						return
					}
					task(ctx)
				}
			}
		}()
	}
}

// Submit enqueues a task, reporting false when the queue is full.
func (p *Pool) Submit(task func(context.Context)) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		p.log.Warn("side-effect pool saturated, task dropped")
		return false
	}
}

// Close stops accepting tasks and waits for in-flight work to finish.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.tasks) })
	p.wg.Wait()
}
