// Package workpool runs background jobs on a fixed number of workers fed by
// a bounded queue.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var ErrClosed = errors.New("workpool: closed")

type Job = func(ctx context.Context)

type Pool struct {
	log    *slog.Logger
	jobs   chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts workers goroutines. Jobs receive a context that is only
// cancelled when Close gives up waiting.
func New(logger *slog.Logger, workers, queue int) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 2
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:    logger,
		jobs:   make(chan Job, queue),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("workpool job panicked", "panic", fmt.Sprint(rec))
		}
	}()
	job(p.ctx)
}

// Submit enqueues job without blocking. It reports false when the queue is
// full or the pool is closed.
func (p *Pool) Submit(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Close stops accepting jobs and waits for queued and running ones. If ctx
// ends first the job context is cancelled and ctx's error returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("workpool close: %w", ctx.Err())
	}
}
