package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Skipped   int64 `json:"skipped"`
}

var (
	// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
	ErrPoolShutdown = errors.New("worker pool is shut down")
	// ErrInFlight is returned when work for the same key is still running.
	ErrInFlight = errors.New("work for key already in flight")
)

// WorkerPool runs keyed work with bounded concurrency. At most one task per
// key runs at a time.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool

	inflight map[string]struct{}
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:      make(chan struct{}, size),
		done:     make(chan struct{}),
		inflight: make(map[string]struct{}),
	}
}

// Submit runs fn for key in the background. It blocks while the pool is at
// capacity and respects ctx while waiting. It returns ErrInFlight when key
// is already running and ErrPoolShutdown after Shutdown.
func (p *WorkerPool) Submit(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if !p.tryAcquire(key) {
		atomic.AddInt64(&p.metrics.Skipped, 1)
		return ErrInFlight
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.release(key)
		return ctx.Err()
	case <-p.done:
		p.release(key)
		return ErrPoolShutdown
	}

	// wg.Add must happen under mu so it cannot race Shutdown's wg.Wait.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		p.release(key)
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.release(key)
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()
	return nil
}

// InFlight reports whether work for key is running or waiting for a slot.
func (p *WorkerPool) InFlight(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[key]
	return ok
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits for running work to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
		Skipped:   atomic.LoadInt64(&p.metrics.Skipped),
	}
}

func (p *WorkerPool) tryAcquire(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[key]; ok {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

func (p *WorkerPool) release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, key)
}
