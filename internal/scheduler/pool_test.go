package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var ran int64
	err := pool.Submit(context.Background(), "a", func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	pool.Wait()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work did not execute")
	}
	if m := pool.Metrics(); m.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", m.Completed)
	}
	if pool.InFlight("a") {
		t.Error("key still in flight after completion")
	}
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	poolSize := 3
	pool := NewWorkerPool(poolSize)
	defer pool.Shutdown()

	var maxConcurrent, current int64
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), fmt.Sprintf("k%d", i), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxConcurrent {
				maxConcurrent = c
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}

	pool.Wait()

	if maxConcurrent > int64(poolSize) {
		t.Errorf("max concurrent %d exceeded pool size %d", maxConcurrent, poolSize)
	}
	if maxConcurrent == 0 {
		t.Error("no concurrent execution detected")
	}
}

func TestWorkerPool_SameKeyRejected(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})
	err := pool.Submit(context.Background(), "exec-1", func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-started

	err = pool.Submit(context.Background(), "exec-1", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrInFlight) {
		t.Errorf("expected ErrInFlight, got %v", err)
	}
	if err := pool.Submit(context.Background(), "exec-2", func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("other key rejected: %v", err)
	}

	close(block)
	pool.Wait()

	if m := pool.Metrics(); m.Skipped != 1 {
		t.Errorf("expected 1 skipped, got %d", m.Skipped)
	}
	if err := pool.Submit(context.Background(), "exec-1", func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("key not released: %v", err)
	}
	pool.Wait()
}

func TestWorkerPool_Backpressure(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})

	err := pool.Submit(context.Background(), "first", func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	<-started

	submitted := make(chan struct{})
	go func() {
		_ = pool.Submit(context.Background(), "second", func(ctx context.Context) error { return nil })
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Error("second submit should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)

	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Error("second submit did not unblock after first task completed")
	}
	pool.Wait()
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	err := pool.Submit(context.Background(), "boom", func(ctx context.Context) error {
		panic("test panic")
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	pool.Wait()

	m := pool.Metrics()
	if m.Panics != 1 || m.Failed != 1 {
		t.Errorf("expected 1 panic and 1 failure, got %+v", m)
	}
	if pool.InFlight("boom") {
		t.Error("key still in flight after panic")
	}
}

func TestWorkerPool_ContextCancellation(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	block := make(chan struct{})
	_ = pool.Submit(context.Background(), "busy", func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, "waiting", func(ctx context.Context) error { return nil })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("submit did not return after context cancellation")
	}
	if pool.InFlight("waiting") {
		t.Error("cancelled key still in flight")
	}

	close(block)
	pool.Wait()
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool(2)

	var finished int64
	for i := 0; i < 2; i++ {
		_ = pool.Submit(context.Background(), fmt.Sprintf("k%d", i), func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&finished, 1)
			return nil
		})
	}

	pool.Shutdown()
	if atomic.LoadInt64(&finished) != 2 {
		t.Errorf("shutdown returned before work finished: %d", finished)
	}

	err := pool.Submit(context.Background(), "late", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
	pool.Shutdown()
}
