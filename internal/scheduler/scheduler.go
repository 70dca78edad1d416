// Package scheduler sweeps stale active executions on a cron schedule and
// advances each one step.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// Advancer is the part of the executor the sweeper drives.
type Advancer interface {
	List(ctx context.Context, filter store.ExecutionFilter) ([]*schema.WorkflowExecution, error)
	Advance(ctx context.Context, id string, external map[string]any) (*schema.WorkflowExecution, error)
}

// Config controls which executions a sweep picks up.
type Config struct {
	// Schedule is a 5-field cron expression or a descriptor such as "@every 1m".
	Schedule string
	// MinAge skips executions updated more recently than this.
	MinAge time.Duration
	// WorkflowTypes limits sweeping to these types. Empty sweeps nothing.
	WorkflowTypes []string
	// Limit caps the executions listed per sweep.
	Limit int
	// PoolSize bounds concurrent advances.
	PoolSize int
}

const (
	DefaultMinAge   = time.Minute
	DefaultLimit    = 100
	DefaultPoolSize = 10
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	Candidates int `json:"candidates"`
	Advanced   int `json:"advanced"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Sweeper periodically advances active executions that have not moved for
// MinAge.
type Sweeper struct {
	exec     Advancer
	cfg      Config
	schedule cron.Schedule
	pool     *WorkerPool
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper parses cfg.Schedule and creates a stopped Sweeper.
func NewSweeper(exec Advancer, cfg Config, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = DefaultMinAge
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "parse sweep schedule %q: %s", cfg.Schedule, err.Error()).WithCause(err)
	}
	return &Sweeper{
		exec:     exec,
		cfg:      cfg,
		schedule: schedule,
		pool:     NewWorkerPool(cfg.PoolSize),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Next returns the next sweep time after from.
func (s *Sweeper) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("sweeper started",
		slog.String("schedule", s.cfg.Schedule),
		slog.Any("workflow_types", s.cfg.WorkflowTypes),
		slog.Duration("min_age", s.cfg.MinAge),
	)
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	for {
		now := s.now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop cancels the loop and waits for in-flight advances.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.pool.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("sweeper stopped")
	return nil
}

// Sweep runs one pass: it lists stale active executions and advances each
// once, waiting for this pass's advances to finish. Executions already being
// advanced by an earlier pass are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	if len(s.cfg.WorkflowTypes) == 0 {
		return report, nil
	}

	active := schema.WorkflowStatusActive
	cutoff := s.now().Add(-s.cfg.MinAge)
	execs, err := s.exec.List(ctx, store.ExecutionFilter{
		Status:        &active,
		WorkflowTypes: s.cfg.WorkflowTypes,
		UpdatedBefore: &cutoff,
		Limit:         s.cfg.Limit,
	})
	if err != nil {
		return report, fmt.Errorf("list stale executions: %w", err)
	}
	report.Candidates = len(execs)

	var (
		wg                        sync.WaitGroup
		advanced, skipped, failed atomic.Int64
	)
	for _, exec := range execs {
		id, owner := exec.ID, exec.OwnerID
		wg.Add(1)
		err := s.pool.Submit(ctx, id, func(ctx context.Context) error {
			defer wg.Done()
			err := s.advance(logging.WithIDs(ctx, id, "", owner), id)
			switch {
			case err == nil:
				advanced.Add(1)
			case isBenign(err):
				skipped.Add(1)
				return nil
			default:
				failed.Add(1)
			}
			return err
		})
		if err != nil {
			wg.Done()
			if errors.Is(err, ErrInFlight) {
				skipped.Add(1)
				continue
			}
			wg.Wait()
			return s.fill(report, &advanced, &skipped, &failed), err
		}
	}
	wg.Wait()
	return s.fill(report, &advanced, &skipped, &failed), nil
}

func (s *Sweeper) fill(r SweepReport, advanced, skipped, failed *atomic.Int64) SweepReport {
	r.Advanced = int(advanced.Load())
	r.Skipped = int(skipped.Load())
	r.Failed = int(failed.Load())
	if r.Candidates > 0 {
		s.logger.Info("sweep finished",
			slog.Int("candidates", r.Candidates),
			slog.Int("advanced", r.Advanced),
			slog.Int("skipped", r.Skipped),
			slog.Int("failed", r.Failed),
		)
	}
	return r
}

func (s *Sweeper) advance(ctx context.Context, id string) error {
	log := logging.LogWith(ctx, s.logger)

	updated, err := s.exec.Advance(ctx, id, nil)
	switch code := schema.CodeOf(err); {
	case err == nil:
		log.Info("sweeper advanced execution",
			slog.String("status", string(updated.Status)),
			slog.String("next_step", updated.Current()),
		)
	case code == schema.ErrCodeConcurrentModification || code == schema.ErrCodeAlreadyTerminal:
		log.Info("sweeper skipped execution", slog.String("reason", code))
	case code == schema.ErrCodeFallbackExhausted:
		log.Error("execution failed during sweep", slog.String("error", err.Error()))
	default:
		log.Warn("sweeper could not advance execution", slog.String("error", err.Error()))
	}
	return err
}

// Metrics returns the sweeper's pool counters.
func (s *Sweeper) Metrics() PoolMetrics {
	return s.pool.Metrics()
}

func isBenign(err error) bool {
	code := schema.CodeOf(err)
	return code == schema.ErrCodeConcurrentModification || code == schema.ErrCodeAlreadyTerminal
}
