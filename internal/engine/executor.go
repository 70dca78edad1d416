package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/registry"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// Config holds executor configuration. Zero values take defaults.
type Config struct {
	// StepTimeout bounds each processor and fallback call unless the workflow
	// config overrides it for a step.
	StepTimeout time.Duration
	// CircuitBreaker enables per-step circuit breaking when non-nil.
	CircuitBreaker *CircuitBreakerConfig
}

// Executor drives workflow executions one step at a time. It holds no
// per-execution state; all coordination goes through the store's
// conditional update.
type Executor struct {
	registry *registry.Registry
	store    store.Store
	runner   *StepRunner
	breakers *CircuitBreakerRegistry
	logger   *slog.Logger
}

// NewExecutor creates an Executor over a populated registry and a store.
func NewExecutor(reg *registry.Registry, s store.Store, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = logging.Default()
	}
	var breakers *CircuitBreakerRegistry
	if cfg.CircuitBreaker != nil {
		breakers = NewCircuitBreakerRegistry(*cfg.CircuitBreaker)
	}
	return &Executor{
		registry: reg,
		store:    s,
		runner:   NewStepRunner(cfg.StepTimeout, breakers, logger),
		breakers: breakers,
		logger:   logger,
	}
}

// Registry returns the workflow registry the executor resolves types against.
func (e *Executor) Registry() *registry.Registry { return e.registry }

// Types lists the registered workflow types.
func (e *Executor) Types() []string { return e.registry.Types() }

// Breakers returns the circuit breaker registry, or nil when disabled.
func (e *Executor) Breakers() *CircuitBreakerRegistry { return e.breakers }

// Create starts a new execution of workflowType positioned on its first step.
func (e *Executor) Create(ctx context.Context, ownerID, workflowType string, input, metadata map[string]any) (*schema.WorkflowExecution, error) {
	cfg, err := e.registry.Resolve(workflowType)
	if err != nil {
		return nil, err
	}
	first := cfg.Steps[0]
	exec, err := e.store.Create(ctx, &schema.WorkflowExecution{
		OwnerID:      ownerID,
		WorkflowType: workflowType,
		CurrentStep:  &first,
		Status:       schema.WorkflowStatusActive,
		InputData:    input,
		StepHistory:  []schema.StepRecord{{StepName: first, Status: schema.StepStatusPending}},
		Metadata:     metadata,
	})
	if err != nil {
		return nil, err
	}

	ctx = logging.WithIDs(ctx, exec.ID, first, ownerID)
	e.logger.InfoContext(ctx, "workflow created", "workflow_type", workflowType)
	return exec, nil
}

// Get returns the execution or a NOT_FOUND error.
func (e *Executor) Get(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	return e.store.Get(ctx, id)
}

// List returns executions matching filter.
func (e *Executor) List(ctx context.Context, filter store.ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// Outputs returns the step output audit log of an execution.
func (e *Executor) Outputs(ctx context.Context, id string) ([]*schema.StepOutput, error) {
	if _, err := e.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.store.ListStepOutputs(ctx, id)
}

// Advance drives exactly one step transition of execution id.
//
// With external == nil the current step's processor runs against the input
// data merged with prior outputs; otherwise external is taken as the step's
// result. Output rejected by the validator, and processor errors, go to the
// step fallback. When the fallback fails too the execution is marked failed
// and Advance returns the failed execution together with a
// FALLBACK_EXHAUSTED error.
//
// A lost race with another writer returns CONCURRENT_MODIFICATION; no retry
// is attempted.
func (e *Executor) Advance(ctx context.Context, id string, external map[string]any) (*schema.WorkflowExecution, error) {
	exec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, exec.ID, exec.Current(), exec.OwnerID)

	if exec.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeAlreadyTerminal,
			"execution is %s", exec.Status).
			WithExecution(exec.ID).
			WithDetails(map[string]any{"status": string(exec.Status)})
	}

	cfg, err := e.registry.Resolve(exec.WorkflowType)
	if err != nil {
		return nil, err
	}
	step := exec.Current()
	if cfg.Index(step) < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"current step is not part of workflow type %q", exec.WorkflowType).
			WithExecution(exec.ID).
			WithStep(step)
	}

	startedAt := time.Now().UTC()
	outcome, err := e.runStep(ctx, exec, cfg, step, external)
	if err != nil {
		return nil, err
	}
	if !outcome.OK() {
		e.logger.WarnContext(ctx, "step failed, running fallback",
			"outcome", outcome.Kind.String(), "error", errorMessage(outcome.Err))
		outcome = e.runner.Recover(ctx, cfg, step, outcome)
	}
	if err := ctx.Err(); err != nil {
		// The caller gave up; nothing has been written.
		return nil, err
	}

	if outcome.Kind == OutcomeFallbackExhausted {
		return e.fail(ctx, exec, step, startedAt, outcome)
	}
	if outcome.Source == schema.SourceFallback {
		e.logger.WarnContext(ctx, "fallback output used")
	}

	next, hasNext := cfg.Next(step)
	updated, err := e.store.ConditionalUpdate(ctx, exec.ID, exec.Version, func(w *schema.WorkflowExecution) error {
		rec, err := currentRecord(w, step)
		if err != nil {
			return err
		}
		if err := checkStepTransition(w.ID, step, rec.Status, schema.StepStatusCompleted); err != nil {
			return err
		}
		completedAt := time.Now().UTC()
		rec.Status = schema.StepStatusCompleted
		rec.StartedAt = &startedAt
		rec.CompletedAt = &completedAt
		rec.OutputData = schema.CloneMap(outcome.Output)
		rec.ErrorMessage = ""

		to := schema.WorkflowStatusActive
		if !hasNext {
			to = schema.WorkflowStatusCompleted
		}
		if err := checkWorkflowTransition(w.ID, w.Status, to); err != nil {
			return err
		}
		w.Status = to
		if hasNext {
			w.StepHistory = append(w.StepHistory, schema.StepRecord{StepName: next, Status: schema.StepStatusPending})
			w.CurrentStep = &next
		} else {
			w.CurrentStep = nil
		}
		return nil
	})
	if err != nil {
		return nil, e.mapUpdateError(ctx, exec, err)
	}

	e.appendOutput(ctx, exec.ID, step, outcome)
	if hasNext {
		e.logger.InfoContext(ctx, "step completed", "source", string(outcome.Source), "next_step", next, "version", updated.Version)
	} else {
		e.logger.InfoContext(ctx, "workflow completed", "source", string(outcome.Source), "version", updated.Version)
	}
	return updated, nil
}

// runStep produces the classified outcome for step, either from external or
// by invoking the processor.
func (e *Executor) runStep(ctx context.Context, exec *schema.WorkflowExecution, cfg *registry.WorkflowConfig, step string, external map[string]any) (StepOutcome, error) {
	if external != nil {
		return e.runner.Classify(cfg, step, schema.CloneMap(external), schema.SourceExternal), nil
	}
	input, err := buildStepContext(exec)
	if err != nil {
		return StepOutcome{}, schema.NewError(schema.ErrCodeInvalidInput, err.Error()).
			WithExecution(exec.ID).
			WithStep(step).
			WithCause(err)
	}
	return e.runner.Run(ctx, exec.WorkflowType, cfg, step, input), nil
}

// fail persists the failed status after an unrecoverable step and returns the
// failed execution along with the FALLBACK_EXHAUSTED error.
func (e *Executor) fail(ctx context.Context, exec *schema.WorkflowExecution, step string, startedAt time.Time, outcome StepOutcome) (*schema.WorkflowExecution, error) {
	var exhausted *schema.EngineError
	if !asEngine(outcome.Err, &exhausted) {
		exhausted = schema.NewError(schema.ErrCodeFallbackExhausted, errorMessage(outcome.Err)).WithStep(step)
	}
	exhausted.WithExecution(exec.ID)

	origin := exhausted.Message
	if cause, ok := exhausted.Details["cause"].(string); ok && cause != "" {
		origin = cause
	}

	updated, err := e.store.ConditionalUpdate(ctx, exec.ID, exec.Version, func(w *schema.WorkflowExecution) error {
		rec, err := currentRecord(w, step)
		if err != nil {
			return err
		}
		if err := checkStepTransition(w.ID, step, rec.Status, schema.StepStatusFailed); err != nil {
			return err
		}
		if err := checkWorkflowTransition(w.ID, w.Status, schema.WorkflowStatusFailed); err != nil {
			return err
		}
		completedAt := time.Now().UTC()
		rec.Status = schema.StepStatusFailed
		rec.StartedAt = &startedAt
		rec.CompletedAt = &completedAt
		rec.ErrorMessage = origin
		w.Status = schema.WorkflowStatusFailed
		return nil
	})
	if err != nil {
		return nil, e.mapUpdateError(ctx, exec, err)
	}

	e.logger.ErrorContext(ctx, "workflow failed", "error", exhausted.Error(), "version", updated.Version)
	return updated, exhausted
}

// appendOutput writes the audit row. Failures are logged and never returned.
func (e *Executor) appendOutput(ctx context.Context, executionID, step string, outcome StepOutcome) {
	err := e.store.AppendStepOutput(ctx, &schema.StepOutput{
		ExecutionID:      executionID,
		StepName:         step,
		OutputData:       outcome.Output,
		Source:           outcome.Source,
		ProcessingTimeMs: outcome.Duration.Milliseconds(),
	})
	if err != nil {
		e.logger.WarnContext(ctx, "append step output failed", "error", err)
	}
}

func (e *Executor) mapUpdateError(ctx context.Context, exec *schema.WorkflowExecution, err error) error {
	if !schema.IsCode(err, schema.ErrCodeVersionConflict) {
		return err
	}
	e.logger.InfoContext(ctx, "advance lost version race", "expected_version", exec.Version)
	return schema.NewError(schema.ErrCodeConcurrentModification,
		"execution was modified concurrently, re-fetch before retrying").
		WithExecution(exec.ID).
		WithStep(exec.Current()).
		WithCause(err).
		WithDetails(map[string]any{"expected_version": exec.Version})
}

// currentRecord returns the last history record, which must belong to step.
func currentRecord(w *schema.WorkflowExecution, step string) (*schema.StepRecord, error) {
	if n := len(w.StepHistory); n > 0 && w.StepHistory[n-1].StepName == step {
		return &w.StepHistory[n-1], nil
	}
	return nil, schema.NewError(schema.ErrCodeInvalidTransition, "step history does not end with the current step").
		WithExecution(w.ID).
		WithStep(step)
}
