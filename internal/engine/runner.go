package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/registry"
	"github.com/rendis/stepwise/pkg/schema"
)

// DefaultStepTimeout bounds a processor or fallback call when neither the
// engine config nor the workflow config set one.
const DefaultStepTimeout = 30 * time.Second

// OutcomeKind classifies the result of running or recovering a step.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeValidationFailed
	OutcomeProcessorError
	OutcomeFallbackExhausted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeValidationFailed:
		return "validation_failed"
	case OutcomeProcessorError:
		return "processor_error"
	case OutcomeFallbackExhausted:
		return "fallback_exhausted"
	default:
		return "unknown"
	}
}

// StepOutcome is what the runner and recovery report for one step.
type StepOutcome struct {
	Kind   OutcomeKind
	Output map[string]any
	Source schema.OutputSource
	// Err is set for every kind except OutcomeSuccess.
	Err      error
	Duration time.Duration
}

// OK reports whether the outcome carries an output the executor may commit.
func (o StepOutcome) OK() bool { return o.Kind == OutcomeSuccess }

// StepRunner invokes processors under a timeout and classifies the result.
// It holds no per-execution state and is safe for concurrent use.
type StepRunner struct {
	timeout  time.Duration
	breakers *CircuitBreakerRegistry
	logger   *slog.Logger
}

// NewStepRunner creates a runner. breakers may be nil to disable circuit breaking.
func NewStepRunner(timeout time.Duration, breakers *CircuitBreakerRegistry, logger *slog.Logger) *StepRunner {
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &StepRunner{timeout: timeout, breakers: breakers, logger: logger}
}

// Run invokes the step's processor with input and validates its output.
func (r *StepRunner) Run(ctx context.Context, workflowType string, cfg *registry.WorkflowConfig, step string, input map[string]any) StepOutcome {
	start := time.Now()
	key := BreakerKey(workflowType, step)

	if r.breakers != nil {
		if err := r.breakers.AllowRequest(key); err != nil {
			var engErr *schema.EngineError
			if asEngine(err, &engErr) {
				engErr.WithStep(step)
			}
			return StepOutcome{Kind: OutcomeProcessorError, Source: schema.SourceProcessor, Err: err, Duration: time.Since(start)}
		}
	}

	processor := cfg.Processors[step]
	output, err := callBounded(ctx, cfg.Timeout(step, r.timeout), step, func(ctx context.Context) (map[string]any, error) {
		return processor(ctx, schema.CloneMap(input))
	})

	if r.breakers != nil {
		if err != nil {
			if r.breakers.RecordFailure(key) == CircuitOpen {
				r.logger.WarnContext(ctx, "processor circuit open", "processor", key)
			}
		} else {
			r.breakers.RecordSuccess(key)
		}
	}

	if err != nil {
		return StepOutcome{Kind: OutcomeProcessorError, Source: schema.SourceProcessor, Err: err, Duration: time.Since(start)}
	}
	out := r.Classify(cfg, step, output, schema.SourceProcessor)
	out.Duration = time.Since(start)
	return out
}

// Classify applies the step validator to an output produced elsewhere, such
// as an externally supplied result.
func (r *StepRunner) Classify(cfg *registry.WorkflowConfig, step string, output map[string]any, source schema.OutputSource) StepOutcome {
	ok, err := validate(cfg.Validators[step], output)
	if err != nil {
		return StepOutcome{
			Kind:   OutcomeValidationFailed,
			Output: output,
			Source: source,
			Err:    schema.NewErrorf(schema.ErrCodeValidationFailed, "validator panicked: %s", err.Error()).WithStep(step).WithCause(err),
		}
	}
	if !ok {
		return StepOutcome{
			Kind:   OutcomeValidationFailed,
			Output: output,
			Source: source,
			Err:    schema.NewErrorf(schema.ErrCodeValidationFailed, "%s output rejected by validator", source).WithStep(step),
		}
	}
	return StepOutcome{Kind: OutcomeSuccess, Output: output, Source: source}
}

func validate(v registry.Validator, output map[string]any) (ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			ok, err = false, fmt.Errorf("%v", rec)
		}
	}()
	return v(output), nil
}

type callResult struct {
	output map[string]any
	err    error
}

// callBounded runs fn in its own goroutine and stops waiting once timeout
// elapses or ctx is done. A fn that ignores its context keeps running in the
// background; its late result is dropped.
func callBounded(ctx context.Context, timeout time.Duration, step string, fn func(context.Context) (map[string]any, error)) (map[string]any, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- callResult{err: schema.NewErrorf(schema.ErrCodeProcessor, "panic: %v", rec).
					WithStep(step).
					WithDetails(map[string]any{"stack": string(debug.Stack())})}
			}
		}()
		out, err := fn(callCtx)
		done <- callResult{output: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if asEngine(res.err, new(*schema.EngineError)) {
				return nil, res.err
			}
			return nil, schema.NewError(schema.ErrCodeProcessor, res.err.Error()).WithStep(step).WithCause(res.err)
		}
		if res.output == nil {
			res.output = map[string]any{}
		}
		return res.output, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeProcessor, "cancelled").WithStep(step).WithCause(ctx.Err())
		}
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "exceeded %s timeout", timeout).
			WithStep(step).
			WithCause(callCtx.Err())
	}
}
