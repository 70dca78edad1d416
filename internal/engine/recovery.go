package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/stepwise/internal/registry"
	"github.com/rendis/stepwise/pkg/schema"
)

// Recover invokes the step's fallback strategy after cause (a validation
// failure or processor error). The fallback output is accepted as-is; it is
// not passed through the step validator.
func (r *StepRunner) Recover(ctx context.Context, cfg *registry.WorkflowConfig, step string, cause StepOutcome) StepOutcome {
	start := time.Now()
	fallback := cfg.Fallbacks[step]

	output, err := callBounded(ctx, cfg.Timeout(step, r.timeout), step, func(ctx context.Context) (map[string]any, error) {
		return fallback(ctx)
	})
	elapsed := cause.Duration + time.Since(start)

	if err != nil {
		exhausted := schema.NewError(schema.ErrCodeFallbackExhausted, "processor and fallback both failed").
			WithStep(step).
			WithCause(err).
			WithDetails(map[string]any{
				"cause":          errorMessage(cause.Err),
				"cause_kind":     cause.Kind.String(),
				"fallback_error": err.Error(),
			})
		return StepOutcome{Kind: OutcomeFallbackExhausted, Source: schema.SourceFallback, Err: exhausted, Duration: elapsed}
	}
	return StepOutcome{Kind: OutcomeSuccess, Output: output, Source: schema.SourceFallback, Duration: elapsed}
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func asEngine(err error, target **schema.EngineError) bool {
	return errors.As(err, target)
}
