package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/registry"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// --- Test helpers ---

func okProcessor(out map[string]any) registry.Processor {
	return func(context.Context, map[string]any) (map[string]any, error) {
		return out, nil
	}
}

func failingProcessor(msg string) registry.Processor {
	return func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New(msg)
	}
}

func okFallback(out map[string]any) registry.Fallback {
	return func(context.Context) (map[string]any, error) { return out, nil }
}

func failingFallback(msg string) registry.Fallback {
	return func(context.Context) (map[string]any, error) { return nil, errors.New(msg) }
}

func acceptAll(map[string]any) bool { return true }

// simpleConfig builds a config where every step returns {ok:true}, validates
// and falls back to {fallback:true}.
func simpleConfig(steps ...string) registry.WorkflowConfig {
	cfg := registry.WorkflowConfig{
		Steps:      steps,
		Validators: map[string]registry.Validator{},
		Processors: map[string]registry.Processor{},
		Fallbacks:  map[string]registry.Fallback{},
	}
	for _, s := range steps {
		cfg.Validators[s] = acceptAll
		cfg.Processors[s] = okProcessor(map[string]any{"ok": true})
		cfg.Fallbacks[s] = okFallback(map[string]any{"fallback": true})
	}
	return cfg
}

func newTestExecutor(t *testing.T, cfg registry.WorkflowConfig, engineCfg Config) (*Executor, *store.MemoryStore) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register("wf", cfg))
	s := store.NewMemoryStore()
	return NewExecutor(reg, s, engineCfg, logging.Discard()), s
}

func create(t *testing.T, ex *Executor) *schema.WorkflowExecution {
	t.Helper()
	exec, err := ex.Create(context.Background(), "owner-1", "wf", map[string]any{"prompt": "chair"}, nil)
	require.NoError(t, err)
	return exec
}

// --- Create / Get ---

func TestCreate_PositionsOnFirstStep(t *testing.T) {
	ex, _ := newTestExecutor(t, simpleConfig("a", "b"), Config{})
	exec, err := ex.Create(context.Background(), "owner-1", "wf", map[string]any{"prompt": "chair"}, map[string]any{"channel": "web"})
	require.NoError(t, err)

	assert.Equal(t, "a", exec.Current())
	assert.Equal(t, schema.WorkflowStatusActive, exec.Status)
	assert.Equal(t, int64(0), exec.Version)
	require.Len(t, exec.StepHistory, 1)
	assert.Equal(t, schema.StepRecord{StepName: "a", Status: schema.StepStatusPending}, exec.StepHistory[0])
	assert.Equal(t, "web", exec.Metadata["channel"])

	got, err := ex.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ID)
}

func TestCreate_UnknownWorkflowType(t *testing.T) {
	ex, _ := newTestExecutor(t, simpleConfig("a"), Config{})
	_, err := ex.Create(context.Background(), "o", "nope", nil, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnknownWorkflowType))
}

func TestGet_NotFound(t *testing.T) {
	ex, _ := newTestExecutor(t, simpleConfig("a"), Config{})
	_, err := ex.Get(context.Background(), "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

// --- Advance: happy paths ---

func TestAdvance_TwoStepScenario(t *testing.T) {
	ex, _ := newTestExecutor(t, simpleConfig("a", "b"), Config{})
	ctx := context.Background()
	exec := create(t, ex)
	assert.Equal(t, "a", exec.Current())

	first, err := ex.Advance(ctx, exec.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", first.Current())
	assert.Equal(t, schema.WorkflowStatusActive, first.Status)
	require.Len(t, first.StepHistory, 2)
	assert.Equal(t, "a", first.StepHistory[0].StepName)
	assert.Equal(t, schema.StepStatusCompleted, first.StepHistory[0].Status)
	assert.Equal(t, map[string]any{"ok": true}, first.StepHistory[0].OutputData)
	assert.NotNil(t, first.StepHistory[0].StartedAt)
	assert.NotNil(t, first.StepHistory[0].CompletedAt)
	assert.Equal(t, "b", first.StepHistory[1].StepName)
	assert.Equal(t, schema.StepStatusPending, first.StepHistory[1].Status)

	second, err := ex.Advance(ctx, exec.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, second.Status)
	assert.Nil(t, second.CurrentStep)
	require.Len(t, second.StepHistory, 2)
	for _, rec := range second.StepHistory {
		assert.Equal(t, schema.StepStatusCompleted, rec.Status)
	}
	assert.Equal(t, int64(2), second.Version)
}

func TestAdvance_NStepsCompleteInNCalls(t *testing.T) {
	steps := []string{"s1", "s2", "s3", "s4", "s5"}
	ex, _ := newTestExecutor(t, simpleConfig(steps...), Config{})
	ctx := context.Background()
	exec := create(t, ex)

	var err error
	for i := range steps {
		assert.Equal(t, schema.WorkflowStatusActive, exec.Status, "before advance %d", i)
		assert.Equal(t, steps[i], exec.Current())
		exec, err = ex.Advance(ctx, exec.ID, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, schema.WorkflowStatusCompleted, exec.Status)
	require.Len(t, exec.StepHistory, len(steps))
	for i, rec := range exec.StepHistory {
		assert.Equal(t, steps[i], rec.StepName)
		assert.Equal(t, schema.StepStatusCompleted, rec.Status)
	}
}

func TestAdvance_ProcessorSeesInputAndPriorOutputs(t *testing.T) {
	cfg := simpleConfig("a", "b", "c")
	cfg.Processors["a"] = okProcessor(map[string]any{"design": "v1", "score": 1.0})
	cfg.Processors["b"] = okProcessor(map[string]any{"design": "v2"})

	var seen map[string]any
	cfg.Processors["c"] = func(_ context.Context, input map[string]any) (map[string]any, error) {
		seen = input
		input["mutated"] = true
		return map[string]any{"done": true}, nil
	}
	ex, _ := newTestExecutor(t, cfg, Config{})
	ctx := context.Background()
	exec := create(t, ex)

	for range cfg.Steps {
		var err error
		exec, err = ex.Advance(ctx, exec.ID, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, "chair", seen["prompt"])
	assert.Equal(t, "v2", seen["design"], "later outputs win")
	assert.Equal(t, 1.0, seen["score"])
	assert.Nil(t, exec.InputData["mutated"], "processor input is a copy")
}

// --- Advance: recovery ---

func TestAdvance_ProcessorErrorUsesFallback(t *testing.T) {
	cfg := simpleConfig("a", "b")
	cfg.Processors["a"] = failingProcessor("generator down")
	cfg.Fallbacks["a"] = okFallback(map[string]any{"imageUrl": "fallback"})
	ex, s := newTestExecutor(t, cfg, Config{})
	ctx := context.Background()
	exec := create(t, ex)

	got, err := ex.Advance(ctx, exec.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Current())
	assert.Equal(t, schema.StepStatusCompleted, got.StepHistory[0].Status)
	assert.Equal(t, map[string]any{"imageUrl": "fallback"}, got.StepHistory[0].OutputData)
	assert.Empty(t, got.StepHistory[0].ErrorMessage)

	outs, err := s.ListStepOutputs(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, schema.SourceFallback, outs[0].Source)
}

func TestAdvance_ValidationFailureUsesFallback(t *testing.T) {
	cfg := simpleConfig("a", "b")
	cfg.Processors["a"] = okProcessor(map[string]any{"productionStatus": "in_progress"})
	cfg.Validators["a"] = func(out map[string]any) bool { return out["productionStatus"] == "completed" }
	cfg.Fallbacks["a"] = okFallback(map[string]any{"productionStatus": "completed", "productId": "fallback-prod"})
	ex, _ := newTestExecutor(t, cfg, Config{})

	got, err := ex.Advance(context.Background(), create(t, ex).ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback-prod", got.StepHistory[0].OutputData["productId"])
	assert.Equal(t, "b", got.Current())
}

func TestAdvance_FallbackOutputIsNotRevalidated(t *testing.T) {
	cfg := simpleConfig("a")
	cfg.Validators["a"] = func(map[string]any) bool { return false }
	cfg.Fallbacks["a"] = okFallback(map[string]any{"degraded": true})
	ex, _ := newTestExecutor(t, cfg, Config{})

	got, err := ex.Advance(context.Background(), create(t, ex).ID, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, got.Status)
	assert.Equal(t, map[string]any{"degraded": true}, got.StepHistory[0].OutputData)
}

func TestAdvance_FallbackExhaustedFailsWorkflow(t *testing.T) {
	cfg := simpleConfig("a", "b", "c")
	cfg.Processors["b"] = failingProcessor("quote engine down")
	cfg.Fallbacks["b"] = failingFallback("no cached quote")
	ex, s := newTestExecutor(t, cfg, Config{})
	ctx := context.Background()
	exec := create(t, ex)

	_, err := ex.Advance(ctx, exec.ID, nil)
	require.NoError(t, err)

	failed, err := ex.Advance(ctx, exec.ID, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeFallbackExhausted))
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, "b", engErr.Step)
	assert.Equal(t, exec.ID, engErr.ExecutionID)

	require.NotNil(t, failed, "failed execution is returned for inspection")
	assert.Equal(t, schema.WorkflowStatusFailed, failed.Status)
	assert.Equal(t, "b", failed.Current(), "current step is left on the failing step")
	require.Len(t, failed.StepHistory, 2, "no further steps appended")
	rec := failed.StepHistory[1]
	assert.Equal(t, schema.StepStatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "quote engine down")
	assert.NotNil(t, rec.CompletedAt)
	assert.Nil(t, rec.OutputData)

	stored, err := ex.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailed, stored.Status)

	outs, err := s.ListStepOutputs(ctx, exec.ID)
	require.NoError(t, err)
	assert.Len(t, outs, 1, "only the successful step is audited")
}

func TestAdvance_TimeoutUsesFallback(t *testing.T) {
	cfg := simpleConfig("a")
	cfg.Processors["a"] = func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	cfg.Fallbacks["a"] = okFallback(map[string]any{"late": false})
	ex, _ := newTestExecutor(t, cfg, Config{StepTimeout: 20 * time.Millisecond})

	start := time.Now()
	got, err := ex.Advance(context.Background(), create(t, ex).ID, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, map[string]any{"late": false}, got.StepHistory[0].OutputData)
}

func TestAdvance_HungProcessorDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	cfg := simpleConfig("a")
	cfg.Processors["a"] = func(context.Context, map[string]any) (map[string]any, error) {
		<-release // ignores its context
		return map[string]any{"late": true}, nil
	}
	cfg.Timeouts = map[string]time.Duration{"a": 20 * time.Millisecond}
	ex, _ := newTestExecutor(t, cfg, Config{StepTimeout: time.Hour})

	got, err := ex.Advance(context.Background(), create(t, ex).ID, nil)
	require.NoError(t, err)
	assert.Equal(t, true, got.StepHistory[0].OutputData["fallback"])
}

func TestAdvance_ProcessorPanicUsesFallback(t *testing.T) {
	cfg := simpleConfig("a")
	cfg.Processors["a"] = func(context.Context, map[string]any) (map[string]any, error) {
		panic("nil map write")
	}
	ex, _ := newTestExecutor(t, cfg, Config{})

	got, err := ex.Advance(context.Background(), create(t, ex).ID, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, got.Status)
	assert.Equal(t, true, got.StepHistory[0].OutputData["fallback"])
}

func TestAdvance_FallbackPanicExhausts(t *testing.T) {
	cfg := simpleConfig("a")
	cfg.Processors["a"] = failingProcessor("down")
	cfg.Fallbacks["a"] = func(context.Context) (map[string]any, error) { panic("boom") }
	ex, _ := newTestExecutor(t, cfg, Config{})

	got, err := ex.Advance(context.Background(), create(t, ex).ID, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeFallbackExhausted))
	require.NotNil(t, got)
	assert.Equal(t, schema.WorkflowStatusFailed, got.Status)
}

// --- Advance: external output ---

func TestAdvance_ExternalOutputAccepted(t *testing.T) {
	var called atomic.Bool
	cfg := simpleConfig("a", "b")
	cfg.Processors["a"] = func(context.Context, map[string]any) (map[string]any, error) {
		called.Store(true)
		return map[string]any{}, nil
	}
	ex, s := newTestExecutor(t, cfg, Config{})
	ctx := context.Background()
	exec := create(t, ex)

	got, err := ex.Advance(ctx, exec.ID, map[string]any{"trackingId": "TRK-1"})
	require.NoError(t, err)
	assert.False(t, called.Load(), "processor not invoked for external output")
	assert.Equal(t, "TRK-1", got.StepHistory[0].OutputData["trackingId"])

	outs, err := s.ListStepOutputs(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, schema.SourceExternal, outs[0].Source)
}

func TestAdvance_ExternalOutputRejectedUsesFallback(t *testing.T) {
	cfg := simpleConfig("a", "b")
	cfg.Validators["a"] = func(out map[string]any) bool { return out["trackingId"] != nil }
	ex, _ := newTestExecutor(t, cfg, Config{})

	got, err := ex.Advance(context.Background(), create(t, ex).ID, map[string]any{"status": "lost"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"fallback": true}, got.StepHistory[0].OutputData)
}

// --- Advance: terminal and errors ---

func TestAdvance_TerminalExecutions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(cfg *registry.WorkflowConfig)
	}{
		{"completed", func(*registry.WorkflowConfig) {}},
		{"failed", func(cfg *registry.WorkflowConfig) {
			cfg.Processors["a"] = failingProcessor("x")
			cfg.Fallbacks["a"] = failingFallback("y")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := simpleConfig("a")
			tt.setup(&cfg)
			ex, _ := newTestExecutor(t, cfg, Config{})
			ctx := context.Background()
			exec := create(t, ex)

			terminal, _ := ex.Advance(ctx, exec.ID, nil)
			require.NotNil(t, terminal)
			require.True(t, terminal.Status.IsTerminal())

			for i := 0; i < 2; i++ {
				got, err := ex.Advance(ctx, exec.ID, nil)
				assert.Nil(t, got)
				assert.True(t, schema.IsCode(err, schema.ErrCodeAlreadyTerminal))
			}
			stored, err := ex.Get(ctx, exec.ID)
			require.NoError(t, err)
			assert.Equal(t, terminal.Version, stored.Version)
		})
	}
}

func TestAdvance_NotFound(t *testing.T) {
	ex, _ := newTestExecutor(t, simpleConfig("a"), Config{})
	_, err := ex.Advance(context.Background(), "missing", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestAdvance_CancelledContextWritesNothing(t *testing.T) {
	cfg := simpleConfig("a")
	started := make(chan struct{})
	cfg.Processors["a"] = func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ex, _ := newTestExecutor(t, cfg, Config{})
	exec := create(t, ex)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := ex.Advance(ctx, exec.ID, nil)
	require.ErrorIs(t, err, context.Canceled)

	stored, err := ex.Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.Version)
	assert.Equal(t, schema.StepStatusPending, stored.StepHistory[0].Status)
}

// --- Concurrency ---

func TestAdvance_ConcurrentCallsExactlyOneCommits(t *testing.T) {
	const callers = 2
	var (
		arrived sync.WaitGroup
		calls   atomic.Int32
	)
	arrived.Add(callers)
	release := make(chan struct{})

	cfg := simpleConfig("a", "b")
	cfg.Processors["a"] = func(context.Context, map[string]any) (map[string]any, error) {
		calls.Add(1)
		arrived.Done()
		<-release
		return map[string]any{"ok": true}, nil
	}
	ex, s := newTestExecutor(t, cfg, Config{})
	ctx := context.Background()
	exec := create(t, ex)

	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := ex.Advance(ctx, exec.ID, nil)
			results <- err
		}()
	}
	arrived.Wait() // both callers loaded version 0
	close(release)

	var ok, conflicts int
	for i := 0; i < callers; i++ {
		err := <-results
		switch {
		case err == nil:
			ok++
		case schema.IsCode(err, schema.ErrCodeConcurrentModification):
			conflicts++
			assert.True(t, schema.IsCode(errors.Unwrap(err), schema.ErrCodeVersionConflict))
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, int32(callers), calls.Load())

	stored, err := ex.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
	assert.Len(t, stored.StepHistory, 2)

	outs, err := s.ListStepOutputs(ctx, exec.ID)
	require.NoError(t, err)
	assert.Len(t, outs, 1, "losing advance leaves no audit row")
}

// --- Audit log ---

// flakyAuditStore fails every AppendStepOutput.
type flakyAuditStore struct {
	store.Store
}

func (flakyAuditStore) AppendStepOutput(context.Context, *schema.StepOutput) error {
	return errors.New("audit table locked")
}

func TestAdvance_AuditFailureIsNotFatal(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register("wf", simpleConfig("a", "b")))
	ex := NewExecutor(reg, flakyAuditStore{Store: store.NewMemoryStore()}, Config{}, logging.Discard())
	exec := create(t, ex)

	got, err := ex.Advance(context.Background(), exec.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Current())
}

func TestOutputs(t *testing.T) {
	cfg := simpleConfig("a", "b")
	cfg.Processors["b"] = failingProcessor("x")
	ex, _ := newTestExecutor(t, cfg, Config{})
	ctx := context.Background()
	exec := create(t, ex)

	_, err := ex.Advance(ctx, exec.ID, nil)
	require.NoError(t, err)
	_, err = ex.Advance(ctx, exec.ID, nil)
	require.NoError(t, err)

	outs, err := ex.Outputs(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, "a", outs[0].StepName)
	assert.Equal(t, schema.SourceProcessor, outs[0].Source)
	assert.Equal(t, "b", outs[1].StepName)
	assert.Equal(t, schema.SourceFallback, outs[1].Source)

	_, err = ex.Outputs(ctx, "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestList(t *testing.T) {
	ex, _ := newTestExecutor(t, simpleConfig("a"), Config{})
	ctx := context.Background()
	e1 := create(t, ex)
	create(t, ex)
	_, err := ex.Advance(ctx, e1.ID, nil)
	require.NoError(t, err)

	completed := schema.WorkflowStatusCompleted
	got, err := ex.List(ctx, store.ExecutionFilter{Status: &completed})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e1.ID, got[0].ID)
}

// --- Circuit breaker ---

func TestAdvance_OpenCircuitSkipsProcessor(t *testing.T) {
	var calls atomic.Int32
	cfg := simpleConfig("a")
	cfg.Processors["a"] = func(context.Context, map[string]any) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("upstream 503")
	}
	ex, _ := newTestExecutor(t, cfg, Config{
		CircuitBreaker: &CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour},
	})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		got, err := ex.Advance(ctx, create(t, ex).ID, nil)
		require.NoError(t, err)
		assert.Equal(t, true, got.StepHistory[0].OutputData["fallback"])
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, CircuitOpen, ex.Breakers().GetState(BreakerKey("wf", "a")))
}

func TestExecutor_BreakersDisabledByDefault(t *testing.T) {
	ex, _ := newTestExecutor(t, simpleConfig("a"), Config{})
	assert.Nil(t, ex.Breakers())
	assert.Equal(t, []string{"wf"}, ex.Registry().Types())
}
