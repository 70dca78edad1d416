package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/pkg/schema"
)

// runStoreContract exercises the behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.Create(ctx, newExecution("owner-1", "wf"))
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, int64(0), created.Version)
		assert.False(t, created.CreatedAt.IsZero())

		got, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, "owner-1", got.OwnerID)
		assert.Equal(t, "wf", got.WorkflowType)
		assert.Equal(t, schema.WorkflowStatusActive, got.Status)
		assert.Equal(t, "a", got.Current())
		assert.Equal(t, "hello", got.InputData["prompt"])
		assert.Equal(t, "web", got.Metadata["channel"])
		assert.Empty(t, got.StepHistory)
		assert.Equal(t, int64(0), got.Version)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})

	t.Run("ConditionalUpdateAppliesAndIncrements", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created, err := s.Create(ctx, newExecution("o", "wf"))
		require.NoError(t, err)

		updated, err := s.ConditionalUpdate(ctx, created.ID, 0, completeStep("a", "b"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), updated.Version)
		assert.Equal(t, "b", updated.Current())
		assert.True(t, updated.UpdatedAt.After(created.UpdatedAt))

		got, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		require.Len(t, got.StepHistory, 2)
		assert.Equal(t, schema.StepStatusCompleted, got.StepHistory[0].Status)
		assert.Equal(t, true, got.StepHistory[0].OutputData["ok"])
		assert.Equal(t, schema.StepStatusPending, got.StepHistory[1].Status)
	})

	t.Run("ConditionalUpdateStaleVersion", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created, err := s.Create(ctx, newExecution("o", "wf"))
		require.NoError(t, err)
		_, err = s.ConditionalUpdate(ctx, created.ID, 0, completeStep("a", "b"))
		require.NoError(t, err)

		_, err = s.ConditionalUpdate(ctx, created.ID, 0, completeStep("b", "c"))
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeVersionConflict))

		got, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, "b", got.Current())
	})

	t.Run("ConditionalUpdateNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.ConditionalUpdate(context.Background(), "missing", 0, completeStep("a", "b"))
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})

	t.Run("MutatorErrorLeavesRowUntouched", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created, err := s.Create(ctx, newExecution("o", "wf"))
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = s.ConditionalUpdate(ctx, created.ID, 0, func(exec *schema.WorkflowExecution) error {
			exec.Status = schema.WorkflowStatusFailed
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.Version)
		assert.Equal(t, schema.WorkflowStatusActive, got.Status)
	})

	t.Run("MutatorCannotRewriteIdentity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created, err := s.Create(ctx, newExecution("o", "wf"))
		require.NoError(t, err)

		updated, err := s.ConditionalUpdate(ctx, created.ID, 0, func(exec *schema.WorkflowExecution) error {
			exec.OwnerID = "intruder"
			exec.WorkflowType = "other"
			exec.Version = 99
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "o", updated.OwnerID)
		assert.Equal(t, "wf", updated.WorkflowType)
		assert.Equal(t, int64(1), updated.Version)
	})

	t.Run("ConcurrentUpdatesExactlyOneWins", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created, err := s.Create(ctx, newExecution("o", "wf"))
		require.NoError(t, err)

		const writers = 8
		var (
			wg        sync.WaitGroup
			wins      atomic.Int32
			conflicts atomic.Int32
		)
		start := make(chan struct{})
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := s.ConditionalUpdate(ctx, created.ID, 0, completeStep("a", "b"))
				switch {
				case err == nil:
					wins.Add(1)
				case schema.IsCode(err, schema.ErrCodeVersionConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(writers-1), conflicts.Load())

		got, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Len(t, got.StepHistory, 2)
	})

	t.Run("ReturnedValuesAreCopies", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created, err := s.Create(ctx, newExecution("o", "wf"))
		require.NoError(t, err)

		got, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		got.InputData["prompt"] = "changed"
		got.Status = schema.WorkflowStatusFailed

		again, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "hello", again.InputData["prompt"])
		assert.Equal(t, schema.WorkflowStatusActive, again.Status)
	})

	t.Run("StepOutputsAppendOnly", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created, err := s.Create(ctx, newExecution("o", "wf"))
		require.NoError(t, err)

		first := &schema.StepOutput{
			ExecutionID: created.ID, StepName: "a",
			OutputData: map[string]any{"n": 1.0}, Source: schema.SourceProcessor, ProcessingTimeMs: 12,
		}
		require.NoError(t, s.AppendStepOutput(ctx, first))
		assert.NotEmpty(t, first.ID)

		require.NoError(t, s.AppendStepOutput(ctx, &schema.StepOutput{
			ExecutionID: created.ID, StepName: "b",
			OutputData: map[string]any{"fallback": true}, Source: schema.SourceFallback,
		}))

		outs, err := s.ListStepOutputs(ctx, created.ID)
		require.NoError(t, err)
		require.Len(t, outs, 2)
		assert.Equal(t, "a", outs[0].StepName)
		assert.Equal(t, schema.SourceProcessor, outs[0].Source)
		assert.Equal(t, int64(12), outs[0].ProcessingTimeMs)
		assert.EqualValues(t, 1, outs[0].OutputData["n"])
		assert.Equal(t, "b", outs[1].StepName)
		assert.Equal(t, schema.SourceFallback, outs[1].Source)

		none, err := s.ListStepOutputs(ctx, "other")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("AppendStepOutputRequiresIdentifiers", func(t *testing.T) {
		s := newStore(t)
		err := s.AppendStepOutput(context.Background(), &schema.StepOutput{StepName: "a"})
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidInput))
	})

	t.Run("ListExecutionsFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		e1, err := s.Create(ctx, newExecution("alice", "wf"))
		require.NoError(t, err)
		e2, err := s.Create(ctx, newExecution("bob", "wf"))
		require.NoError(t, err)
		_, err = s.Create(ctx, newExecution("alice", "other"))
		require.NoError(t, err)

		_, err = s.ConditionalUpdate(ctx, e2.ID, 0, func(exec *schema.WorkflowExecution) error {
			exec.Status = schema.WorkflowStatusFailed
			return nil
		})
		require.NoError(t, err)

		all, err := s.ListExecutions(ctx, ExecutionFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)
		assert.Equal(t, e2.ID, all[0].ID, "most recently updated first")

		byOwner, err := s.ListExecutions(ctx, ExecutionFilter{OwnerID: "alice"})
		require.NoError(t, err)
		assert.Len(t, byOwner, 2)

		active := schema.WorkflowStatusActive
		activeWF, err := s.ListExecutions(ctx, ExecutionFilter{Status: &active, WorkflowTypes: []string{"wf"}})
		require.NoError(t, err)
		require.Len(t, activeWF, 1)
		assert.Equal(t, e1.ID, activeWF[0].ID)

		limited, err := s.ListExecutions(ctx, ExecutionFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		offset, err := s.ListExecutions(ctx, ExecutionFilter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, offset, 1)

		future := time.Now().Add(time.Hour)
		before, err := s.ListExecutions(ctx, ExecutionFilter{UpdatedBefore: &future})
		require.NoError(t, err)
		assert.Len(t, before, 3)

		past := time.Now().Add(-time.Hour)
		none, err := s.ListExecutions(ctx, ExecutionFilter{UpdatedBefore: &past})
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func newExecution(owner, workflowType string) *schema.WorkflowExecution {
	step := "a"
	return &schema.WorkflowExecution{
		OwnerID:      owner,
		WorkflowType: workflowType,
		CurrentStep:  &step,
		Status:       schema.WorkflowStatusActive,
		InputData:    map[string]any{"prompt": "hello"},
		StepHistory:  []schema.StepRecord{{StepName: "a", Status: schema.StepStatusPending}},
		Metadata:     map[string]any{"channel": "web"},
	}
}

// completeStep marks from completed and appends a pending record for to.
func completeStep(from, to string) Mutator {
	return func(exec *schema.WorkflowExecution) error {
		now := time.Now().UTC()
		last := &exec.StepHistory[len(exec.StepHistory)-1]
		last.Status = schema.StepStatusCompleted
		last.StartedAt = &now
		last.CompletedAt = &now
		last.OutputData = map[string]any{"ok": true, "step": from}
		exec.StepHistory = append(exec.StepHistory, schema.StepRecord{StepName: to, Status: schema.StepStatusPending})
		exec.CurrentStep = &to
		return nil
	}
}
