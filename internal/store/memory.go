package store

import (
	"context"
	"sort"
	"sync"

	"github.com/rendis/stepwise/pkg/schema"
)

// MemoryStore is a process-local Store. Every value crossing its boundary is
// deep-copied, so callers never share state with the stored rows.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*schema.WorkflowExecution
	outputs    map[string][]*schema.StepOutput
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*schema.WorkflowExecution),
		outputs:    make(map[string][]*schema.StepOutput),
	}
}

func (s *MemoryStore) Create(_ context.Context, exec *schema.WorkflowExecution) (*schema.WorkflowExecution, error) {
	row, err := prepareCreate(exec)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.executions[row.ID] = row
	s.mu.Unlock()
	return row.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*schema.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return row.Clone(), nil
}

func (s *MemoryStore) ConditionalUpdate(_ context.Context, id string, expectedVersion int64, mutate Mutator) (*schema.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	if current.Version != expectedVersion {
		return nil, versionConflict(id, expectedVersion, current.Version)
	}
	next, err := applyMutator(current, mutate)
	if err != nil {
		return nil, err
	}
	s.executions[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	s.mu.RLock()
	var out []*schema.WorkflowExecution
	for _, row := range s.executions {
		if filter.Matches(row) {
			out = append(out, row.Clone())
		}
	}
	s.mu.RUnlock()
	sortExecutions(out)
	return page(out, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) AppendStepOutput(_ context.Context, out *schema.StepOutput) error {
	row, err := prepareOutput(out)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[row.ExecutionID]; !ok {
		return storeNotFound("execution", row.ExecutionID)
	}
	s.outputs[row.ExecutionID] = append(s.outputs[row.ExecutionID], row)
	out.ID = row.ID
	out.CreatedAt = row.CreatedAt
	return nil
}

func (s *MemoryStore) ListStepOutputs(_ context.Context, executionID string) ([]*schema.StepOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.outputs[executionID]
	out := make([]*schema.StepOutput, 0, len(rows))
	for _, r := range rows {
		cp := *r
		cp.OutputData = schema.CloneMap(r.OutputData)
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// sortExecutions orders by updated_at descending, then id.
func sortExecutions(rows []*schema.WorkflowExecution) {
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].UpdatedAt.Equal(rows[j].UpdatedAt) {
			return rows[i].UpdatedAt.After(rows[j].UpdatedAt)
		}
		return rows[i].ID < rows[j].ID
	})
}
