package store

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/rendis/stepwise/pkg/schema"
)

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id).WithExecution(id)
}

func versionConflict(id string, expected, actual int64) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeVersionConflict,
		"execution %q: expected version %d, found %d", id, expected, actual).
		WithExecution(id).
		WithDetails(map[string]any{"expected_version": expected, "actual_version": actual})
}

func storeError(op string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// prepareCreate fills the store-assigned fields of a new execution and
// returns the copy to persist.
func prepareCreate(exec *schema.WorkflowExecution) (*schema.WorkflowExecution, error) {
	if exec == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "execution is nil")
	}
	cp := exec.Clone()
	cp.ID = uuid.New().String()
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.Version = 0
	if cp.StepHistory == nil {
		cp.StepHistory = []schema.StepRecord{}
	}
	return cp, nil
}

// applyMutator runs mutate on a copy of current and stamps the fields the
// store owns. Identity fields are restored so a mutator cannot rewrite them.
func applyMutator(current *schema.WorkflowExecution, mutate Mutator) (*schema.WorkflowExecution, error) {
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.OwnerID = current.OwnerID
	next.WorkflowType = current.WorkflowType
	next.InputData = current.Clone().InputData
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()
	if !next.UpdatedAt.After(current.UpdatedAt) {
		next.UpdatedAt = current.UpdatedAt.Add(time.Microsecond)
	}
	return next, nil
}

func prepareOutput(out *schema.StepOutput) (*schema.StepOutput, error) {
	if out == nil || out.ExecutionID == "" || out.StepName == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidInput, "step output requires execution_id and step_name")
	}
	cp := *out
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	cp.CreatedAt = timeOrNow(cp.CreatedAt)
	cp.OutputData = schema.CloneMap(out.OutputData)
	return &cp, nil
}

func marshalMapOrDefault(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func marshalHistory(h []schema.StepRecord) ([]byte, error) {
	if h == nil {
		h = []schema.StepRecord{}
	}
	return json.Marshal(h)
}

func unmarshalHistory(data []byte) ([]schema.StepRecord, error) {
	h := []schema.StepRecord{}
	if len(data) == 0 {
		return h, nil
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return h, nil
}

func nullStep(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
