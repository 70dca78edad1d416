package schema

import "time"

// WorkflowStatus represents the lifecycle state of a workflow execution.
type WorkflowStatus string

const (
	WorkflowStatusActive    WorkflowStatus = "active"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// StepStatus represents the lifecycle state of one step attempt.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// OutputSource records where a step's output came from.
type OutputSource string

const (
	SourceProcessor OutputSource = "processor"
	SourceFallback  OutputSource = "fallback"
	SourceExternal  OutputSource = "external"
)

// WorkflowExecution is one in-flight or terminal run of a workflow type.
type WorkflowExecution struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id"`
	WorkflowType string         `json:"workflow_type"`
	CurrentStep  *string        `json:"current_step"`
	Status       WorkflowStatus `json:"status"`
	InputData    map[string]any `json:"input_data,omitempty"`
	StepHistory  []StepRecord   `json:"step_history"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Version      int64          `json:"version"`
}

// Current returns the current step name, or "" once the execution has completed.
func (w *WorkflowExecution) Current() string {
	if w.CurrentStep == nil {
		return ""
	}
	return *w.CurrentStep
}

// Clone returns a deep copy so callers may mutate the result freely.
func (w *WorkflowExecution) Clone() *WorkflowExecution {
	if w == nil {
		return nil
	}
	cp := *w
	if w.CurrentStep != nil {
		s := *w.CurrentStep
		cp.CurrentStep = &s
	}
	cp.InputData = CloneMap(w.InputData)
	cp.Metadata = CloneMap(w.Metadata)
	if w.StepHistory != nil {
		cp.StepHistory = make([]StepRecord, len(w.StepHistory))
		for i := range w.StepHistory {
			cp.StepHistory[i] = w.StepHistory[i].Clone()
		}
	}
	return &cp
}

// StepRecord is the history entry for one step attempt.
type StepRecord struct {
	StepName     string         `json:"step_name"`
	Status       StepStatus     `json:"status"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	OutputData   map[string]any `json:"output_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Clone returns a deep copy of the record.
func (r StepRecord) Clone() StepRecord {
	cp := r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	cp.OutputData = CloneMap(r.OutputData)
	return cp
}

// StepOutput is an entry in the append-only step output audit log.
type StepOutput struct {
	ID               string         `json:"id"`
	ExecutionID      string         `json:"execution_id"`
	StepName         string         `json:"step_name"`
	OutputData       map[string]any `json:"output_data,omitempty"`
	Source           OutputSource   `json:"source"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	CreatedAt        time.Time      `json:"created_at"`
}

// CloneMap deep-copies JSON-shaped data (maps, slices, scalars).
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
