package store

import (
	"time"

	"github.com/rendis/stepwise/pkg/schema"
)

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status        *schema.WorkflowStatus `json:"status,omitempty"`
	OwnerID       string                 `json:"owner_id,omitempty"`
	WorkflowTypes []string               `json:"workflow_types,omitempty"`
	UpdatedBefore *time.Time             `json:"updated_before,omitempty"`
	Limit         int                    `json:"limit,omitempty"`
	Offset        int                    `json:"offset,omitempty"`
}

// Matches reports whether exec satisfies every set criterion except paging.
func (f ExecutionFilter) Matches(exec *schema.WorkflowExecution) bool {
	if f.Status != nil && exec.Status != *f.Status {
		return false
	}
	if f.OwnerID != "" && exec.OwnerID != f.OwnerID {
		return false
	}
	if len(f.WorkflowTypes) > 0 {
		found := false
		for _, t := range f.WorkflowTypes {
			if t == exec.WorkflowType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.UpdatedBefore != nil && !exec.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}
	return true
}
