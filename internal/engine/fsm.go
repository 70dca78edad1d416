package engine

import (
	"slices"

	"github.com/rendis/stepwise/pkg/schema"
)

// ValidWorkflowTransitions lists the statuses reachable from each workflow status.
// active -> active is a step advance that does not finish the pipeline.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusActive: {
		schema.WorkflowStatusActive,
		schema.WorkflowStatusCompleted,
		schema.WorkflowStatusFailed,
	},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusFailed:    {},
}

// ValidStepTransitions lists the statuses reachable from each step status.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {
		schema.StepStatusInProgress,
		schema.StepStatusCompleted,
		schema.StepStatusFailed,
		schema.StepStatusSkipped,
	},
	schema.StepStatusInProgress: {
		schema.StepStatusCompleted,
		schema.StepStatusFailed,
	},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}

// checkWorkflowTransition returns INVALID_TRANSITION unless from -> to is allowed.
func checkWorkflowTransition(executionID string, from, to schema.WorkflowStatus) error {
	if slices.Contains(ValidWorkflowTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid workflow transition: %s -> %s", from, to).
		WithExecution(executionID).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// checkStepTransition returns INVALID_TRANSITION unless from -> to is allowed.
func checkStepTransition(executionID, step string, from, to schema.StepStatus) error {
	if slices.Contains(ValidStepTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", from, to).
		WithExecution(executionID).
		WithStep(step).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}
