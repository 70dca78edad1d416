package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/pkg/schema"
)

func TestBuildStepContext(t *testing.T) {
	exec := &schema.WorkflowExecution{
		InputData: map[string]any{"prompt": "lamp", "isValid": true},
		StepHistory: []schema.StepRecord{
			{StepName: "a", Status: schema.StepStatusCompleted, OutputData: map[string]any{"design": "v1", "tags": []any{"x"}}},
			{StepName: "b", Status: schema.StepStatusCompleted, OutputData: map[string]any{"design": "v2", "isValid": false}},
			{StepName: "c", Status: schema.StepStatusPending},
		},
	}

	got, err := buildStepContext(exec)
	require.NoError(t, err)
	assert.Equal(t, "lamp", got["prompt"])
	assert.Equal(t, "v2", got["design"])
	assert.Equal(t, false, got["isValid"], "later false overrides earlier true")
	assert.Equal(t, []any{"x"}, got["tags"])

	got["prompt"] = "changed"
	got["tags"].([]any)[0] = "y"
	assert.Equal(t, "lamp", exec.InputData["prompt"])
	assert.Equal(t, "x", exec.StepHistory[0].OutputData["tags"].([]any)[0])
}

func TestBuildStepContext_EmptyInput(t *testing.T) {
	got, err := buildStepContext(&schema.WorkflowExecution{})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
