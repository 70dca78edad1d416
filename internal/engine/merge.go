package engine

import (
	"fmt"

	"dario.cat/mergo"

	"github.com/rendis/stepwise/pkg/schema"
)

// buildStepContext returns the processor input for the current step: the
// execution input data overlaid with every completed step output, in history
// order, so later steps win on key collisions.
func buildStepContext(exec *schema.WorkflowExecution) (map[string]any, error) {
	data := schema.CloneMap(exec.InputData)
	if data == nil {
		data = map[string]any{}
	}
	for _, rec := range exec.StepHistory {
		if rec.Status != schema.StepStatusCompleted || len(rec.OutputData) == 0 {
			continue
		}
		if err := mergo.Merge(&data, schema.CloneMap(rec.OutputData), mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge output of step %q: %w", rec.StepName, err)
		}
	}
	return data, nil
}
