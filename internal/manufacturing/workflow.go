// Package manufacturing provides the built-in design_to_manufacturing
// workflow: ten steps from a customer prompt to shipped goods and a
// feedback request.
//
// Processors are deterministic stand-ins for the design, quoting,
// production and fulfillment services.
package manufacturing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/stepwise/internal/registry"
	"github.com/rendis/stepwise/pkg/schema"
)

// WorkflowType is the registered type name.
const WorkflowType = "design_to_manufacturing"

// Step names in pipeline order.
const (
	StepInputProcessing    = "input_processing"
	StepDesignGeneration   = "design_generation"
	StepDesignValidation   = "design_validation"
	StepDesignOptimization = "design_optimization"
	StepProductionRouting  = "production_routing"
	StepQuoteGeneration    = "quote_generation"
	StepProductionExec     = "production_execution"
	StepQualityControl     = "quality_control"
	StepPackagingShipping  = "packaging_shipping"
	StepFeedbackCollection = "feedback_collection"
)

// Steps lists the pipeline in order.
var Steps = []string{
	StepInputProcessing,
	StepDesignGeneration,
	StepDesignValidation,
	StepDesignOptimization,
	StepProductionRouting,
	StepQuoteGeneration,
	StepProductionExec,
	StepQualityControl,
	StepPackagingShipping,
	StepFeedbackCollection,
}

// MinQualityScore is the lowest quality_control score accepted.
const MinQualityScore = 7.0

// Config builds the workflow configuration.
func Config() registry.WorkflowConfig {
	return registry.WorkflowConfig{
		Steps: append([]string(nil), Steps...),
		Validators: map[string]registry.Validator{
			StepInputProcessing:    func(o map[string]any) bool { return nonEmptyString(o["prompt"]) },
			StepDesignGeneration:   func(o map[string]any) bool { return present(o["imageUrl"]) || present(o["designData"]) },
			StepDesignValidation:   func(o map[string]any) bool { return o["isValid"] == true },
			StepDesignOptimization: func(o map[string]any) bool { return present(o["optimizedDesign"]) },
			StepProductionRouting: func(o map[string]any) bool {
				return present(o["selectedRoute"]) && present(o["assignedMakers"])
			},
			StepQuoteGeneration: func(o map[string]any) bool {
				q, ok := o["quote"].(map[string]any)
				if !ok {
					return false
				}
				amount, ok := toFloat(q["amount"])
				return ok && amount > 0
			},
			StepProductionExec: func(o map[string]any) bool { return o["productionStatus"] == "completed" },
			StepQualityControl: func(o map[string]any) bool {
				score, ok := toFloat(o["qualityScore"])
				return ok && score >= MinQualityScore
			},
			StepPackagingShipping:  func(o map[string]any) bool { return nonEmptyString(o["trackingId"]) },
			StepFeedbackCollection: func(map[string]any) bool { return true },
		},
		Processors: map[string]registry.Processor{
			StepInputProcessing:    processInput,
			StepDesignGeneration:   generateDesign,
			StepDesignValidation:   validateDesign,
			StepDesignOptimization: optimizeDesign,
			StepProductionRouting:  routeProduction,
			StepQuoteGeneration:    generateQuote,
			StepProductionExec:     executeProduction,
			StepQualityControl:     performQualityControl,
			StepPackagingShipping:  packageAndShip,
			StepFeedbackCollection: collectFeedback,
		},
		Fallbacks: map[string]registry.Fallback{
			StepInputProcessing:    literal(map[string]any{"processedInput": "fallback", "isValid": true}),
			StepDesignGeneration:   literal(map[string]any{"designGenerated": true, "imageUrl": "fallback"}),
			StepDesignValidation:   literal(map[string]any{"isValid": true, "validationScore": 6.0}),
			StepDesignOptimization: literal(map[string]any{"optimizedDesign": "fallback", "optimizationApplied": false}),
			StepProductionRouting: literal(map[string]any{
				"selectedRoute":  "manufacturer",
				"assignedMakers": []any{"fallback-maker"},
			}),
			StepQuoteGeneration: literal(map[string]any{"quote": map[string]any{"amount": 100.0, "currency": "USD"}}),
			StepProductionExec:  literal(map[string]any{"productionStatus": "completed", "productId": "fallback-prod"}),
			StepQualityControl:  literal(map[string]any{"qualityScore": MinQualityScore, "passed": true}),
			StepPackagingShipping: func(context.Context) (map[string]any, error) {
				return map[string]any{"trackingId": "FALLBACK-123", "shippedAt": now()}, nil
			},
			StepFeedbackCollection: literal(map[string]any{"feedbackCollected": true}),
		},
	}
}

// Register adds the workflow to reg.
func Register(reg *registry.Registry) error {
	return reg.Register(WorkflowType, Config())
}

func processInput(_ context.Context, in map[string]any) (map[string]any, error) {
	prompt, _ := in["prompt"].(string)
	return map[string]any{
		"prompt":         strings.TrimSpace(prompt),
		"processedInput": in,
		"isValid":        true,
	}, nil
}

func generateDesign(_ context.Context, in map[string]any) (map[string]any, error) {
	return map[string]any{
		"designGenerated": true,
		"imageUrl":        "placeholder",
		"designData":      map[string]any{"prompt": in["prompt"]},
	}, nil
}

func validateDesign(_ context.Context, in map[string]any) (map[string]any, error) {
	return map[string]any{
		"isValid":         true,
		"validationScore": 8.5,
		"qualityMetrics":  map[string]any{"imageUrl": in["imageUrl"]},
	}, nil
}

func optimizeDesign(_ context.Context, in map[string]any) (map[string]any, error) {
	return map[string]any{
		"optimizedDesign":     in["designData"],
		"optimizationApplied": true,
	}, nil
}

func routeProduction(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{
		"selectedRoute":  "artisan",
		"assignedMakers": []any{"maker-1"},
	}, nil
}

var qualityMultiplier = map[string]float64{
	"standard": 1.0,
	"premium":  1.5,
	"luxury":   2.25,
}

// generateQuote prices the order from quantity, material count and quality
// level. Defaults mirror the most common request: one premium cotton piece.
func generateQuote(_ context.Context, in map[string]any) (map[string]any, error) {
	quantity := 1.0
	if q, ok := toFloat(in["quantity"]); ok && q > 0 {
		quantity = q
	}
	materials := 1
	if m, ok := in["materials"].([]any); ok && len(m) > 0 {
		materials = len(m)
	}
	level, _ := in["qualityLevel"].(string)
	if level == "" {
		level = "premium"
	}
	mult, ok := qualityMultiplier[level]
	if !ok {
		return nil, fmt.Errorf("unknown quality level %q", level)
	}

	unit := (80.0 + 10.0*float64(materials)) * mult
	return map[string]any{
		"quote": map[string]any{"amount": unit * quantity, "currency": "USD"},
		"breakdown": map[string]any{
			"unit_price": unit,
			"quantity":   quantity,
			"materials":  materials,
			"quality":    level,
		},
	}, nil
}

// executeProduction schedules production. Work is never finished within the
// call, so the step always completes through its fallback or an external
// result.
func executeProduction(_ context.Context, in map[string]any) (map[string]any, error) {
	makers, _ := in["assignedMakers"].([]any)
	return map[string]any{
		"productionStatus": "in_progress",
		"productId":        "prod-123",
		"tasksCount":       len(makers),
	}, nil
}

func performQualityControl(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{"qualityScore": 9.0, "passed": true}, nil
}

func packageAndShip(_ context.Context, in map[string]any) (map[string]any, error) {
	id, _ := in["productId"].(string)
	if id == "" {
		id = "prod-123"
	}
	return map[string]any{
		"trackingId": "TRK-" + strings.ToUpper(strings.TrimPrefix(id, "prod-")),
		"carrier":    "standard",
		"shippedAt":  now(),
	}, nil
}

func collectFeedback(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{
		"feedbackCollected": true,
		"channels":          []any{"email", "in_app"},
	}, nil
}

func literal(out map[string]any) registry.Fallback {
	return func(context.Context) (map[string]any, error) {
		return schema.CloneMap(out), nil
	}
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

func present(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case bool:
		return val
	case []any:
		return len(val) > 0
	default:
		return true
	}
}

func nonEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && s != ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}
