// Package registry holds the immutable per-type workflow configuration:
// the ordered step list and, for every step, its processor, validator and
// fallback strategy.
package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rendis/stepwise/pkg/schema"
)

// Processor computes a step's output from the execution context data.
// It must not retain or mutate input.
type Processor func(ctx context.Context, input map[string]any) (map[string]any, error)

// Validator reports whether a step output is acceptable. Pure and synchronous.
type Validator func(output map[string]any) bool

// Fallback produces a substitute output when the processor or validator fails.
type Fallback func(ctx context.Context) (map[string]any, error)

// WorkflowConfig describes one workflow type.
type WorkflowConfig struct {
	Steps      []string
	Validators map[string]Validator
	Processors map[string]Processor
	Fallbacks  map[string]Fallback

	// Timeouts optionally overrides the engine step timeout per step.
	Timeouts map[string]time.Duration
}

// Index returns the position of step in Steps, or -1.
func (c *WorkflowConfig) Index(step string) int {
	for i, s := range c.Steps {
		if s == step {
			return i
		}
	}
	return -1
}

// Next returns the step following step, and false when step is the last one
// or unknown.
func (c *WorkflowConfig) Next(step string) (string, bool) {
	i := c.Index(step)
	if i < 0 || i+1 >= len(c.Steps) {
		return "", false
	}
	return c.Steps[i+1], true
}

// Timeout returns the per-step override or def.
func (c *WorkflowConfig) Timeout(step string, def time.Duration) time.Duration {
	if d, ok := c.Timeouts[step]; ok && d > 0 {
		return d
	}
	return def
}

// Check returns a CONFIG_ERROR describing every structural problem in c.
func (c *WorkflowConfig) Check() error {
	issues := &schema.Issues{}
	if len(c.Steps) == 0 {
		issues.Add("steps", "must not be empty")
	}

	seen := make(map[string]struct{}, len(c.Steps))
	for i, step := range c.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if step == "" {
			issues.Add(path, "step id is empty")
			continue
		}
		if _, dup := seen[step]; dup {
			issues.Addf(path, "duplicate step %q", step)
			continue
		}
		seen[step] = struct{}{}

		if c.Validators[step] == nil {
			issues.Addf(path, "step %q has no validator", step)
		}
		if c.Processors[step] == nil {
			issues.Addf(path, "step %q has no processor", step)
		}
		if c.Fallbacks[step] == nil {
			issues.Addf(path, "step %q has no fallback strategy", step)
		}
	}

	// Entries for steps that are not in the pipeline are almost always typos.
	for _, name := range extraKeys(seen, c.Validators) {
		issues.Addf("validators", "entry %q does not match any step", name)
	}
	for _, name := range extraKeys(seen, c.Processors) {
		issues.Addf("processors", "entry %q does not match any step", name)
	}
	for _, name := range extraKeys(seen, c.Fallbacks) {
		issues.Addf("fallbacks", "entry %q does not match any step", name)
	}
	for _, name := range extraKeys(seen, c.Timeouts) {
		issues.Addf("timeouts", "entry %q does not match any step", name)
	}
	return issues.Err()
}

func extraKeys[V any](steps map[string]struct{}, m map[string]V) []string {
	var out []string
	for k := range m {
		if _, ok := steps[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Registry maps workflow types to their configuration.
//
// All registration happens at process start; after that the registry is only
// read, so it carries no lock. Register must not race with Resolve.
type Registry struct {
	configs map[string]*WorkflowConfig
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{configs: make(map[string]*WorkflowConfig)}
}

// Register validates cfg and stores a private copy under workflowType.
func (r *Registry) Register(workflowType string, cfg WorkflowConfig) error {
	if workflowType == "" {
		return schema.NewError(schema.ErrCodeConfig, "workflow type is empty")
	}
	if _, exists := r.configs[workflowType]; exists {
		return schema.NewErrorf(schema.ErrCodeConfig, "workflow type %q already registered", workflowType)
	}
	if err := cfg.Check(); err != nil {
		if engErr, ok := err.(*schema.EngineError); ok {
			engErr.Message = fmt.Sprintf("workflow type %q: %s", workflowType, engErr.Message)
		}
		return err
	}

	r.configs[workflowType] = freeze(cfg)
	return nil
}

// MustRegister is Register for static configuration; it panics on error.
func (r *Registry) MustRegister(workflowType string, cfg WorkflowConfig) {
	if err := r.Register(workflowType, cfg); err != nil {
		panic(err)
	}
}

// Resolve returns the configuration for workflowType.
func (r *Registry) Resolve(workflowType string) (*WorkflowConfig, error) {
	cfg, ok := r.configs[workflowType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownWorkflowType,
			"workflow type %q is not registered", workflowType)
	}
	return cfg, nil
}

// Types returns the registered workflow types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.configs))
	for t := range r.configs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// freeze copies the slice and maps so later changes by the caller cannot
// leak into a registered config.
func freeze(cfg WorkflowConfig) *WorkflowConfig {
	out := &WorkflowConfig{
		Steps:      append([]string(nil), cfg.Steps...),
		Validators: make(map[string]Validator, len(cfg.Validators)),
		Processors: make(map[string]Processor, len(cfg.Processors)),
		Fallbacks:  make(map[string]Fallback, len(cfg.Fallbacks)),
		Timeouts:   make(map[string]time.Duration, len(cfg.Timeouts)),
	}
	for k, v := range cfg.Validators {
		out.Validators[k] = v
	}
	for k, v := range cfg.Processors {
		out.Processors[k] = v
	}
	for k, v := range cfg.Fallbacks {
		out.Fallbacks[k] = v
	}
	for k, v := range cfg.Timeouts {
		out.Timeouts[k] = v
	}
	return out
}
