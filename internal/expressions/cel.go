package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELEngine evaluates Common Expression Language rules such as
// `output.quote.amount > 0`. Compiled programs are cached and shared
// across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// celVariables are the top-level names visible to CEL expressions.
var celVariables = []string{"output", "input"}

// NewCELEngine creates a CEL engine exposing output and input as
// map(string, dyn).
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, v := range celVariables {
		opts = append(opts, cel.Variable(v, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(buildActivation(data))
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, emptyExpression("CEL")
	}
	e.mu.RLock()
	prg, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError("CEL", expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError("CEL", expression, err)
	}
	e.cache[expression] = prg
	return prg, nil
}

// buildActivation defaults missing variables to empty maps so expressions
// referencing them fail on field access rather than on an unbound name.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celVariables))
	for _, key := range celVariables {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	return activation
}

var _ Engine = (*CELEngine)(nil)
