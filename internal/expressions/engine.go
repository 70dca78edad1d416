// Package expressions evaluates declarative step rules against step data.
// Three dialects are supported: CEL, Expr and jq.
package expressions

import (
	"context"
	"fmt"
	"sort"

	"github.com/rendis/stepwise/pkg/schema"
)

// Engine evaluates expressions in one dialect.
//
// For CEL and Expr the data map's keys are top-level variables (validators
// see "output", processors see "input"). jq runs with data["output"] or
// data["input"] as its input document.
type Engine interface {
	Name() string
	// Compile checks expression and caches the compiled form.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Set holds one engine per dialect.
type Set struct {
	engines map[string]Engine
}

// NewSet builds the CEL, Expr and jq engines.
func NewSet() (*Set, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	s := &Set{engines: map[string]Engine{}}
	for _, e := range []Engine{celEngine, NewExprEngine(), NewGoJQEngine()} {
		s.engines[e.Name()] = e
	}
	return s, nil
}

// Get returns the engine for dialect or a CONFIG_ERROR.
func (s *Set) Get(dialect string) (Engine, error) {
	e, ok := s.engines[dialect]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "unknown expression dialect %q (want one of %v)", dialect, s.Names())
	}
	return e, nil
}

// Names lists the available dialects, sorted.
func (s *Set) Names() []string {
	out := make([]string, 0, len(s.engines))
	for n := range s.engines {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Truthy reports whether an expression result counts as a pass. Only a
// boolean true passes; everything else, including nil, fails.
func Truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// Predicate compiles expression with e and returns a function that evaluates
// it against {"output": output}. Evaluation errors count as false.
func Predicate(e Engine, expression string) (func(output map[string]any) bool, error) {
	if err := e.Compile(expression); err != nil {
		return nil, err
	}
	return func(output map[string]any) bool {
		v, err := e.Evaluate(context.Background(), expression, map[string]any{"output": output})
		return err == nil && Truthy(v)
	}, nil
}

func compileError(dialect, expression string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeConfig, "%s compile error in %q: %s", dialect, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func evalError(dialect, expression string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeProcessor, "%s evaluation failed for %q: %s", dialect, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func emptyExpression(dialect string) *schema.EngineError {
	return schema.NewError(schema.ErrCodeConfig, fmt.Sprintf("empty %s expression", dialect))
}
