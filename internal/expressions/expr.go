package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang rules such as
// `output.qualityScore >= 7 && output.passed`. Undefined variables evaluate
// to nil instead of failing compilation.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates an Expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: make(map[string]*vm.Program)}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}
	env := data
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, evalError("expr", expression, err)
	}
	return out, nil
}

func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	if expression == "" {
		return nil, emptyExpression("expr")
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

	// Programs are compiled without a typed env so the cache entry is valid
	// for any data shape.
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, compileError("expr", expression, err)
	}
	e.cache[expression] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
