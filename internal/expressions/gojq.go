package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"
)

// GoJQEngine evaluates jq programs. The input document is data["output"]
// when present, otherwise data["input"]. Environment access ($ENV, env) is
// blocked.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a jq engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: make(map[string]*gojq.Code)}
}

func (e *GoJQEngine) Name() string { return "jq" }

func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// Evaluate returns the single result of the program, a []any when it emits
// several values, or nil when it emits none.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	doc, ok := data["output"]
	if !ok {
		doc = data["input"]
	}
	iter := code.RunWithContext(ctx, normalizeForJQ(doc))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, evalError("jq", expression, err)
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *GoJQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, emptyExpression("jq")
	}
	e.mu.RLock()
	code, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, compileError("jq", expression, err)
	}
	code, err = gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError("jq", expression, err)
	}
	e.cache[expression] = code
	return code, nil
}

// normalizeForJQ converts sized integers and float32 to float64; gojq only
// understands int, float64 and *big.Int.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = v
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
