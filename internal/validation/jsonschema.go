// Package validation checks JSON documents against JSON Schema Draft 2020-12:
// declarative workflow definition files and step outputs.
package validation

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stepwise/pkg/schema"
)

//go:embed definition_schema.json
var definitionSchemaJSON []byte

const definitionSchemaURL = "https://stepwise.dev/schemas/definitions.json"

// JSONSchemaValidator validates definition documents and step outputs.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema

	// mu guards cache.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded definition schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &JSONSchemaValidator{
		definitionSchema: compiled,
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition checks a decoded definitions document. Violations are
// returned as a CONFIG_ERROR listing every offending location.
func (v *JSONSchemaValidator) ValidateDefinition(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeConfig, "definition document is empty")
	}
	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeConfig, "definition document is not JSON-compatible").WithCause(err)
	}
	if err := v.definitionSchema.Validate(val); err != nil {
		return toEngineError(schema.ErrCodeConfig, "definition", err)
	}
	return nil
}

// Compile checks an output schema and caches it. The schema may be given as
// raw JSON bytes or as a decoded document.
func (v *JSONSchemaValidator) Compile(outputSchema any) error {
	_, err := v.getOrCompile(outputSchema)
	return err
}

// ValidateOutput checks a step output against outputSchema. A mismatch is
// returned as VALIDATION_FAILED.
func (v *JSONSchemaValidator) ValidateOutput(output map[string]any, outputSchema any) error {
	compiled, err := v.getOrCompile(outputSchema)
	if err != nil {
		return err
	}
	if output == nil {
		output = map[string]any{}
	}
	val, err := toJSONValue(output)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidationFailed, "output is not JSON-compatible").WithCause(err)
	}
	if err := compiled.Validate(val); err != nil {
		return toEngineError(schema.ErrCodeValidationFailed, "output", err)
	}
	return nil
}

// Predicate compiles outputSchema and returns a step validator that accepts
// outputs conforming to it.
func (v *JSONSchemaValidator) Predicate(outputSchema any) (func(output map[string]any) bool, error) {
	if err := v.Compile(outputSchema); err != nil {
		return nil, err
	}
	return func(output map[string]any) bool {
		return v.ValidateOutput(output, outputSchema) == nil
	}, nil
}

func (v *JSONSchemaValidator) getOrCompile(outputSchema any) (*jsonschema.Schema, error) {
	raw, ok := outputSchema.([]byte)
	if !ok {
		var err error
		if raw, err = json.Marshal(outputSchema); err != nil {
			return nil, schema.NewError(schema.ErrCodeConfig, "output schema is not JSON-compatible").WithCause(err)
		}
	}
	key := string(raw)

	v.mu.RLock()
	cached, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "invalid output schema").WithCause(err)
	}

	// Each schema gets its own compiler and URL so resources never collide.
	url := fmt.Sprintf("stepwise://output-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "invalid output schema").WithCause(err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "invalid output schema: %s", err.Error()).WithCause(err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number and
// YAML-decoded values take their JSON shape.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// toEngineError flattens a ValidationError tree into one EngineError whose
// details carry every leaf violation.
func toEngineError(code, subject string, err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(code, err.Error()).WithCause(err)
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(code, verr.Error()).WithCause(err)
	case 1:
		return schema.NewErrorf(code, "%s: %s", subject, violations[0]).
			WithCause(err).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(code, "%s failed validation with %d errors", subject, len(violations)).
			WithCause(err).
			WithDetails(map[string]any{"violations": violations})
	}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.ErrorKind.LocalizedString(nil))}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
