package definition

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/registry"
	"github.com/rendis/stepwise/internal/validation"
	"github.com/rendis/stepwise/pkg/schema"
)

// Compiler turns definition documents into registry configurations.
type Compiler struct {
	catalog *Catalog
	exprs   *expressions.Set
	schemas *validation.JSONSchemaValidator
	logger  *slog.Logger
}

// NewCompiler creates a Compiler that resolves action names against catalog.
func NewCompiler(catalog *Catalog, logger *slog.Logger) (*Compiler, error) {
	if catalog == nil {
		catalog = NewCatalog()
	}
	if logger == nil {
		logger = slog.Default()
	}
	exprs, err := expressions.NewSet()
	if err != nil {
		return nil, fmt.Errorf("expression engines: %w", err)
	}
	schemas, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("schema validator: %w", err)
	}
	return &Compiler{catalog: catalog, exprs: exprs, schemas: schemas, logger: logger}, nil
}

// Parse decodes and schema-checks a YAML definitions document.
func (c *Compiler) Parse(data []byte) (*Document, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "definitions are not valid YAML").WithCause(err)
	}
	if err := c.schemas.ValidateDefinition(raw); err != nil {
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "decode definitions").WithCause(err)
	}
	return &doc, nil
}

// Build compiles one workflow into a WorkflowConfig. Every problem found is
// reported in a single CONFIG_ERROR.
func (c *Compiler) Build(wf Workflow) (registry.WorkflowConfig, error) {
	cfg := registry.WorkflowConfig{
		Validators: make(map[string]registry.Validator, len(wf.Steps)),
		Processors: make(map[string]registry.Processor, len(wf.Steps)),
		Fallbacks:  make(map[string]registry.Fallback, len(wf.Steps)),
		Timeouts:   make(map[string]time.Duration),
	}
	issues := &schema.Issues{}

	for i, st := range wf.Steps {
		path := fmt.Sprintf("%s.steps[%d]", wf.Type, i)
		cfg.Steps = append(cfg.Steps, st.ID)

		if st.Timeout != "" {
			d, err := time.ParseDuration(st.Timeout)
			if err != nil || d <= 0 {
				issues.Addf(path+".timeout", "invalid duration %q", st.Timeout)
			} else {
				cfg.Timeouts[st.ID] = d
			}
		}

		if p, err := c.buildProcessor(st.Processor); err != nil {
			issues.Add(path+".processor", errorMessage(err))
		} else {
			cfg.Processors[st.ID] = p
		}
		if v, err := c.buildValidator(st.Validator); err != nil {
			issues.Add(path+".validator", errorMessage(err))
		} else {
			cfg.Validators[st.ID] = v
		}
		if f, err := c.buildFallback(st.ID, st.Fallback); err != nil {
			issues.Add(path+".fallback", errorMessage(err))
		} else {
			cfg.Fallbacks[st.ID] = f
		}
	}

	if err := issues.Err(); err != nil {
		return registry.WorkflowConfig{}, err
	}
	return cfg, nil
}

// Load parses data, builds every workflow and registers it. It returns the
// registered types in document order. Nothing is registered if any workflow
// fails to build.
func (c *Compiler) Load(reg *registry.Registry, data []byte) ([]string, error) {
	doc, err := c.Parse(data)
	if err != nil {
		return nil, err
	}

	configs := make([]registry.WorkflowConfig, len(doc.Workflows))
	for i, wf := range doc.Workflows {
		cfg, err := c.Build(wf)
		if err != nil {
			return nil, err
		}
		configs[i] = cfg
	}

	types := make([]string, 0, len(doc.Workflows))
	for i, wf := range doc.Workflows {
		if err := reg.Register(wf.Type, configs[i]); err != nil {
			return types, err
		}
		types = append(types, wf.Type)
		c.logger.Info("workflow type registered", "workflow_type", wf.Type, "steps", len(wf.Steps))
	}
	return types, nil
}

// LoadFile is Load for a file on disk.
func (c *Compiler) LoadFile(reg *registry.Registry, path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "read definitions %s", path).WithCause(err)
	}
	return c.Load(reg, data)
}

func (c *Compiler) buildProcessor(def Processor) (registry.Processor, error) {
	switch {
	case def.Action != "":
		return c.catalog.Processor(def.Action)
	case def.Transform != "":
		return c.transform(def.Transform)
	default:
		return nil, schema.NewError(schema.ErrCodeConfig, "processor needs action or transform")
	}
}

// transform runs a jq program over the step context. The program must
// produce exactly one object.
func (c *Compiler) transform(program string) (registry.Processor, error) {
	jq, err := c.exprs.Get("jq")
	if err != nil {
		return nil, err
	}
	if err := jq.Compile(program); err != nil {
		return nil, err
	}
	return func(ctx context.Context, input map[string]any) (map[string]any, error) {
		v, err := jq.Evaluate(ctx, program, map[string]any{"input": input})
		if err != nil {
			return nil, err
		}
		out, ok := v.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeProcessor, "transform produced %T, want an object", v)
		}
		return out, nil
	}, nil
}

func (c *Compiler) buildValidator(def Validator) (registry.Validator, error) {
	dialect, expression := "", ""
	switch {
	case def.Always:
		return func(map[string]any) bool { return true }, nil
	case def.Schema != nil:
		p, err := c.schemas.Predicate(def.Schema)
		if err != nil {
			return nil, err
		}
		return p, nil
	case def.CEL != "":
		dialect, expression = "cel", def.CEL
	case def.Expr != "":
		dialect, expression = "expr", def.Expr
	case def.JQ != "":
		dialect, expression = "jq", def.JQ
	default:
		return nil, schema.NewError(schema.ErrCodeConfig, "validator needs cel, expr, jq, schema or always")
	}

	engine, err := c.exprs.Get(dialect)
	if err != nil {
		return nil, err
	}
	p, err := expressions.Predicate(engine, expression)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Compiler) buildFallback(step string, def Fallback) (registry.Fallback, error) {
	switch {
	case def.Action != "":
		return c.catalog.Fallback(def.Action)
	case def.Output != nil:
		literal := schema.CloneMap(def.Output)
		return func(context.Context) (map[string]any, error) {
			return schema.CloneMap(literal), nil
		}, nil
	case def.Fail != "":
		msg := def.Fail
		return func(context.Context) (map[string]any, error) {
			return nil, schema.NewError(schema.ErrCodeProcessor, msg).WithStep(step)
		}, nil
	default:
		return nil, schema.NewError(schema.ErrCodeConfig, "fallback needs action, output or fail")
	}
}

func errorMessage(err error) string {
	if engErr, ok := err.(*schema.EngineError); ok {
		return engErr.Message
	}
	return err.Error()
}
