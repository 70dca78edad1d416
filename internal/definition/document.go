// Package definition compiles declarative YAML workflow definitions into
// registry configurations.
//
// A document lists workflow types. Each step names a processor (a catalog
// action or a jq transform), a validator (cel, expr, jq, a JSON Schema, or
// always) and a fallback (a catalog action, a literal output, or fail).
package definition

// Document is the root of a definitions file.
type Document struct {
	Workflows []Workflow `yaml:"workflows"`
}

// Workflow declares one workflow type.
type Workflow struct {
	Type        string `yaml:"type"`
	Description string `yaml:"description,omitempty"`
	Steps       []Step `yaml:"steps"`
}

// Step declares one step of a workflow.
type Step struct {
	ID        string    `yaml:"id"`
	Timeout   string    `yaml:"timeout,omitempty"`
	Processor Processor `yaml:"processor"`
	Validator Validator `yaml:"validator"`
	Fallback  Fallback  `yaml:"fallback"`
}

// Processor sets exactly one of Action or Transform.
type Processor struct {
	Action    string `yaml:"action,omitempty"`
	Transform string `yaml:"transform,omitempty"`
}

// Validator sets exactly one field.
type Validator struct {
	CEL    string         `yaml:"cel,omitempty"`
	Expr   string         `yaml:"expr,omitempty"`
	JQ     string         `yaml:"jq,omitempty"`
	Schema map[string]any `yaml:"schema,omitempty"`
	Always bool           `yaml:"always,omitempty"`
}

// Fallback sets exactly one field.
type Fallback struct {
	Action string         `yaml:"action,omitempty"`
	Output map[string]any `yaml:"output,omitempty"`
	Fail   string         `yaml:"fail,omitempty"`
}
