package store

import (
	"context"

	"github.com/rendis/stepwise/pkg/schema"
)

// Mutator edits a private copy of an execution inside ConditionalUpdate.
// Returning an error aborts the update and leaves the stored row untouched.
type Mutator func(exec *schema.WorkflowExecution) error

// Store defines the persistence contract the engine consumes.
// All implementations must be safe for concurrent use.
type Store interface {
	// Create persists a fresh execution. ID, timestamps and Version (0) are
	// assigned by the store; the caller fills the rest.
	Create(ctx context.Context, exec *schema.WorkflowExecution) (*schema.WorkflowExecution, error)

	// Get returns the execution or a NOT_FOUND error.
	Get(ctx context.Context, id string) (*schema.WorkflowExecution, error)

	// ConditionalUpdate applies mutate and persists the result atomically only
	// if the stored version equals expectedVersion, incrementing the version.
	// A mismatch returns VERSION_CONFLICT; a missing row returns NOT_FOUND.
	ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (*schema.WorkflowExecution, error)

	// AppendStepOutput adds an entry to the append-only audit log.
	AppendStepOutput(ctx context.Context, out *schema.StepOutput) error

	// ListStepOutputs returns the audit log of an execution, oldest first.
	ListStepOutputs(ctx context.Context, executionID string) ([]*schema.StepOutput, error)

	// ListExecutions returns executions matching filter, most recently updated first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error)

	// Migrate prepares the backing schema. No-op for stores without one.
	Migrate(ctx context.Context) error

	// Close releases resources.
	Close() error
}
