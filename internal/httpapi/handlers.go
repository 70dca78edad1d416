package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// CreateRequest is the body of POST /v1/workflows.
type CreateRequest struct {
	OwnerID      string         `json:"owner_id"`
	WorkflowType string         `json:"workflow_type"`
	InputData    map[string]any `json:"input_data,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AdvanceRequest is the optional body of POST /v1/workflows/:id/advance.
// A nil Output runs the step processor.
type AdvanceRequest struct {
	Output map[string]any `json:"output,omitempty"`
}

// ListResponse wraps a page of executions.
type ListResponse struct {
	Executions []*schema.WorkflowExecution `json:"executions"`
	Count      int                         `json:"count"`
}

// OutputsResponse wraps the step output log of one execution.
type OutputsResponse struct {
	Outputs []*schema.StepOutput `json:"outputs"`
}

// Health reports liveness and the registered workflow types.
// (GET /healthz)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "ok",
		"workflow_types": s.svc.Types(),
	})
}

// CreateWorkflow starts an execution.
// (POST /v1/workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return invalidInput("invalid request body", err)
	}
	if req.OwnerID == "" {
		return schema.NewError(schema.ErrCodeInvalidInput, "owner_id is required")
	}
	if req.WorkflowType == "" {
		return schema.NewError(schema.ErrCodeInvalidInput, "workflow_type is required")
	}

	exec, err := s.svc.Create(c.Request().Context(), req.OwnerID, req.WorkflowType, req.InputData, req.Metadata)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, exec)
}

// GetWorkflow returns one execution.
// (GET /v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	exec, err := s.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exec)
}

// AdvanceWorkflow moves an execution forward by one step. A body with an
// "output" object supplies the step result instead of running the processor.
// (POST /v1/workflows/:id/advance)
func (s *Server) AdvanceWorkflow(c echo.Context) error {
	var req AdvanceRequest
	if err := c.Bind(&req); err != nil {
		return invalidInput("invalid request body", err)
	}

	exec, err := s.svc.Advance(c.Request().Context(), c.Param("id"), req.Output)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeFallbackExhausted) && exec != nil {
			return c.JSON(statusFor(err), errorBody{Error: toErrorPayload(err), Execution: exec})
		}
		return err
	}
	return c.JSON(http.StatusOK, exec)
}

// ListWorkflows lists executions. Query parameters: status, owner_id,
// workflow_type (repeatable), updated_before (RFC 3339), limit, offset.
// (GET /v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	filter, err := parseFilter(c)
	if err != nil {
		return err
	}
	execs, err := s.svc.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if execs == nil {
		execs = []*schema.WorkflowExecution{}
	}
	return c.JSON(http.StatusOK, ListResponse{Executions: execs, Count: len(execs)})
}

// ListOutputs returns the step output log of an execution.
// (GET /v1/workflows/:id/outputs)
func (s *Server) ListOutputs(c echo.Context) error {
	outputs, err := s.svc.Outputs(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if outputs == nil {
		outputs = []*schema.StepOutput{}
	}
	return c.JSON(http.StatusOK, OutputsResponse{Outputs: outputs})
}

func parseFilter(c echo.Context) (store.ExecutionFilter, error) {
	var f store.ExecutionFilter
	if v := c.QueryParam("status"); v != "" {
		status := schema.WorkflowStatus(v)
		switch status {
		case schema.WorkflowStatusActive, schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed:
		default:
			return f, schema.NewErrorf(schema.ErrCodeInvalidInput, "unknown status %q", v)
		}
		f.Status = &status
	}
	f.OwnerID = c.QueryParam("owner_id")
	f.WorkflowTypes = c.QueryParams()["workflow_type"]

	if v := c.QueryParam("updated_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, invalidInput("updated_before must be RFC 3339", err)
		}
		f.UpdatedBefore = &t
	}
	var err error
	if f.Limit, err = intParam(c, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(c, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func intParam(c echo.Context, name string) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeInvalidInput, "%s must be a non-negative integer", name)
	}
	return n, nil
}

func invalidInput(msg string, cause error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeInvalidInput, "%s: %s", msg, cause.Error()).WithCause(cause)
}
