package mcp

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

const defaultListLimit = 50

// handleCreate starts an execution.
func (s *StepwiseServer) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}
	workflowType, err := req.RequireString("workflow_type")
	if err != nil {
		return mcp.NewToolResultError("workflow_type is required"), nil
	}
	input := mcp.ParseStringMap(req, "input_data", nil)
	metadata := mcp.ParseStringMap(req, "metadata", nil)

	s.captureSession(ctx, ownerID)

	exec, createErr := s.executor.Create(ctx, ownerID, workflowType, input, metadata)
	if createErr != nil {
		return errorResult(createErr, nil)
	}
	return marshalResult(exec)
}

// handleGet returns one execution.
func (s *StepwiseServer) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	exec, getErr := s.executor.Get(ctx, id)
	if getErr != nil {
		return errorResult(getErr, nil)
	}
	return marshalResult(exec)
}

// handleAdvance runs one step. When the step's fallback is exhausted the
// result is an error that still carries the failed execution.
func (s *StepwiseServer) handleAdvance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	output := mcp.ParseStringMap(req, "output", nil)

	ctx = logging.WithExecutionID(ctx, id)
	exec, advErr := s.executor.Advance(ctx, id, output)
	if exec != nil {
		s.captureSession(ctx, exec.OwnerID)
		s.notifyIfTerminal(ctx, exec)
	}
	if advErr != nil {
		return errorResult(advErr, exec)
	}
	return marshalResult(exec)
}

// handleList lists executions.
func (s *StepwiseServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.ExecutionFilter{
		OwnerID: req.GetString("owner_id", ""),
		Limit:   req.GetInt("limit", defaultListLimit),
		Offset:  req.GetInt("offset", 0),
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return mcp.NewToolResultError("limit and offset must be non-negative"), nil
	}
	if st := req.GetString("status", ""); st != "" {
		status := schema.WorkflowStatus(st)
		filter.Status = &status
	}
	if wt := req.GetString("workflow_type", ""); wt != "" {
		filter.WorkflowTypes = []string{wt}
	}

	execs, listErr := s.executor.List(ctx, filter)
	if listErr != nil {
		return errorResult(listErr, nil)
	}
	if execs == nil {
		execs = []*schema.WorkflowExecution{}
	}
	return marshalResult(map[string]any{
		"executions": execs,
		"count":      len(execs),
	})
}

// handleOutputs returns the step output log.
func (s *StepwiseServer) handleOutputs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	outputs, outErr := s.executor.Outputs(ctx, id)
	if outErr != nil {
		return errorResult(outErr, nil)
	}
	if outputs == nil {
		outputs = []*schema.StepOutput{}
	}
	return marshalResult(map[string]any{"outputs": outputs})
}

func (s *StepwiseServer) notifyIfTerminal(ctx context.Context, exec *schema.WorkflowExecution) {
	if !exec.Status.IsTerminal() {
		return
	}
	payload := map[string]any{
		"type":          "execution_finished",
		"execution_id":  exec.ID,
		"workflow_type": exec.WorkflowType,
		"status":        exec.Status,
	}
	if err := s.notifier.Notify(ctx, exec.OwnerID, payload); err != nil {
		logging.LogWith(ctx, s.logger).Warn("owner notification failed", "error", err.Error())
	}
}

// captureSession maps ownerID to the calling session, when there is one.
func (s *StepwiseServer) captureSession(ctx context.Context, ownerID string) {
	if ownerID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(ownerID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// errorResult renders err as a JSON tool error. The error code leads the
// text so agents can branch on it.
func errorResult(err error, exec *schema.WorkflowExecution) (*mcp.CallToolResult, error) {
	body := map[string]any{}
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		body["error"] = engErr
	} else {
		body["error"] = map[string]any{"code": "INTERNAL_ERROR", "message": err.Error()}
	}
	if exec != nil {
		body["execution"] = exec
	}
	data, mErr := json.Marshal(body)
	if mErr != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res := mcp.NewToolResultError(err.Error() + "\n" + string(data))
	return res, nil
}
