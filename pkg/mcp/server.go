// Package mcp exposes the workflow executor as Model Context Protocol tools.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// Executor is the engine surface the tools call.
type Executor interface {
	Create(ctx context.Context, ownerID, workflowType string, input, metadata map[string]any) (*schema.WorkflowExecution, error)
	Get(ctx context.Context, id string) (*schema.WorkflowExecution, error)
	Advance(ctx context.Context, id string, external map[string]any) (*schema.WorkflowExecution, error)
	List(ctx context.Context, filter store.ExecutionFilter) ([]*schema.WorkflowExecution, error)
	Outputs(ctx context.Context, id string) ([]*schema.StepOutput, error)
	Types() []string
}

// StepwiseServerDeps holds the dependencies for creating a StepwiseServer.
type StepwiseServerDeps struct {
	Executor Executor
	Logger   *slog.Logger
}

// StepwiseServer wraps an MCP server with the stepwise tool handlers.
type StepwiseServer struct {
	executor  Executor
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  OwnerNotifier
	mcpServer *server.MCPServer
	sse       *server.SSEServer
}

// NewStepwiseServer creates a StepwiseServer with all 5 tools registered.
func NewStepwiseServer(deps StepwiseServerDeps) *StepwiseServer {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}

	s := &StepwiseServer{
		executor: deps.Executor,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"stepwise",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Stepwise runs multi-step workflows one step at a time. Use stepwise.create to start an execution, stepwise.advance to run its current step (or supply the step result as output), stepwise.get to inspect it, stepwise.list to find executions, and stepwise.outputs to read the step output log."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StepwiseServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeSSE serves the SSE transport on addr until Shutdown. Clients that
// pass owner_id get a notification when their executions finish.
func (s *StepwiseServer) ServeSSE(addr string) error {
	s.sse = server.NewSSEServer(s.mcpServer)
	s.logger.Info("mcp sse listening", slog.String("addr", addr))
	if err := s.sse.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the SSE transport if it is running.
func (s *StepwiseServer) Shutdown(ctx context.Context) error {
	if s.sse == nil {
		return nil
	}
	return s.sse.Shutdown(ctx)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StepwiseServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *StepwiseServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: createTool(), Handler: s.handleCreate},
		{Tool: getTool(), Handler: s.handleGet},
		{Tool: advanceTool(), Handler: s.handleAdvance},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: outputsTool(), Handler: s.handleOutputs},
	}
}

// --- Tool definitions ---

func createTool() mcp.Tool {
	return mcp.NewTool("stepwise.create",
		mcp.WithDescription("Start a workflow execution positioned on its first step"),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the owner of the execution")),
		mcp.WithString("workflow_type", mcp.Required(), mcp.Description("Registered workflow type")),
		mcp.WithObject("input_data", mcp.Description("Input data visible to every step")),
		mcp.WithObject("metadata", mcp.Description("Free-form metadata stored with the execution")),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("stepwise.get",
		mcp.WithDescription("Get a workflow execution with its step history"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func advanceTool() mcp.Tool {
	return mcp.NewTool("stepwise.advance",
		mcp.WithDescription("Advance a workflow execution by exactly one step"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithObject("output", mcp.Description("Step result supplied from outside; omit to run the step processor")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("stepwise.list",
		mcp.WithDescription("List workflow executions, most recently updated first"),
		mcp.WithString("status", mcp.Enum("active", "completed", "failed"), mcp.Description("Filter by status")),
		mcp.WithString("owner_id", mcp.Description("Filter by owner")),
		mcp.WithString("workflow_type", mcp.Description("Filter by workflow type")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Results to skip")),
	)
}

func outputsTool() mcp.Tool {
	return mcp.NewTool("stepwise.outputs",
		mcp.WithDescription("List the step output log of a workflow execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}
