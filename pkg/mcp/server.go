package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/scheduler"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/internal/streaming"
	"github.com/rendis/stepwise/pkg/schema"
)

// Engine is the part of *engine.Engine the server drives.
type Engine interface {
	Run(ctx context.Context, wf *schema.Workflow, input any, opts ...engine.RunOption) (*engine.RunResult, error)
	Abort(runID, reason string) error
	Running() []string
	LoadDocument(raw []byte) (*schema.Workflow, *schema.ValidationResult)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine    Engine
	Store     store.Store
	Workflows engine.WorkflowSource // resolves workflows referenced by name; optional
	Scheduler *scheduler.Scheduler  // enables stepwise.schedule; optional
	Hub       streaming.EventHub    // forwards run events as notifications; optional
	Logger    *slog.Logger
}

// Server exposes the engine, run history and scheduler as MCP tools.
type Server struct {
	engine    Engine
	store     store.Store
	workflows engine.WorkflowSource
	scheduler *scheduler.Scheduler
	hub       streaming.EventHub
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		engine:    deps.Engine,
		store:     deps.Store,
		workflows: deps.Workflows,
		scheduler: deps.Scheduler,
		hub:       deps.Hub,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepwise",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("stepwise runs declarative workflows of agent, tool, function and sub-workflow steps. Use stepwise.validate to check a definition, stepwise.run to execute one, stepwise.status and stepwise.query to inspect history, stepwise.abort to stop a run, stepwise.diagram to draw a workflow and stepwise.schedule to run it on a cron."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: abortTool(), Handler: s.handleAbort},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("stepwise.run",
		mcp.WithDescription("Run a workflow and wait for its result"),
		mcp.WithObject("definition", mcp.Description("Workflow definition object (or use 'workflow')")),
		mcp.WithString("workflow", mcp.Description("Name of a stored workflow to run")),
		mcp.WithObject("input", mcp.Description("Run input, available to templates as ${input}")),
		mcp.WithObject("vars", mcp.Description("Variables available to templates as ${vars}")),
		mcp.WithString("run_id", mcp.Description("Run ID (default: generated)")),
		mcp.WithNumber("max_calls", mcp.Description("Override the call cap")),
		mcp.WithString("max_time", mcp.Description("Override the execution time limit, e.g. 2m")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("stepwise.validate",
		mcp.WithDescription("Validate a workflow definition without running it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepwise.status",
		mcp.WithDescription("Get a run with its step executions"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func abortTool() mcp.Tool {
	return mcp.NewTool("stepwise.abort",
		mcp.WithDescription("Cancel a running run at its next step boundary"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
		mcp.WithString("reason", mcp.Description("Why the run is cancelled")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("stepwise.query",
		mcp.WithDescription("Query runs, events, or scheduled jobs"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "events", "jobs"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, workflow_id, run_id, event_type, since, limit, enabled)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("stepwise.diagram",
		mcp.WithDescription("Draw a workflow as ASCII art, a Mermaid flowchart, or a PNG/SVG image"),
		mcp.WithObject("definition", mcp.Description("Workflow definition object")),
		mcp.WithString("workflow", mcp.Description("Name of a stored workflow")),
		mcp.WithString("run_id", mcp.Description("Draw a recorded run with its step status")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "png", "svg"),
			mcp.Description("Output format"),
		),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("stepwise.schedule",
		mcp.WithDescription("Run a workflow on a cron schedule"),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron expression or descriptor such as @hourly")),
		mcp.WithObject("definition", mcp.Description("Workflow definition object (or use 'workflow')")),
		mcp.WithString("workflow", mcp.Description("Name of a stored workflow")),
		mcp.WithObject("input", mcp.Description("Input for every scheduled run")),
		mcp.WithString("name", mcp.Description("Job name (default: workflow ID)")),
	)
}
