// Package mcp exposes narrative orchestration to agents over the Model
// Context Protocol: run a narrative, inspect executions, and manage
// scheduled tasks.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stagehand-run/stagehand/internal/engine"
	"github.com/stagehand-run/stagehand/internal/loader"
	"github.com/stagehand-run/stagehand/internal/store"
	"github.com/stagehand-run/stagehand/internal/tracker"
)

// ServerDeps holds the dependencies for creating a StagehandServer.
type ServerDeps struct {
	Executor *engine.Executor
	Store    store.Store
	Library  *loader.Library
	Tracker  *tracker.Tracker
	Logger   *slog.Logger
}

// StagehandServer wraps an MCP server with the stagehand tool handlers.
type StagehandServer struct {
	executor  *engine.Executor
	store     store.Store
	library   *loader.Library
	tracker   *tracker.Tracker
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewStagehandServer creates the server with all five tools registered.
func NewStagehandServer(deps ServerDeps) *StagehandServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StagehandServer{
		executor: deps.Executor,
		store:    deps.Store,
		library:  deps.Library,
		tracker:  deps.Tracker,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"stagehand",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stagehand runs multi-act content narratives. Use narrative.run to execute a narrative now, narrative.status to inspect an execution, task.pause and task.resume to manage scheduled tasks, and stagehand.query to list executions, events, or tasks."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *StagehandServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StagehandServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *StagehandServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: pauseTool(), Handler: s.handlePause},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("narrative.run",
		mcp.WithDescription("Execute a loaded narrative and wait for its terminal state"),
		mcp.WithString("narrative", mcp.Required(), mcp.Description("Name of the narrative to run")),
		mcp.WithString("actor", mcp.Description("Actor whose scoped state the run resolves against")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("narrative.status",
		mcp.WithDescription("Get the status of a narrative execution, its acts, and its journal"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to inspect")),
	)
}

func pauseTool() mcp.Tool {
	return mcp.NewTool("task.pause",
		mcp.WithDescription("Pause a scheduled task so the scheduler stops dispatching it"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task to pause")),
		mcp.WithString("reason", mcp.Description("Why the task is being paused")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("task.resume",
		mcp.WithDescription("Resume a paused task immediately, resetting its failure streak"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task to resume")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("stagehand.query",
		mcp.WithDescription("Query executions, events, or tasks"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "events", "tasks"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (narrative, task_id, status, actor, paused, since, limit, execution_id)")),
	)
}
