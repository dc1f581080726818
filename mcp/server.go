// Package mcp exposes the orchestrator over the Model Context Protocol so an
// outer Claude Code session can dispatch VM tasks as tool calls.
package mcp

import (
	"context"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Turee/microvm-orchestrator-mcp/orchestrator"
	"github.com/Turee/microvm-orchestrator-mcp/registry"
)

const serverInstructions = "This server runs Claude Code tasks in isolated microVMs. " +
	"Repositories must be registered with the CLI before use; call list_repos to see them. " +
	"Start work with run_task, which returns a task id immediately. Tasks run asynchronously: " +
	"prefer wait_next_event to block until the next completion instead of polling get_task_info in a loop. " +
	"When a task succeeds its commits are merged back into the original repository automatically; " +
	"check the merge_result field of get_task_info for conflicts. " +
	"Use cleanup_task to remove a finished task's directory once you are done with its output."

// Orchestrator is the surface the MCP tools need from the task orchestrator.
// orchestrator.Orchestrator implements it; tests substitute stubs.
type Orchestrator interface {
	RunTask(ctx context.Context, description string, repoAlias string) (string, error)
	GetTaskInfo(taskID string) (*orchestrator.TaskInfo, error)
	TaskLogs(taskID string, lines int) (*orchestrator.TaskLogs, error)
	WaitNextEvent(ctx context.Context, timeoutMs int) (*orchestrator.WaitOutcome, error)
	CleanupTask(taskID string, deleteRef bool) error
	ListRepos() map[string]registry.RepoInfo
	ListTasks() []orchestrator.TaskSummary
	SlotsInfo() *orchestrator.SlotsInfo
}

// Server wraps an MCP server around the orchestrator.
type Server struct {
	server *mcpserver.MCPServer
	orc    Orchestrator
}

// NewServer creates the MCP server and registers every tool.
func NewServer(orc Orchestrator) *Server {
	s := mcpserver.NewMCPServer(
		"microvm-orchestrator",
		"0.1.0",
		mcpserver.WithInstructions(serverInstructions),
	)

	srv := &Server{server: s, orc: orc}
	srv.registerTools()

	Log("server created: tools registered")
	return srv
}

func (s *Server) registerTools() {
	runTask := gomcp.NewTool("run_task",
		gomcp.WithDescription(
			"Start a new task in an isolated microVM. The task gets its own clone of the "+
				"repository; commits it makes are merged back automatically on success. "+
				"Returns the task id immediately, use wait_next_event or get_task_info to follow progress.",
		),
		gomcp.WithString("description",
			gomcp.Required(),
			gomcp.Description("Task description/instructions for Claude in the VM. "+
				"If the task involves running Docker containers, include instructions to use "+
				"--network=host (required for networking to work correctly inside the microVM)."),
		),
		gomcp.WithString("repo",
			gomcp.Required(),
			gomcp.Description("Repository alias (registered via CLI). Use list_repos to see "+
				"available repositories. The alias is the repository name, not the path."),
		),
	)
	s.server.AddTool(runTask, handleRunTask(s.orc))

	getTaskInfo := gomcp.NewTool("get_task_info",
		gomcp.WithDescription(
			"Get information about a task: live status, result, and merge outcome.",
		),
		gomcp.WithString("task_id",
			gomcp.Required(),
			gomcp.Description("Task ID returned by run_task."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(getTaskInfo, handleGetTaskInfo(s.orc))

	getTaskLogs := gomcp.NewTool("get_task_logs",
		gomcp.WithDescription(
			"Get the task's serial console log: the path plus the last N lines of content. "+
				"Use shell tools (tail -f) on the returned path to follow a running task.",
		),
		gomcp.WithString("task_id",
			gomcp.Required(),
			gomcp.Description("Task ID."),
		),
		gomcp.WithNumber("lines",
			gomcp.Description("How many trailing lines to return (default 50)."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(getTaskLogs, handleGetTaskLogs(s.orc))

	waitNextEvent := gomcp.NewTool("wait_next_event",
		gomcp.WithDescription(
			"Block until any task completes or fails. Returns the event with result and merge "+
				"info, {\"no_running_tasks\": true} when nothing is running, or {\"timeout\": true} "+
				"when the timeout passes. Use a long timeout for long-running tasks.",
		),
		gomcp.WithNumber("timeout_ms",
			gomcp.Description("Timeout in milliseconds (default 1800000, i.e. 30 minutes)."),
		),
	)
	s.server.AddTool(waitNextEvent, handleWaitNextEvent(s.orc))

	cleanupTask := gomcp.NewTool("cleanup_task",
		gomcp.WithDescription(
			"Stop the task's VM if still running, then remove the task directory and "+
				"optionally its temporary git ref.",
		),
		gomcp.WithString("task_id",
			gomcp.Required(),
			gomcp.Description("Task ID."),
		),
		gomcp.WithBoolean("delete_ref",
			gomcp.Description("Also delete refs/tasks/<task_id> from the original repository. Defaults to false."),
		),
	)
	s.server.AddTool(cleanupTask, handleCleanupTask(s.orc))

	listRepos := gomcp.NewTool("list_repos",
		gomcp.WithDescription(
			"List registered repositories that can be used with run_task.",
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(listRepos, handleListRepos(s.orc))

	listTasks := gomcp.NewTool("list_tasks",
		gomcp.WithDescription(
			"List all tasks across all registered repos with live statuses.",
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(listTasks, handleListTasks(s.orc))

	listSlots := gomcp.NewTool("list_slots",
		gomcp.WithDescription(
			"Show VM slot occupancy and availability.",
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(listSlots, handleListSlots(s.orc))
}

// Serve starts the MCP server using stdio transport.
func (s *Server) Serve() error {
	return mcpserver.ServeStdio(s.server)
}

// ServeHTTP starts the streamable HTTP transport on addr. Stateless mode
// lets the server restart without breaking connected Claude Code sessions.
func (s *Server) ServeHTTP(addr string) error {
	httpServer := mcpserver.NewStreamableHTTPServer(
		s.server,
		mcpserver.WithStateLess(true),
	)
	return httpServer.Start(addr)
}
