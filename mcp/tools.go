package mcp

import (
	"context"
	"encoding/json"
	"sort"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Turee/microvm-orchestrator-mcp/orchestrator"
)

// repoView is the JSON representation of one registered repo in list_repos.
type repoView struct {
	Alias string `json:"alias"`
	Path  string `json:"path"`
	Added string `json:"added"`
}

// handleRunTask starts a task and returns its id.
func handleRunTask(orc Orchestrator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		description := req.GetString("description", "")
		if description == "" {
			return gomcp.NewToolResultError("missing required parameter: description"), nil
		}
		repo := req.GetString("repo", "")
		if repo == "" {
			return gomcp.NewToolResultError("missing required parameter: repo"), nil
		}
		Log("tool call: run_task (repo=%s)", repo)

		taskID, err := orc.RunTask(ctx, description, repo)
		if err != nil {
			Log("run_task error: %v", err)
			return gomcp.NewToolResultError(err.Error()), nil
		}

		Log("run_task: started %s", taskID)
		return jsonResult(map[string]any{"task_id": taskID}), nil
	}
}

// handleGetTaskInfo returns the task's live status, result and merge outcome.
func handleGetTaskInfo(orc Orchestrator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		taskID := req.GetString("task_id", "")
		if taskID == "" {
			return gomcp.NewToolResultError("missing required parameter: task_id"), nil
		}
		Log("tool call: get_task_info (task=%s)", taskID)

		info, err := orc.GetTaskInfo(taskID)
		if err != nil {
			return gomcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(info), nil
	}
}

// handleGetTaskLogs returns the serial log path and its tail.
func handleGetTaskLogs(orc Orchestrator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		taskID := req.GetString("task_id", "")
		if taskID == "" {
			return gomcp.NewToolResultError("missing required parameter: task_id"), nil
		}
		lines := getIntParam(req, "lines", orchestrator.DefaultLogLines)
		Log("tool call: get_task_logs (task=%s, lines=%d)", taskID, lines)

		logs, err := orc.TaskLogs(taskID, lines)
		if err != nil {
			return gomcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(logs), nil
	}
}

// handleWaitNextEvent blocks until a task event, a timeout, or cancellation.
func handleWaitNextEvent(orc Orchestrator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		timeoutMs := getIntParam(req, "timeout_ms", 1_800_000)
		Log("tool call: wait_next_event (timeout_ms=%d)", timeoutMs)

		outcome, err := orc.WaitNextEvent(ctx, timeoutMs)
		if err != nil {
			if ctx.Err() != nil {
				Log("wait_next_event: cancelled")
				return jsonResult(map[string]any{"cancelled": true}), nil
			}
			return gomcp.NewToolResultError("failed to wait for event: " + err.Error()), nil
		}

		switch {
		case outcome.NoRunningTasks:
			Log("wait_next_event: no running tasks")
			return jsonResult(map[string]any{"no_running_tasks": true}), nil
		case outcome.TimedOut:
			Log("wait_next_event: timed out after %dms", timeoutMs)
			return jsonResult(map[string]any{"timeout": true, "timeout_ms": timeoutMs}), nil
		default:
			Log("wait_next_event: delivering %s event for %s", outcome.Event.Kind, outcome.Event.TaskID)
			return jsonResult(outcome.Event), nil
		}
	}
}

// handleCleanupTask removes a task's directory and optionally its git ref.
func handleCleanupTask(orc Orchestrator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		taskID := req.GetString("task_id", "")
		if taskID == "" {
			return gomcp.NewToolResultError("missing required parameter: task_id"), nil
		}
		deleteRef := req.GetBool("delete_ref", false)
		Log("tool call: cleanup_task (task=%s, delete_ref=%v)", taskID, deleteRef)

		if err := orc.CleanupTask(taskID, deleteRef); err != nil {
			return gomcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"success": true}), nil
	}
}

// handleListRepos returns the registered repositories sorted by alias.
func handleListRepos(orc Orchestrator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		Log("tool call: list_repos")

		repos := orc.ListRepos()
		views := make([]repoView, 0, len(repos))
		for alias, info := range repos {
			views = append(views, repoView{Alias: alias, Path: info.Path, Added: info.Added})
		}
		sort.Slice(views, func(i, j int) bool { return views[i].Alias < views[j].Alias })

		return jsonResult(map[string]any{"repos": views}), nil
	}
}

// handleListTasks returns every known task with its live status.
func handleListTasks(orc Orchestrator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		Log("tool call: list_tasks")

		tasks := orc.ListTasks()
		if tasks == nil {
			tasks = []orchestrator.TaskSummary{}
		}
		return jsonResult(map[string]any{"tasks": tasks}), nil
	}
}

// handleListSlots reports slot occupancy.
func handleListSlots(orc Orchestrator) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		Log("tool call: list_slots")
		return jsonResult(orc.SlotsInfo()), nil
	}
}

// jsonResult renders v as indented JSON tool output.
func jsonResult(v any) *gomcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return gomcp.NewToolResultError("failed to marshal result: " + err.Error())
	}
	return gomcp.NewToolResultText(string(data))
}

// getIntParam extracts an integer parameter from the request arguments,
// returning defaultVal if not present. JSON numbers arrive as float64.
func getIntParam(req gomcp.CallToolRequest, name string, defaultVal int) int {
	if args := req.GetArguments(); args != nil {
		if v, ok := args[name].(float64); ok {
			return int(v)
		}
	}
	return defaultVal
}
