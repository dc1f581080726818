package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Turee/microvm-orchestrator-mcp/log"
	"github.com/Turee/microvm-orchestrator-mcp/task"
)

// DefaultLogLines is how many trailing serial-log lines TaskLogs returns
// when the caller does not say.
const DefaultLogLines = 50

// TaskInfo is the full view of one task as reported to tool callers.
type TaskInfo struct {
	TaskID           string         `json:"task_id"`
	Description      string         `json:"description"`
	Status           string         `json:"status"`
	Slot             int            `json:"slot"`
	RepoPath         string         `json:"repo_path"`
	IsolatedRepoPath string         `json:"isolated_repo_path"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at"`
	Pid              *int           `json:"pid"`
	ExitCode         *int           `json:"exit_code"`
	Error            *string        `json:"error"`
	Result           map[string]any `json:"result,omitempty"`
	MergeResult      map[string]any `json:"merge_result,omitempty"`
}

// GetTaskInfo reports a task's state. The status field is derived live: a
// task with a registered process is running, anything else is judged by the
// success flag in its result payload. The persisted status is not trusted
// because the in-memory process set is the authoritative liveness signal.
func (o *Orchestrator) GetTaskInfo(taskID string) (*TaskInfo, error) {
	t, err := o.getTask(taskID)
	if err != nil {
		return nil, err
	}

	result, err := t.Result()
	if err != nil {
		return nil, err
	}
	mergeResult, err := t.MergeResultData()
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	_, running := o.processes[taskID]
	o.mu.Unlock()

	status := string(task.StatusFailed)
	if running {
		status = string(task.StatusRunning)
	} else if resultSuccess(result) {
		status = string(task.StatusCompleted)
	}

	info := &TaskInfo{
		TaskID:           t.ID(),
		Description:      t.Description(),
		Status:           status,
		Slot:             t.Slot(),
		RepoPath:         t.RepoPath(),
		IsolatedRepoPath: t.IsolatedRepoPath(),
		CreatedAt:        t.CreatedAt(),
		StartedAt:        timePtr(t.StartedAt()),
		CompletedAt:      timePtr(t.CompletedAt()),
		Pid:              intPtr(t.Pid()),
		ExitCode:         intPtr(t.ExitCode()),
		Error:            strPtr(t.ErrorMessage()),
		Result:           result,
		MergeResult:      mergeResult,
	}
	return info, nil
}

// TaskLogs is the tail of a task's serial console.
type TaskLogs struct {
	LogPath string `json:"log_path"`
	Content string `json:"content"`
}

// TaskLogs returns the serial log path and its last lines. lines <= 0 means
// DefaultLogLines.
func (o *Orchestrator) TaskLogs(taskID string, lines int) (*TaskLogs, error) {
	t, err := o.getTask(taskID)
	if err != nil {
		return nil, err
	}

	logPath := t.LogPath()
	if _, err := os.Stat(logPath); err != nil {
		return nil, fmt.Errorf("log file not found: %s", logPath)
	}

	if lines <= 0 {
		lines = DefaultLogLines
	}
	content, err := tailFile(logPath, lines)
	if err != nil {
		return nil, err
	}
	return &TaskLogs{LogPath: logPath, Content: content}, nil
}

// tailFile returns the last n lines of a file.
func tailFile(path string, n int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read log file: %w", err)
	}

	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return "", nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// TaskSummary is one row of ListTasks.
type TaskSummary struct {
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
	Description string `json:"description"`
	Repo        string `json:"repo"`
}

// ListTasks scans every registered repo for task directories and summarizes
// them. Statuses are live: a persisted "running" without a live process
// belongs to a dead session and reports as failed.
func (o *Orchestrator) ListTasks() []TaskSummary {
	var tasks []TaskSummary
	for alias, info := range o.registry.List() {
		tasksDir := filepath.Join(info.Path, ".microvm", "tasks")
		entries, err := os.ReadDir(tasksDir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			taskDir := filepath.Join(tasksDir, entry.Name())
			if _, err := os.Stat(filepath.Join(taskDir, "task.json")); err != nil {
				continue
			}
			t, err := task.Load(taskDir)
			if err != nil {
				log.WarningLog.Printf("failed to load task from %s: %v", taskDir, err)
				continue
			}

			desc := t.Description()
			if runes := []rune(desc); len(runes) > 50 {
				desc = string(runes[:50]) + "..."
			}
			tasks = append(tasks, TaskSummary{
				TaskID:      t.ID(),
				Status:      o.liveStatus(t),
				Description: desc,
				Repo:        alias,
			})
		}
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })
	return tasks
}

func (o *Orchestrator) liveStatus(t *task.Task) string {
	o.mu.Lock()
	_, running := o.processes[t.ID()]
	o.mu.Unlock()

	if running {
		return string(task.StatusRunning)
	}
	if t.IsTerminal() {
		return string(t.Status())
	}
	return string(task.StatusFailed)
}

// SlotOccupant pairs a busy slot with the task holding it.
type SlotOccupant struct {
	Slot   int    `json:"slot"`
	TaskID string `json:"task_id"`
}

// SlotsInfo is the scheduler's occupancy snapshot.
type SlotsInfo struct {
	MaxSlots  int            `json:"max_slots"`
	Active    []SlotOccupant `json:"active"`
	Available []int          `json:"available"`
}

// SlotsInfo reports slot usage for the list_slots tool and the CLI.
func (o *Orchestrator) SlotsInfo() *SlotsInfo {
	active := o.slots.ActiveTasks()
	occupants := make([]SlotOccupant, 0, len(active))
	for slot, taskID := range active {
		occupants = append(occupants, SlotOccupant{Slot: slot, TaskID: taskID})
	}
	sort.Slice(occupants, func(i, j int) bool { return occupants[i].Slot < occupants[j].Slot })

	return &SlotsInfo{
		MaxSlots:  o.slots.MaxSlots(),
		Active:    occupants,
		Available: o.slots.AvailableSlots(),
	}
}

func timePtr(ts time.Time, ok bool) *time.Time {
	if !ok {
		return nil
	}
	return &ts
}

func intPtr(v int, ok bool) *int {
	if !ok {
		return nil
	}
	return &v
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
