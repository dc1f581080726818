package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Turee/microvm-orchestrator-mcp/log"
)

// taskData is the serialized form of a Task. Optional fields marshal as null
// so the snapshot stays human-inspectable and diffable.
type taskData struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Slot        int        `json:"slot"`
	RepoPath    string     `json:"repo_path"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Pid         *int       `json:"pid"`
	ExitCode    *int       `json:"exit_code"`
	Error       *string    `json:"error"`
}

// dataLocked snapshots the task's fields. Caller holds t.mu.
func (t *Task) dataLocked() taskData {
	return taskData{
		ID:          t.id,
		Description: t.description,
		Status:      t.status,
		Slot:        t.slot,
		RepoPath:    t.repoPath,
		CreatedAt:   t.createdAt,
		StartedAt:   t.startedAt,
		CompletedAt: t.completedAt,
		Pid:         t.pid,
		ExitCode:    t.exitCode,
		Error:       t.errMsg,
	}
}

// Save persists the task snapshot to task.json under the task directory.
func (t *Task) Save() error {
	t.mu.Lock()
	data := t.dataLocked()
	t.mu.Unlock()
	return writeSnapshot(t.SnapshotPath(), t.Dir(), data)
}

// saveLocked persists while the caller holds t.mu. Failures are logged rather
// than returned so transition results stay a bare bool.
func (t *Task) saveLocked() {
	if err := writeSnapshot(t.SnapshotPath(), t.Dir(), t.dataLocked()); err != nil {
		log.ErrorLog.Printf("task %s: failed to save snapshot: %v", t.id, err)
	}
}

func writeSnapshot(path, dir string, data taskData) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0644); err != nil {
		return fmt.Errorf("failed to write task snapshot: %w", err)
	}
	return nil
}

// Load reads a task snapshot from taskDir and reconstructs a functional Task.
func Load(taskDir string) (*Task, error) {
	raw, err := os.ReadFile(filepath.Join(taskDir, "task.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read task snapshot: %w", err)
	}

	var data taskData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse task snapshot: %w", err)
	}

	return &Task{
		id:          data.ID,
		description: data.Description,
		status:      data.Status,
		slot:        data.Slot,
		repoPath:    data.RepoPath,
		createdAt:   data.CreatedAt,
		startedAt:   data.StartedAt,
		completedAt: data.CompletedAt,
		pid:         data.Pid,
		exitCode:    data.ExitCode,
		errMsg:      data.Error,
	}, nil
}

// Result reads result.json if the VM produced one. A missing file is a nil
// result, not an error.
func (t *Task) Result() (map[string]any, error) {
	return readOptionalJSON(t.ResultPath())
}

// MergeResultData reads merge-result.json if a merge was attempted.
func (t *Task) MergeResultData() (map[string]any, error) {
	return readOptionalJSON(t.MergeResultPath())
}

// SaveMergeResult writes the merge outcome next to the task snapshot.
func (t *Task) SaveMergeResult(v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal merge result: %w", err)
	}
	if err := os.WriteFile(t.MergeResultPath(), encoded, 0644); err != nil {
		return fmt.Errorf("failed to write merge result: %w", err)
	}
	return nil
}

func readOptionalJSON(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return result, nil
}
