package vm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Turee/microvm-orchestrator-mcp/task"
)

// WriteTaskFiles lays down the files the guest reads on boot: the task
// description, the commit the task branched from, the task id, and the API
// key. The key file is mode 0600 and the guest deletes it after reading.
func WriteTaskFiles(t *task.Task, apiKey string, startRef string) error {
	taskDir := t.Dir()
	if err := os.MkdirAll(taskDir, 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}

	files := []struct {
		name    string
		content string
		perm    os.FileMode
	}{
		{"task.md", t.Description(), 0644},
		{"start-ref", startRef, 0644},
		{"task-id", t.ID(), 0644},
		{".api-key", apiKey, 0600},
	}
	for _, f := range files {
		path := filepath.Join(taskDir, f.name)
		if err := os.WriteFile(path, []byte(f.content), f.perm); err != nil {
			return fmt.Errorf("failed to write %s: %w", f.name, err)
		}
	}
	return nil
}
