package git

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"

	"github.com/Turee/microvm-orchestrator-mcp/log"
)

// SetupIsolatedRepo creates a standalone clone of originalRepo at taskRepo
// with a task branch checked out, and returns the commit hash the task
// started from. The isolated repo is a full repository, not a worktree, so
// nothing the task does can touch the original's index or working tree.
//
// The clone is populated by fetching from the original. When the fetch path
// fails (odd transport configs, hidden refs) it falls back to snapshotting
// the original's HEAD tree via git archive.
func SetupIsolatedRepo(originalRepo string, taskRepo string, taskID string) (string, error) {
	if err := os.MkdirAll(taskRepo, 0755); err != nil {
		return "", fmt.Errorf("failed to create task repo directory: %w", err)
	}

	startRef, err := CurrentRef(originalRepo)
	if err != nil {
		return "", err
	}

	if _, err := runGitCommand(taskRepo, "init", "--quiet"); err != nil {
		return "", fmt.Errorf("failed to init task repo: %w", err)
	}

	// Commits made inside the isolated repo carry a task-scoped author so
	// they are attributable after the merge back.
	if _, err := runGitCommand(taskRepo, "config", "user.email", fmt.Sprintf("claude-task-%s@microvm.local", taskID)); err != nil {
		return "", fmt.Errorf("failed to configure task author email: %w", err)
	}
	if _, err := runGitCommand(taskRepo, "config", "user.name", fmt.Sprintf("Claude Task (%s)", taskID)); err != nil {
		return "", fmt.Errorf("failed to configure task author name: %w", err)
	}

	if _, err := runGitCommand(taskRepo, "remote", "add", "origin", originalRepo); err != nil {
		return "", fmt.Errorf("failed to add origin remote: %w", err)
	}

	if err := fetchAndBranch(taskRepo, taskID, startRef); err != nil {
		log.WarningLog.Printf("fetch-based setup failed for task %s, falling back to snapshot: %v", taskID, err)
		if err := snapshotFallback(originalRepo, taskRepo, taskID, startRef); err != nil {
			return "", err
		}
	}

	return startRef, nil
}

// fetchAndBranch populates the task repo by fetching the original's objects
// and branching off the captured start ref.
func fetchAndBranch(taskRepo string, taskID string, startRef string) error {
	if _, err := runGitCommand(taskRepo, "fetch", "origin", "--quiet"); err != nil {
		return err
	}
	if _, err := runGitCommand(taskRepo, "checkout", "-b", TaskBranch(taskID), startRef, "--quiet"); err != nil {
		return err
	}
	return nil
}

// snapshotFallback copies the original's HEAD tree into the task repo as a
// fresh initial commit. History is not preserved; the merge path still works
// because reconciliation counts commits from the recorded start ref.
func snapshotFallback(originalRepo string, taskRepo string, taskID string, startRef string) error {
	archive := exec.Command("git", "-C", originalRepo, "archive", "HEAD")
	var tarball, archiveErr bytes.Buffer
	archive.Stdout = &tarball
	archive.Stderr = &archiveErr
	if err := archive.Run(); err != nil {
		return fmt.Errorf("git archive failed: %s (%w)", archiveErr.String(), err)
	}

	untar := exec.Command("tar", "-x")
	untar.Dir = taskRepo
	untar.Stdin = &tarball
	if output, err := untar.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to unpack archive: %s (%w)", output, err)
	}

	if _, err := runGitCommand(taskRepo, "add", "-A"); err != nil {
		return fmt.Errorf("failed to stage snapshot: %w", err)
	}
	if _, err := runGitCommand(taskRepo, "commit", "-m", fmt.Sprintf("Initial copy from %s", startRef), "--quiet"); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	if _, err := runGitCommand(taskRepo, "checkout", "-b", TaskBranch(taskID), "--quiet"); err != nil {
		return fmt.Errorf("failed to create task branch: %w", err)
	}
	return nil
}
