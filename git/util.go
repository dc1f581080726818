// Package git implements the isolation and reconciliation protocol for task
// repositories: forking an isolated clone for a task and merging the task's
// commits back into the original repository.
package git

import (
	"fmt"
	"os/exec"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// runGitCommand executes a git command in path and returns its combined output
func runGitCommand(path string, args ...string) (string, error) {
	baseArgs := []string{"-C", path}
	cmd := exec.Command("git", append(baseArgs, args...)...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git command failed: %s (%w)", output, err)
	}

	return string(output), nil
}

// TaskBranch returns the branch name used inside a task's isolated repo.
func TaskBranch(taskID string) string {
	return "task-" + taskID
}

// TaskRefName returns the temporary reference the task branch is fetched
// under in the original repository.
func TaskRefName(taskID string) string {
	return "refs/tasks/" + taskID
}

// CurrentRef returns the commit hash of HEAD.
func CurrentRef(repoPath string) (string, error) {
	output, err := runGitCommand(repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get HEAD commit hash: %w", err)
	}
	return strings.TrimSpace(output), nil
}

// CurrentBranch returns the checked-out branch name, or "" when HEAD is
// detached.
func CurrentBranch(repoPath string) (string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", fmt.Errorf("failed to open repository: %w", err)
	}

	head, err := repo.Reference(plumbing.HEAD, false)
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}
	if head.Type() == plumbing.SymbolicReference && head.Target().IsBranch() {
		return head.Target().Short(), nil
	}
	return "", nil
}

// IsGitRepository reports whether path contains a git repository.
func IsGitRepository(path string) bool {
	_, err := git.PlainOpen(path)
	return err == nil
}
