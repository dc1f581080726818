package git

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/Turee/microvm-orchestrator-mcp/log"
)

// Merge methods and failure reasons reported in MergeResult.
const (
	MethodFastForward = "fast-forward"
	MethodRebase      = "rebase"
	MethodNone        = "none"

	ReasonConflicts   = "conflicts"
	ReasonFetchFailed = "fetch_failed"
)

// MergeResult describes the outcome of merging a task's commits back into
// the original repository.
type MergeResult struct {
	Merged    bool     `json:"merged"`
	Method    string   `json:"method,omitempty"`
	Commits   int      `json:"commits"`
	Conflicts []string `json:"conflicts"`
	Reason    string   `json:"reason,omitempty"`
	TaskRef   string   `json:"task_ref,omitempty"`
}

// MergeTaskCommits merges commits the task made in its isolated repo back
// into the original repository. The task branch is fetched under a temporary
// ref, then applied by fast-forward when the original's HEAD has not moved
// since the task started, or replayed with a rebase otherwise.
//
// Conflicts never leave the original repository dirty: the rebase is aborted
// and the previous checkout restored before reporting. An error return means
// the restore itself failed and the repository may need manual attention.
func MergeTaskCommits(originalRepo string, taskRepo string, taskID string, startRef string) (*MergeResult, error) {
	taskRef := TaskRefName(taskID)

	refspec := fmt.Sprintf("%s:%s", TaskBranch(taskID), taskRef)
	if _, err := runGitCommand(originalRepo, "fetch", taskRepo, refspec); err != nil {
		log.ErrorLog.Printf("failed to fetch task branch for %s: %v", taskID, err)
		return &MergeResult{Merged: false, Reason: ReasonFetchFailed, TaskRef: taskRef, Conflicts: []string{}}, nil
	}

	commitCount := 0
	if output, err := runGitCommand(originalRepo, "rev-list", "--count", startRef+".."+taskRef); err == nil {
		if n, convErr := strconv.Atoi(strings.TrimSpace(output)); convErr == nil {
			commitCount = n
		}
	}
	if commitCount == 0 {
		// Nothing to merge still counts as success. The task ref stays
		// behind for CleanupTaskRef.
		return &MergeResult{Merged: true, Method: MethodNone, Commits: 0, Conflicts: []string{}}, nil
	}

	currentHead, err := CurrentRef(originalRepo)
	if err != nil {
		return nil, err
	}
	currentBranch, err := CurrentBranch(originalRepo)
	if err != nil {
		currentBranch = ""
	}

	if currentHead == startRef {
		if _, err := runGitCommand(originalRepo, "merge", "--ff-only", taskRef); err == nil {
			_, _ = runGitCommand(originalRepo, "update-ref", "-d", taskRef)
			return &MergeResult{Merged: true, Method: MethodFastForward, Commits: commitCount, Conflicts: []string{}}, nil
		}
		log.WarningLog.Printf("fast-forward of %s failed despite unmoved HEAD, rebasing", taskRef)
	}

	// The original moved on while the task ran. Replay the task commits on
	// top of the current HEAD on a scratch branch, then fast-forward the
	// original checkout onto it.
	rebaseBranch := "rebase-" + taskID
	_, _ = runGitCommand(originalRepo, "checkout", "-b", rebaseBranch, taskRef, "--quiet")
	if _, err := runGitCommand(originalRepo, "rebase", currentHead); err == nil {
		if err := restoreCheckout(originalRepo, currentBranch, currentHead); err != nil {
			return nil, err
		}
		if _, err := runGitCommand(originalRepo, "merge", "--ff-only", rebaseBranch); err != nil {
			return nil, fmt.Errorf("failed to fast-forward onto rebased branch: %w", err)
		}
		_, _ = runGitCommand(originalRepo, "branch", "-d", rebaseBranch)
		_, _ = runGitCommand(originalRepo, "update-ref", "-d", taskRef)
		return &MergeResult{Merged: true, Method: MethodRebase, Commits: commitCount, Conflicts: []string{}}, nil
	}

	conflicts := []string{}
	if output, err := runGitCommand(originalRepo, "diff", "--name-only", "--diff-filter=U"); err == nil {
		for _, file := range strings.Split(strings.TrimSpace(output), "\n") {
			if file != "" {
				conflicts = append(conflicts, file)
			}
		}
	}
	_, _ = runGitCommand(originalRepo, "rebase", "--abort")
	if err := restoreCheckout(originalRepo, currentBranch, currentHead); err != nil {
		return nil, err
	}
	_, _ = runGitCommand(originalRepo, "branch", "-D", rebaseBranch)

	return &MergeResult{
		Merged:    false,
		Reason:    ReasonConflicts,
		Conflicts: conflicts,
		TaskRef:   taskRef,
		Commits:   commitCount,
	}, nil
}

// restoreCheckout returns the original repository to whatever was checked
// out before the merge attempt: the branch when one was, the bare commit
// when HEAD was detached.
func restoreCheckout(repoPath string, branch string, head string) error {
	target := branch
	if target == "" {
		target = head
	}
	if _, err := runGitCommand(repoPath, "checkout", target, "--quiet"); err != nil {
		return fmt.Errorf("failed to restore checkout of %s: %w", target, err)
	}
	return nil
}

// CleanupTaskRef removes the temporary task ref from the original repository
// if it is still present, reporting whether a ref was actually deleted.
func CleanupTaskRef(originalRepo string, taskID string) bool {
	repo, err := git.PlainOpen(originalRepo)
	if err != nil {
		log.ErrorLog.Printf("failed to open repository for ref cleanup: %v", err)
		return false
	}

	refName := plumbing.ReferenceName(TaskRefName(taskID))
	if _, err := repo.Reference(refName, false); err != nil {
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			log.ErrorLog.Printf("failed to check task ref %s: %v", refName, err)
		}
		return false
	}

	if err := repo.Storer.RemoveReference(refName); err != nil {
		log.ErrorLog.Printf("failed to remove task ref %s: %v", refName, err)
		return false
	}
	return true
}
