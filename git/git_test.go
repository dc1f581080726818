package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Turee/microvm-orchestrator-mcp/log"
)

func TestMain(m *testing.M) {
	log.Initialize()
	code := m.Run()
	log.Close()
	os.Exit(code)
}

// gitExec runs a git command in dir and fails the test on error.
func gitExec(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, output)
	return string(output)
}

// setupTestRepo creates a git repository on branch main with one commit
func setupTestRepo(t *testing.T, repoPath string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(repoPath, 0755))
	gitExec(t, repoPath, "init", "-b", "main")
	gitExec(t, repoPath, "config", "user.email", "test@example.com")
	gitExec(t, repoPath, "config", "user.name", "Test User")

	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("# Test Repo\n"), 0644))
	gitExec(t, repoPath, "add", ".")
	gitExec(t, repoPath, "commit", "-m", "Initial commit")
}

// addCommit writes a file and commits it, returning the new HEAD hash.
func addCommit(t *testing.T, repoPath, name, content, message string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(repoPath, name), []byte(content), 0644))
	gitExec(t, repoPath, "add", ".")
	gitExec(t, repoPath, "commit", "-m", message)
	return strings.TrimSpace(gitExec(t, repoPath, "rev-parse", "HEAD"))
}

func TestCurrentRef(t *testing.T) {
	repoPath := filepath.Join(t.TempDir(), "repo")
	setupTestRepo(t, repoPath)

	ref, err := CurrentRef(repoPath)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{40}$`), ref)

	_, err = CurrentRef(t.TempDir())
	assert.Error(t, err)
}

func TestCurrentBranch(t *testing.T) {
	repoPath := filepath.Join(t.TempDir(), "repo")
	setupTestRepo(t, repoPath)

	branch, err := CurrentBranch(repoPath)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	gitExec(t, repoPath, "checkout", "--detach", "--quiet")
	branch, err = CurrentBranch(repoPath)
	require.NoError(t, err)
	assert.Equal(t, "", branch)
}

func TestIsGitRepository(t *testing.T) {
	repoPath := filepath.Join(t.TempDir(), "repo")
	setupTestRepo(t, repoPath)

	assert.True(t, IsGitRepository(repoPath))
	assert.False(t, IsGitRepository(t.TempDir()))
}

func TestSetupIsolatedRepo(t *testing.T) {
	t.Run("fetches and branches from current HEAD", func(t *testing.T) {
		tempDir := t.TempDir()
		original := filepath.Join(tempDir, "original")
		setupTestRepo(t, original)
		wantRef := strings.TrimSpace(gitExec(t, original, "rev-parse", "HEAD"))

		taskRepo := filepath.Join(tempDir, "task-repo")
		startRef, err := SetupIsolatedRepo(original, taskRepo, "abc123")
		require.NoError(t, err)
		assert.Equal(t, wantRef, startRef)

		branch, err := CurrentBranch(taskRepo)
		require.NoError(t, err)
		assert.Equal(t, "task-abc123", branch)

		assert.FileExists(t, filepath.Join(taskRepo, "README.md"))
	})

	t.Run("configures task-scoped identity", func(t *testing.T) {
		tempDir := t.TempDir()
		original := filepath.Join(tempDir, "original")
		setupTestRepo(t, original)

		taskRepo := filepath.Join(tempDir, "task-repo")
		_, err := SetupIsolatedRepo(original, taskRepo, "abc123")
		require.NoError(t, err)

		email := strings.TrimSpace(gitExec(t, taskRepo, "config", "user.email"))
		assert.Equal(t, "claude-task-abc123@microvm.local", email)
		name := strings.TrimSpace(gitExec(t, taskRepo, "config", "user.name"))
		assert.Equal(t, "Claude Task (abc123)", name)

		// Commits made in the isolated repo use that identity.
		addCommit(t, taskRepo, "work.txt", "done\n", "Task work")
		author := gitExec(t, taskRepo, "log", "-1", "--format=%ae")
		assert.Equal(t, "claude-task-abc123@microvm.local", strings.TrimSpace(author))
	})

	t.Run("falls back to snapshot when fetch cannot see refs", func(t *testing.T) {
		tempDir := t.TempDir()
		original := filepath.Join(tempDir, "original")
		setupTestRepo(t, original)
		// Hiding every ref makes the fetch come back empty, so branching
		// off the start commit fails and the archive path takes over.
		gitExec(t, original, "config", "transfer.hideRefs", "refs/")
		wantRef := strings.TrimSpace(gitExec(t, original, "rev-parse", "HEAD"))

		taskRepo := filepath.Join(tempDir, "task-repo")
		startRef, err := SetupIsolatedRepo(original, taskRepo, "abc123")
		require.NoError(t, err)
		assert.Equal(t, wantRef, startRef)

		branch, err := CurrentBranch(taskRepo)
		require.NoError(t, err)
		assert.Equal(t, "task-abc123", branch)
		assert.FileExists(t, filepath.Join(taskRepo, "README.md"))

		subject := gitExec(t, taskRepo, "log", "-1", "--format=%s")
		assert.Equal(t, "Initial copy from "+wantRef, strings.TrimSpace(subject))
	})

	t.Run("fails when original has no commits", func(t *testing.T) {
		tempDir := t.TempDir()
		original := filepath.Join(tempDir, "original")
		require.NoError(t, os.MkdirAll(original, 0755))
		gitExec(t, original, "init", "-b", "main")

		_, err := SetupIsolatedRepo(original, filepath.Join(tempDir, "task-repo"), "abc123")
		assert.Error(t, err)
	})
}

// setupMergeScenario builds an original repo plus an isolated task repo and
// returns both paths with the recorded start ref.
func setupMergeScenario(t *testing.T, taskID string) (original, taskRepo, startRef string) {
	t.Helper()
	tempDir := t.TempDir()
	original = filepath.Join(tempDir, "original")
	setupTestRepo(t, original)

	taskRepo = filepath.Join(tempDir, "task-repo")
	var err error
	startRef, err = SetupIsolatedRepo(original, taskRepo, taskID)
	require.NoError(t, err)
	return original, taskRepo, startRef
}

func TestMergeTaskCommits(t *testing.T) {
	t.Run("no new commits", func(t *testing.T) {
		original, taskRepo, startRef := setupMergeScenario(t, "t1")

		result, err := MergeTaskCommits(original, taskRepo, "t1", startRef)
		require.NoError(t, err)
		assert.True(t, result.Merged)
		assert.Equal(t, MethodNone, result.Method)
		assert.Equal(t, 0, result.Commits)
		assert.Empty(t, result.Conflicts)
	})

	t.Run("fast-forward when original unchanged", func(t *testing.T) {
		original, taskRepo, startRef := setupMergeScenario(t, "t2")
		addCommit(t, taskRepo, "feature.txt", "one\n", "Add feature")
		want := addCommit(t, taskRepo, "feature.txt", "two\n", "Refine feature")

		result, err := MergeTaskCommits(original, taskRepo, "t2", startRef)
		require.NoError(t, err)
		assert.True(t, result.Merged)
		assert.Equal(t, MethodFastForward, result.Method)
		assert.Equal(t, 2, result.Commits)

		head, err := CurrentRef(original)
		require.NoError(t, err)
		assert.Equal(t, want, head)

		branch, err := CurrentBranch(original)
		require.NoError(t, err)
		assert.Equal(t, "main", branch)

		// The temporary ref is consumed by a successful merge.
		assert.False(t, CleanupTaskRef(original, "t2"))
	})

	t.Run("rebase when original advanced", func(t *testing.T) {
		original, taskRepo, startRef := setupMergeScenario(t, "t3")
		addCommit(t, taskRepo, "feature.txt", "feature\n", "Add feature")
		addCommit(t, original, "other.txt", "other\n", "Concurrent change")

		result, err := MergeTaskCommits(original, taskRepo, "t3", startRef)
		require.NoError(t, err)
		assert.True(t, result.Merged)
		assert.Equal(t, MethodRebase, result.Method)
		assert.Equal(t, 1, result.Commits)

		assert.FileExists(t, filepath.Join(original, "feature.txt"))
		assert.FileExists(t, filepath.Join(original, "other.txt"))

		branch, err := CurrentBranch(original)
		require.NoError(t, err)
		assert.Equal(t, "main", branch)

		// The scratch rebase branch is gone.
		branches := gitExec(t, original, "branch", "--list", "rebase-t3")
		assert.Empty(t, strings.TrimSpace(branches))
	})

	t.Run("conflicts abort cleanly", func(t *testing.T) {
		original, taskRepo, startRef := setupMergeScenario(t, "t4")
		addCommit(t, taskRepo, "README.md", "task version\n", "Task edit")
		addCommit(t, original, "README.md", "original version\n", "Original edit")

		result, err := MergeTaskCommits(original, taskRepo, "t4", startRef)
		require.NoError(t, err)
		assert.False(t, result.Merged)
		assert.Equal(t, ReasonConflicts, result.Reason)
		assert.Contains(t, result.Conflicts, "README.md")
		assert.Equal(t, TaskRefName("t4"), result.TaskRef)

		// The original is back on its branch with its own content.
		branch, err := CurrentBranch(original)
		require.NoError(t, err)
		assert.Equal(t, "main", branch)
		content, readErr := os.ReadFile(filepath.Join(original, "README.md"))
		require.NoError(t, readErr)
		assert.Equal(t, "original version\n", string(content))

		status := gitExec(t, original, "status", "--porcelain")
		assert.Empty(t, strings.TrimSpace(status))

		// The task ref survives a failed merge for later inspection.
		assert.True(t, CleanupTaskRef(original, "t4"))
	})

	t.Run("rebase restores detached HEAD", func(t *testing.T) {
		original, taskRepo, startRef := setupMergeScenario(t, "t5")
		addCommit(t, taskRepo, "feature.txt", "feature\n", "Add feature")
		addCommit(t, original, "other.txt", "other\n", "Concurrent change")
		gitExec(t, original, "checkout", "--detach", "--quiet")

		result, err := MergeTaskCommits(original, taskRepo, "t5", startRef)
		require.NoError(t, err)
		assert.True(t, result.Merged)
		assert.Equal(t, MethodRebase, result.Method)

		// Still detached, now at the rebased tip.
		branch, err := CurrentBranch(original)
		require.NoError(t, err)
		assert.Equal(t, "", branch)
		assert.FileExists(t, filepath.Join(original, "feature.txt"))
		assert.FileExists(t, filepath.Join(original, "other.txt"))
	})

	t.Run("fetch failure", func(t *testing.T) {
		original, _, startRef := setupMergeScenario(t, "t6")

		result, err := MergeTaskCommits(original, filepath.Join(t.TempDir(), "missing"), "t6", startRef)
		require.NoError(t, err)
		assert.False(t, result.Merged)
		assert.Equal(t, ReasonFetchFailed, result.Reason)
		assert.Equal(t, TaskRefName("t6"), result.TaskRef)
	})
}

func TestCleanupTaskRef(t *testing.T) {
	original, taskRepo, _ := setupMergeScenario(t, "t7")
	addCommit(t, taskRepo, "feature.txt", "feature\n", "Add feature")

	// Plant the ref the way a merge fetch would.
	gitExec(t, original, "fetch", taskRepo, TaskBranch("t7")+":"+TaskRefName("t7"))

	assert.True(t, CleanupTaskRef(original, "t7"))
	assert.False(t, CleanupTaskRef(original, "t7"))
}
