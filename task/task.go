package task

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Turee/microvm-orchestrator-mcp/log"
)

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusPending indicates a task has been created but not started.
	StatusPending Status = "pending"
	// StatusRunning indicates the task's VM process is executing.
	StatusRunning Status = "running"
	// StatusCompleted indicates the task finished with exit code 0.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the task failed to start or exited non-zero.
	StatusFailed Status = "failed"
)

// validTransitions lists the allowed edges of the task state machine.
// COMPLETED and FAILED are terminal.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed},
	StatusRunning: {StatusCompleted, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Task is one unit of work executed in an isolated VM. All state transitions
// go through the Mark* methods, which serialize on the task's own mutex, so a
// Task is safe to share between the request path and the VM monitor goroutine.
// id, description, slot, repoPath and createdAt never change after
// construction and may be read without the lock.
type Task struct {
	mu sync.Mutex

	id          string
	description string
	status      Status
	slot        int
	repoPath    string
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
	pid         *int
	exitCode    *int
	errMsg      *string
}

// New creates a task in PENDING with a generated id.
func New(description string, slot int, repoPath string) *Task {
	return NewWithID(uuid.New().String(), description, slot, repoPath)
}

// NewWithID creates a task in PENDING under a caller-supplied id. The
// orchestrator generates the id before slot acquisition so the scheduler can
// register it first.
func NewWithID(id string, description string, slot int, repoPath string) *Task {
	return &Task{
		id:          id,
		description: description,
		status:      StatusPending,
		slot:        slot,
		repoPath:    repoPath,
		createdAt:   time.Now().UTC(),
	}
}

func (t *Task) ID() string { return t.id }

func (t *Task) Description() string { return t.description }

func (t *Task) Slot() int { return t.slot }

func (t *Task) RepoPath() string { return t.repoPath }

func (t *Task) CreatedAt() time.Time { return t.createdAt }

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) Pid() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pid == nil {
		return 0, false
	}
	return *t.pid, true
}

func (t *Task) ExitCode() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exitCode == nil {
		return 0, false
	}
	return *t.exitCode, true
}

func (t *Task) ErrorMessage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.errMsg == nil {
		return ""
	}
	return *t.errMsg
}

func (t *Task) StartedAt() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt == nil {
		return time.Time{}, false
	}
	return *t.startedAt, true
}

func (t *Task) CompletedAt() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completedAt == nil {
		return time.Time{}, false
	}
	return *t.completedAt, true
}

// IsTerminal reports whether the task reached COMPLETED or FAILED.
func (t *Task) IsTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == StatusCompleted || t.status == StatusFailed
}

// MarkRunning attempts PENDING to RUNNING, recording the VM pid and start
// time. Returns false without error when the transition is not allowed;
// callers must check the result rather than assume success.
func (t *Task) MarkRunning(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !canTransition(t.status, StatusRunning) {
		log.WarningLog.Printf("task %s: cannot mark as running, current status is %s", t.id, t.status)
		return false
	}

	now := time.Now().UTC()
	t.status = StatusRunning
	t.startedAt = &now
	t.pid = &pid
	t.saveLocked()
	return true
}

// MarkCompleted moves a RUNNING task to COMPLETED when exitCode is zero,
// FAILED otherwise. Same non-throwing discipline as MarkRunning.
func (t *Task) MarkCompleted(exitCode int) bool {
	target := StatusCompleted
	if exitCode != 0 {
		target = StatusFailed
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusRunning || !canTransition(t.status, target) {
		log.WarningLog.Printf("task %s: cannot mark as %s, current status is %s", t.id, target, t.status)
		return false
	}

	now := time.Now().UTC()
	t.status = target
	t.completedAt = &now
	t.exitCode = &exitCode
	t.saveLocked()
	return true
}

// MarkFailed moves any non-terminal task to FAILED with an error message.
func (t *Task) MarkFailed(msg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !canTransition(t.status, StatusFailed) {
		log.WarningLog.Printf("task %s: cannot mark as failed, current status is %s", t.id, t.status)
		return false
	}

	now := time.Now().UTC()
	t.status = StatusFailed
	t.completedAt = &now
	t.errMsg = &msg
	t.saveLocked()
	return true
}

// Dir computes the task directory for a repo path and task id. The result is
// a pure function of its inputs and never changes over a task's lifetime.
func Dir(repoPath, id string) string {
	return filepath.Join(repoPath, ".microvm", "tasks", id)
}

// Dir returns the directory holding all of this task's files.
func (t *Task) Dir() string {
	return Dir(t.repoPath, t.id)
}

// IsolatedRepoPath returns the isolated git clone the VM works in.
func (t *Task) IsolatedRepoPath() string {
	return filepath.Join(t.Dir(), "repo")
}

// LogPath returns the serial console log file.
func (t *Task) LogPath() string {
	return filepath.Join(t.Dir(), "serial.log")
}

// ResultPath returns the result.json file written by the VM.
func (t *Task) ResultPath() string {
	return filepath.Join(t.Dir(), "result.json")
}

// MergeResultPath returns the merge-result.json file.
func (t *Task) MergeResultPath() string {
	return filepath.Join(t.Dir(), "merge-result.json")
}

// SnapshotPath returns the task.json metadata file.
func (t *Task) SnapshotPath() string {
	return filepath.Join(t.Dir(), "task.json")
}

// StartRefPath returns the file recording the starting commit.
func (t *Task) StartRefPath() string {
	return filepath.Join(t.Dir(), "start-ref")
}

// APIKeyPath returns the temporary credential file. The VM deletes it after
// reading.
func (t *Task) APIKeyPath() string {
	return filepath.Join(t.Dir(), ".api-key")
}
