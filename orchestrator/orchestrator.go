// Package orchestrator coordinates the full task lifecycle: resolving a repo
// alias, acquiring a slot, forking an isolated clone, launching the VM, and
// on exit merging the task's commits back and notifying waiters. It owns the
// in-memory maps of live processes and known tasks; everything else it
// delegates to the task, slots, git, vm and events packages.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Turee/microvm-orchestrator-mcp/config"
	"github.com/Turee/microvm-orchestrator-mcp/events"
	"github.com/Turee/microvm-orchestrator-mcp/git"
	"github.com/Turee/microvm-orchestrator-mcp/log"
	"github.com/Turee/microvm-orchestrator-mcp/registry"
	"github.com/Turee/microvm-orchestrator-mcp/slots"
	"github.com/Turee/microvm-orchestrator-mcp/task"
	"github.com/Turee/microvm-orchestrator-mcp/vm"
)

// Runner is the contract the orchestrator needs from a VM process. vm.Process
// implements it; tests substitute fakes through the runner factory.
type Runner interface {
	Start(ctx context.Context) (int, error)
	Stop()
	IsRunning() bool
	ExitCode() (int, bool)
	Pid() int
}

// RunnerFactory builds a Runner for one launch. onExit must be invoked
// exactly once with the process exit code.
type RunnerFactory func(cfg vm.LaunchConfig, logPath string, onExit func(exitCode int)) Runner

func defaultRunnerFactory(cfg vm.LaunchConfig, logPath string, onExit func(exitCode int)) Runner {
	return vm.NewProcess(cfg, logPath, onExit)
}

// Orchestrator drives tasks from request to merged result. It is safe for
// concurrent use by multiple tool handlers.
type Orchestrator struct {
	cfg       *config.Config
	registry  *registry.Registry
	slots     *slots.Manager
	events    *events.Queue
	newRunner RunnerFactory

	mu        sync.Mutex
	processes map[string]Runner
	tasks     map[string]*task.Task
}

// New builds an orchestrator from the given config and sweeps task
// directories left behind by previous sessions.
func New(cfg *config.Config) (*Orchestrator, error) {
	reposPath, err := config.AllowedReposPath()
	if err != nil {
		return nil, err
	}
	assignmentsPath, err := config.SlotAssignmentsPath()
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:       cfg,
		registry:  registry.NewRegistry(reposPath),
		slots:     slots.NewManager(cfg.MaxSlots, assignmentsPath),
		events:    events.NewQueue(),
		newRunner: defaultRunnerFactory,
		processes: make(map[string]Runner),
		tasks:     make(map[string]*task.Task),
	}
	o.cleanupStaleTasks()
	return o, nil
}

// Registry exposes the repo allowlist for the CLI and list_repos tool.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.registry
}

// ListRepos returns a snapshot of the registered repositories.
func (o *Orchestrator) ListRepos() map[string]registry.RepoInfo {
	return o.registry.List()
}

// cleanupStaleTasks removes task directories left over from previous
// sessions. Tasks do not survive an orchestrator restart; their VMs died
// with the parent process.
func (o *Orchestrator) cleanupStaleTasks() {
	for _, info := range o.registry.List() {
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
			if err := os.RemoveAll(taskDir); err != nil {
				log.WarningLog.Printf("failed to clean up task directory %s: %v", taskDir, err)
				continue
			}
			log.InfoLog.Printf("cleaned up stale task directory: %s", entry.Name())
		}
	}
}

// nixDir returns the directory holding default.nix for VM builds.
func (o *Orchestrator) nixDir() (string, error) {
	if _, err := os.Stat(filepath.Join(o.cfg.NixDir, "default.nix")); err != nil {
		return "", fmt.Errorf("nix build files not found at %s, check nix_dir in config.json", o.cfg.NixDir)
	}
	return o.cfg.NixDir, nil
}

// RunTask starts a new task against the repo registered under repoAlias and
// returns the task id. On any failure after slot acquisition the slot is
// released, the task is marked FAILED and a failure event is emitted, so no
// slot can stay held by a task that will never run.
func (o *Orchestrator) RunTask(ctx context.Context, description string, repoAlias string) (string, error) {
	nixDir, err := o.nixDir()
	if err != nil {
		return "", err
	}
	apiKey, err := ResolveAPIKey()
	if err != nil {
		return "", err
	}
	repoPath, err := o.registry.Resolve(repoAlias)
	if err != nil {
		return "", err
	}

	// The id exists before the task so the scheduler can record it.
	id := uuid.New().String()
	slot, err := o.slots.Acquire(repoPath, id)
	if err != nil {
		return "", err
	}

	t := task.NewWithID(id, description, slot, repoPath)
	if err := t.Save(); err != nil {
		return "", o.failTask(t, err)
	}
	o.mu.Lock()
	o.tasks[id] = t
	o.mu.Unlock()

	var startRef string
	err = runGitWork(func() error {
		var gitErr error
		startRef, gitErr = git.SetupIsolatedRepo(repoPath, t.IsolatedRepoPath(), id)
		return gitErr
	})
	if err != nil {
		return "", o.failTask(t, err)
	}

	if err := vm.WriteTaskFiles(t, apiKey, startRef); err != nil {
		return "", o.failTask(t, err)
	}

	slotDir, err := vm.EnsureSlotDirs(slot)
	if err != nil {
		return "", o.failTask(t, err)
	}

	launchCfg := vm.LaunchConfig{
		NixDir:        nixDir,
		PackageName:   o.cfg.PackageName,
		TaskDir:       t.Dir(),
		IsolatedRepo:  t.IsolatedRepoPath(),
		OriginalRepo:  repoPath,
		VarDir:        filepath.Join(slotDir, "var"),
		ContainerDir:  filepath.Join(slotDir, "container-storage"),
		NixStoreImage: filepath.Join(slotDir, "nix-store.img"),
		SocketPath:    filepath.Join(t.Dir(), "socket"),
		Slot:          slot,
	}

	proc := o.newRunner(launchCfg, t.LogPath(), func(exitCode int) {
		o.onTaskExit(t, exitCode)
	})

	// Register before starting so a VM that exits immediately still finds
	// its entry when the exit callback fires.
	o.mu.Lock()
	o.processes[id] = proc
	o.mu.Unlock()

	var pid int
	err = runVMWork(func() error {
		var startErr error
		pid, startErr = proc.Start(ctx)
		return startErr
	})
	if err != nil {
		return "", o.failTask(t, err)
	}

	t.MarkRunning(pid)
	log.InfoLog.Printf("task %s running in slot %d with pid %d", id, slot, pid)
	return id, nil
}

// failTask unwinds a partially started task: the slot is freed, the task
// marked FAILED, a failure event emitted and any registered process entry
// dropped.
func (o *Orchestrator) failTask(t *task.Task, cause error) error {
	o.slots.Release(t.Slot())
	t.MarkFailed(cause.Error())
	o.events.Emit(events.NewFailedEvent(t.ID(), cause.Error()))

	o.mu.Lock()
	delete(o.processes, t.ID())
	o.mu.Unlock()

	return fmt.Errorf("failed to start task: %w", cause)
}

// onTaskExit runs on the VM monitor goroutine when the process terminates.
// It merges the task's commits back when the task reported success, releases
// the slot and wakes event waiters.
func (o *Orchestrator) onTaskExit(t *task.Task, exitCode int) {
	result, err := t.Result()
	if err != nil {
		log.ErrorLog.Printf("task %s: failed to read result: %v", t.ID(), err)
	}

	var mergeResult map[string]any
	if exitCode == 0 && resultSuccess(result) {
		mergeResult = o.mergeTaskCommits(t)
	}

	t.MarkCompleted(exitCode)
	o.slots.Release(t.Slot())

	// Emit before dropping the process entry: waiters check the live
	// process set first and then drain pending events, so this order never
	// strands an event.
	o.events.Emit(events.NewCompletedEvent(t.ID(), exitCode, result, mergeResult))

	o.mu.Lock()
	delete(o.processes, t.ID())
	o.mu.Unlock()
}

// mergeTaskCommits merges a successful task's commits into the original repo
// and persists the outcome. A merge failure is part of the result, not an
// orchestration error.
func (o *Orchestrator) mergeTaskCommits(t *task.Task) map[string]any {
	raw, err := os.ReadFile(t.StartRefPath())
	if err != nil {
		log.WarningLog.Printf("task %s: no start ref recorded, skipping merge: %v", t.ID(), err)
		return nil
	}
	startRef := strings.TrimSpace(string(raw))

	mr, err := git.MergeTaskCommits(t.RepoPath(), t.IsolatedRepoPath(), t.ID(), startRef)
	if err != nil {
		log.ErrorLog.Printf("task %s: merge failed: %v", t.ID(), err)
		return nil
	}
	if err := t.SaveMergeResult(mr); err != nil {
		log.ErrorLog.Printf("task %s: %v", t.ID(), err)
	}

	data, err := t.MergeResultData()
	if err != nil {
		log.ErrorLog.Printf("task %s: failed to reload merge result: %v", t.ID(), err)
	}
	return data
}

func resultSuccess(result map[string]any) bool {
	if result == nil {
		return false
	}
	success, _ := result["success"].(bool)
	return success
}

// WaitOutcome is the result of WaitNextEvent. Exactly one field is set.
type WaitOutcome struct {
	Event          *events.TaskEvent
	NoRunningTasks bool
	TimedOut       bool
}

// WaitNextEvent blocks until a task event arrives or the timeout passes.
// When no tasks are running it drains any pending event first and otherwise
// reports immediately instead of blocking on a queue that cannot fill.
// Cancellation of ctx is returned as its error.
func (o *Orchestrator) WaitNextEvent(ctx context.Context, timeoutMs int) (*WaitOutcome, error) {
	if timeoutMs <= 0 {
		timeoutMs = o.cfg.EventWaitTimeoutMs
	}

	o.mu.Lock()
	running := len(o.processes)
	o.mu.Unlock()

	if running == 0 {
		// The exit path emits its event before unregistering the process,
		// so an empty process set can still have one undelivered event.
		if ev, ok := o.events.TryPop(); ok {
			return &WaitOutcome{Event: ev}, nil
		}
		return &WaitOutcome{NoRunningTasks: true}, nil
	}

	ev, err := o.events.WaitContext(ctx, time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return &WaitOutcome{TimedOut: true}, nil
	}
	return &WaitOutcome{Event: ev}, nil
}

// CleanupTask stops the task's VM if it is still running, removes the task
// directory and optionally the temporary git ref, and forgets the task.
func (o *Orchestrator) CleanupTask(taskID string, deleteRef bool) error {
	t, err := o.getTask(taskID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	proc := o.processes[taskID]
	o.mu.Unlock()

	if proc != nil {
		proc.Stop()
		o.mu.Lock()
		delete(o.processes, taskID)
		o.mu.Unlock()
		// Release explicitly: the exit callback may race with the
		// directory removal below, or not run at all for a VM that never
		// finished booting.
		o.slots.Release(t.Slot())
	}

	err = runGitWork(func() error {
		return os.RemoveAll(t.Dir())
	})
	if err != nil {
		return fmt.Errorf("failed to remove task directory: %w", err)
	}

	if deleteRef {
		_ = runGitWork(func() error {
			git.CleanupTaskRef(t.RepoPath(), taskID)
			return nil
		})
	}

	o.mu.Lock()
	delete(o.tasks, taskID)
	o.mu.Unlock()

	return nil
}

// getTask finds a task in memory or falls back to scanning the registered
// repos for its directory on disk.
func (o *Orchestrator) getTask(taskID string) (*task.Task, error) {
	o.mu.Lock()
	t, ok := o.tasks[taskID]
	o.mu.Unlock()
	if ok {
		return t, nil
	}

	for _, info := range o.registry.List() {
		taskDir := task.Dir(info.Path, taskID)
		if _, err := os.Stat(taskDir); err != nil {
			continue
		}
		loaded, err := task.Load(taskDir)
		if err != nil {
			return nil, err
		}
		o.mu.Lock()
		o.tasks[taskID] = loaded
		o.mu.Unlock()
		return loaded, nil
	}

	return nil, fmt.Errorf("task not found: %s", taskID)
}
