package vm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/Turee/microvm-orchestrator-mcp/log"
)

// stopGracePeriod is how long Stop waits after SIGTERM before killing.
const stopGracePeriod = 10 * time.Second

// Process manages one running microVM. The VM is started on a
// pseudo-terminal so the runner script never needs a real TTY, and a monitor
// goroutine drains the console into the task's serial log until the process
// exits.
type Process struct {
	cfg     LaunchConfig
	logPath string
	onExit  func(exitCode int)

	mu       sync.Mutex
	cmd      *exec.Cmd
	ptmx     *os.File
	exitCode *int

	done chan struct{}
}

// NewProcess prepares a VM process. onExit, when non-nil, is invoked exactly
// once from the monitor goroutine after the process terminates.
func NewProcess(cfg LaunchConfig, logPath string, onExit func(exitCode int)) *Process {
	return &Process{
		cfg:     cfg,
		logPath: logPath,
		onExit:  onExit,
		done:    make(chan struct{}),
	}
}

// Start builds the VM, patches the runner script to log to the serial file,
// and launches it. It returns the PID of the runner process. The context
// bounds only the nix-build phase; once launched the VM runs detached.
func (p *Process) Start(ctx context.Context) (int, error) {
	buildPath, err := BuildVM(ctx, p.cfg)
	if err != nil {
		return 0, err
	}
	runnerPath, err := FindRunner(buildPath)
	if err != nil {
		return 0, err
	}
	script, err := PatchRunnerForLogFile(runnerPath, p.logPath)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(p.logPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.OpenFile(p.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open serial log: %w", err)
	}

	cmd := exec.Command("bash", "-c", script)
	cmd.Dir = p.cfg.NixDir
	cmd.Env = append(os.Environ(), p.cfg.Environ()...)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		_ = logFile.Close()
		return 0, fmt.Errorf("failed to start VM process: %w", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.ptmx = ptmx
	p.mu.Unlock()

	go p.monitor(logFile)

	return cmd.Process.Pid, nil
}

// monitor drains the console pty into the serial log, reaps the process and
// reports its exit code.
func (p *Process) monitor(logFile *os.File) {
	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			if _, werr := logFile.Write(buf[:n]); werr == nil {
				_ = logFile.Sync()
			}
		}
		if err != nil {
			// Read fails with EIO once the child side closes.
			break
		}
	}
	_ = logFile.Close()
	_ = p.ptmx.Close()

	exitCode := 0
	if err := p.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			log.ErrorLog.Printf("failed to wait for VM process: %v", err)
			exitCode = -1
		}
	}

	p.mu.Lock()
	p.exitCode = &exitCode
	p.mu.Unlock()
	close(p.done)

	if p.onExit != nil {
		p.onExit(exitCode)
	}
}

// Stop terminates the VM, first with SIGTERM, then with SIGKILL if it has
// not exited within the grace period. It returns once the process is reaped.
func (p *Process) Stop() {
	p.mu.Lock()
	cmd := p.cmd
	running := cmd != nil && p.exitCode == nil
	p.mu.Unlock()
	if !running {
		return
	}

	pid := cmd.Process.Pid
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		log.WarningLog.Printf("failed to signal VM process %d: %v", pid, err)
	}

	select {
	case <-p.done:
	case <-time.After(stopGracePeriod):
		log.WarningLog.Printf("VM process %d ignored SIGTERM, killing", pid)
		_ = unix.Kill(pid, unix.SIGKILL)
		<-p.done
	}
}

// IsRunning reports whether the VM process is still alive.
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil && p.exitCode == nil
}

// ExitCode returns the process exit code once it has terminated.
func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exitCode == nil {
		return 0, false
	}
	return *p.exitCode, true
}

// Pid returns the runner process PID, or 0 before Start.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
