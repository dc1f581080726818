// Package vm builds and runs the microVM that hosts a task's coding agent.
// The VM image is produced by nix-build from the orchestrator's nix directory
// and started through its generated runner script on a pseudo-terminal, so
// the whole thing works headless while the serial console lands in a log
// file.
package vm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Turee/microvm-orchestrator-mcp/config"
)

// LaunchConfig enumerates everything a VM launch needs. Each field maps to a
// --argstr argument of nix-build, an environment variable consumed by the
// runner script, or both. Empty optional fields are simply omitted.
type LaunchConfig struct {
	// NixDir is the directory holding default.nix; nix-build and the runner
	// both execute here.
	NixDir string
	// PackageName is the attribute of default.nix to build.
	PackageName string

	// TaskDir is the per-task state directory on the host.
	TaskDir string
	// IsolatedRepo is the task's private clone the agent works in.
	IsolatedRepo string
	// OriginalRepo is the repository the task was started against.
	OriginalRepo string
	// VarDir is the slot's persistent /var backing store.
	VarDir string
	// ContainerDir is the slot's container-storage directory.
	ContainerDir string
	// NixStoreImage is the slot's writable nix store overlay image.
	NixStoreImage string
	// SocketPath is the host-guest control socket.
	SocketPath string
	// Slot is the slot number the VM runs in.
	Slot int
	// ConfigFile optionally points at an extra guest config file.
	ConfigFile string
}

// argstrArgs returns the nix-build --argstr pairs for the config, in a fixed
// order so builds are reproducible. Unset optional values are skipped.
func (c LaunchConfig) argstrArgs() []string {
	var args []string
	add := func(name, value string) {
		if value != "" {
			args = append(args, "--argstr", name, value)
		}
	}
	add("taskDir", c.TaskDir)
	add("varDir", c.VarDir)
	add("containerDir", c.ContainerDir)
	add("nixStoreImage", c.NixStoreImage)
	add("socketPath", c.SocketPath)
	args = append(args, "--argstr", "slot", strconv.Itoa(c.Slot))
	add("configFile", c.ConfigFile)
	return args
}

// Environ returns the environment variables the runner script and guest
// expect, as KEY=value pairs ready to append to the host environment.
func (c LaunchConfig) Environ() []string {
	env := []string{
		"DELEGATE_GIT_DIR=" + filepath.Join(c.IsolatedRepo, ".git"),
		"DELEGATE_GIT_ROOT=" + c.IsolatedRepo,
		"DELEGATE_TASK_DIR=" + c.TaskDir,
		"DELEGATE_ORIGINAL_REPO=" + c.OriginalRepo,
		"DELEGATE_VAR_DIR=" + c.VarDir,
		"DELEGATE_SOCKET=" + c.SocketPath,
		"MICROVM_SLOT=" + strconv.Itoa(c.Slot),
		"MICROVM_CONTAINER_DIR=" + c.ContainerDir,
		"MICROVM_NIX_STORE_IMAGE=" + c.NixStoreImage,
		"MICROVM_PACKAGE=" + c.PackageName,
	}
	if c.ConfigFile != "" {
		env = append(env, "MICROVM_CONFIG_FILE="+c.ConfigFile)
	}
	return env
}

// resultLink is the per-slot output symlink, so parallel builds in different
// slots never race on the same "result" path.
func (c LaunchConfig) resultLink() string {
	return fmt.Sprintf("result-mcp-%d", c.Slot)
}

// BuildVM runs nix-build for the configured package and returns the store
// path of the build output. Configuration travels via --argstr, which keeps
// the build pure and needs no flake locks.
func BuildVM(ctx context.Context, cfg LaunchConfig) (string, error) {
	args := []string{"default.nix", "-A", cfg.PackageName, "-o", cfg.resultLink()}
	args = append(args, cfg.argstrArgs()...)

	cmd := exec.CommandContext(ctx, "nix-build", args...)
	cmd.Dir = cfg.NixDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("nix-build failed:\nstdout: %s\nstderr: %s (%w)", stdout.String(), stderr.String(), err)
	}

	// nix-build prints the store path on the last line.
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	storePath := lines[len(lines)-1]
	if storePath != "" {
		if _, err := os.Stat(storePath); err == nil {
			return storePath, nil
		}
	}
	return filepath.Join(cfg.NixDir, cfg.resultLink()), nil
}

// FindRunner locates the generated runner script inside a build output.
func FindRunner(buildPath string) (string, error) {
	runner := filepath.Join(buildPath, "bin", "microvm-run")
	if _, err := os.Stat(runner); err != nil {
		return "", fmt.Errorf("runner not found at: %s", runner)
	}
	return runner, nil
}

// PatchRunnerForLogFile rewrites the runner script's serial console from
// stdio to a log file and returns the patched script text. The VM has no
// terminal to talk to here; its console output belongs in serial.log.
func PatchRunnerForLogFile(runnerPath string, logPath string) (string, error) {
	content, err := os.ReadFile(runnerPath)
	if err != nil {
		return "", fmt.Errorf("failed to read runner script: %w", err)
	}
	patched := strings.ReplaceAll(
		string(content),
		"virtio-serial,stdio",
		"virtio-serial,logFilePath="+logPath,
	)
	return patched, nil
}

// SlotDir returns the persistent storage directory for a slot.
func SlotDir(slot int) (string, error) {
	configDir, err := config.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "slots", strconv.Itoa(slot)), nil
}

// EnsureSlotDirs creates a slot's persistent directories and returns the
// slot directory. The nix store overlay image inside it is created lazily by
// the VM itself.
func EnsureSlotDirs(slot int) (string, error) {
	slotDir, err := SlotDir(slot)
	if err != nil {
		return "", err
	}
	for _, sub := range []string{"var", "container-storage"} {
		if err := os.MkdirAll(filepath.Join(slotDir, sub), 0755); err != nil {
			return "", fmt.Errorf("failed to create slot directory: %w", err)
		}
	}
	return slotDir, nil
}
