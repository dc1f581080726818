package vm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Turee/microvm-orchestrator-mcp/log"
	"github.com/Turee/microvm-orchestrator-mcp/task"
)

func TestMain(m *testing.M) {
	log.Initialize()
	code := m.Run()
	log.Close()
	os.Exit(code)
}

// fakeNixBuild installs a stand-in nix-build on PATH that records its
// arguments and produces a build output containing the given runner script.
func fakeNixBuild(t *testing.T, runnerScript string) (argsFile string) {
	t.Helper()
	binDir := t.TempDir()
	storeDir := filepath.Join(t.TempDir(), "store")
	argsFile = filepath.Join(t.TempDir(), "args.txt")

	script := fmt.Sprintf(`#!/bin/bash
printf '%%s\n' "$@" > %q
mkdir -p %q/bin
cat > %q/bin/microvm-run <<'RUNNER'
%s
RUNNER
chmod +x %q/bin/microvm-run
echo %q
`, argsFile, storeDir, storeDir, runnerScript, storeDir, storeDir)

	require.NoError(t, os.WriteFile(filepath.Join(binDir, "nix-build"), []byte(script), 0755))
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return argsFile
}

func testLaunchConfig(t *testing.T) LaunchConfig {
	t.Helper()
	return LaunchConfig{
		NixDir:        t.TempDir(),
		PackageName:   "claude-microvm",
		TaskDir:       "/tmp/tasks/t1",
		IsolatedRepo:  "/tmp/tasks/t1/repo",
		OriginalRepo:  "/home/user/project",
		VarDir:        "/tmp/slots/3/var",
		ContainerDir:  "/tmp/slots/3/container-storage",
		NixStoreImage: "/tmp/slots/3/nix-store.img",
		SocketPath:    "/tmp/tasks/t1/socket",
		Slot:          3,
	}
}

func TestLaunchConfigEnviron(t *testing.T) {
	cfg := testLaunchConfig(t)
	env := cfg.Environ()

	assert.Contains(t, env, "DELEGATE_GIT_DIR=/tmp/tasks/t1/repo/.git")
	assert.Contains(t, env, "DELEGATE_GIT_ROOT=/tmp/tasks/t1/repo")
	assert.Contains(t, env, "DELEGATE_TASK_DIR=/tmp/tasks/t1")
	assert.Contains(t, env, "DELEGATE_ORIGINAL_REPO=/home/user/project")
	assert.Contains(t, env, "DELEGATE_VAR_DIR=/tmp/slots/3/var")
	assert.Contains(t, env, "DELEGATE_SOCKET=/tmp/tasks/t1/socket")
	assert.Contains(t, env, "MICROVM_SLOT=3")
	assert.Contains(t, env, "MICROVM_CONTAINER_DIR=/tmp/slots/3/container-storage")
	assert.Contains(t, env, "MICROVM_NIX_STORE_IMAGE=/tmp/slots/3/nix-store.img")
	assert.Contains(t, env, "MICROVM_PACKAGE=claude-microvm")

	for _, kv := range env {
		assert.False(t, strings.HasPrefix(kv, "MICROVM_CONFIG_FILE="), "config file should be omitted when unset")
	}

	cfg.ConfigFile = "/etc/microvm.toml"
	assert.Contains(t, cfg.Environ(), "MICROVM_CONFIG_FILE=/etc/microvm.toml")
}

func TestBuildVMPassesArgstrs(t *testing.T) {
	argsFile := fakeNixBuild(t, "#!/bin/bash\necho hello\n")
	cfg := testLaunchConfig(t)

	buildPath, err := BuildVM(context.Background(), cfg)
	require.NoError(t, err)

	runner, err := FindRunner(buildPath)
	require.NoError(t, err)
	assert.FileExists(t, runner)

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := strings.Split(strings.TrimSpace(string(raw)), "\n")

	assert.Equal(t, "default.nix", args[0])
	assert.Contains(t, args, "-A")
	assert.Contains(t, args, "claude-microvm")
	assert.Contains(t, args, "result-mcp-3")

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--argstr taskDir /tmp/tasks/t1")
	assert.Contains(t, joined, "--argstr varDir /tmp/slots/3/var")
	assert.Contains(t, joined, "--argstr containerDir /tmp/slots/3/container-storage")
	assert.Contains(t, joined, "--argstr nixStoreImage /tmp/slots/3/nix-store.img")
	assert.Contains(t, joined, "--argstr socketPath /tmp/tasks/t1/socket")
	assert.Contains(t, joined, "--argstr slot 3")
	assert.NotContains(t, joined, "configFile")
}

func TestBuildVMReportsFailure(t *testing.T) {
	binDir := t.TempDir()
	script := "#!/bin/bash\necho boom >&2\nexit 1\n"
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "nix-build"), []byte(script), 0755))
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	_, err := BuildVM(context.Background(), testLaunchConfig(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nix-build failed")
	assert.Contains(t, err.Error(), "boom")
}

func TestFindRunnerMissing(t *testing.T) {
	_, err := FindRunner(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runner not found")
}

func TestPatchRunnerForLogFile(t *testing.T) {
	runnerPath := filepath.Join(t.TempDir(), "microvm-run")
	script := "#!/bin/bash\nqemu -device virtio-serial,stdio -m 2048\n"
	require.NoError(t, os.WriteFile(runnerPath, []byte(script), 0755))

	patched, err := PatchRunnerForLogFile(runnerPath, "/tmp/serial.log")
	require.NoError(t, err)
	assert.Contains(t, patched, "virtio-serial,logFilePath=/tmp/serial.log")
	assert.NotContains(t, patched, "virtio-serial,stdio")
}

func TestProcessRunsToCompletion(t *testing.T) {
	fakeNixBuild(t, "#!/bin/bash\necho \"vm console ready\"\nexit 0\n")
	cfg := testLaunchConfig(t)
	logPath := filepath.Join(t.TempDir(), "serial.log")

	exitCh := make(chan int, 1)
	proc := NewProcess(cfg, logPath, func(code int) { exitCh <- code })

	pid, err := proc.Start(context.Background())
	require.NoError(t, err)
	assert.Greater(t, pid, 0)
	assert.Equal(t, pid, proc.Pid())

	select {
	case code := <-exitCh:
		assert.Equal(t, 0, code)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for exit callback")
	}

	assert.False(t, proc.IsRunning())
	code, finished := proc.ExitCode()
	assert.True(t, finished)
	assert.Equal(t, 0, code)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "vm console ready")
}

func TestProcessReportsNonZeroExit(t *testing.T) {
	fakeNixBuild(t, "#!/bin/bash\nexit 7\n")
	cfg := testLaunchConfig(t)
	logPath := filepath.Join(t.TempDir(), "serial.log")

	exitCh := make(chan int, 1)
	proc := NewProcess(cfg, logPath, func(code int) { exitCh <- code })

	_, err := proc.Start(context.Background())
	require.NoError(t, err)

	select {
	case code := <-exitCh:
		assert.Equal(t, 7, code)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for exit callback")
	}
}

func TestProcessStop(t *testing.T) {
	fakeNixBuild(t, "#!/bin/bash\nsleep 30\n")
	cfg := testLaunchConfig(t)
	logPath := filepath.Join(t.TempDir(), "serial.log")

	exitCh := make(chan int, 1)
	proc := NewProcess(cfg, logPath, func(code int) { exitCh <- code })

	_, err := proc.Start(context.Background())
	require.NoError(t, err)
	require.True(t, proc.IsRunning())

	proc.Stop()

	assert.False(t, proc.IsRunning())
	_, finished := proc.ExitCode()
	assert.True(t, finished)

	select {
	case code := <-exitCh:
		assert.NotEqual(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit callback")
	}
}

func TestProcessStartFailsWithoutBuild(t *testing.T) {
	// An empty PATH directory means nix-build cannot be found.
	t.Setenv("PATH", t.TempDir())

	proc := NewProcess(testLaunchConfig(t), filepath.Join(t.TempDir(), "serial.log"), nil)
	_, err := proc.Start(context.Background())
	assert.Error(t, err)
}

func TestWriteTaskFiles(t *testing.T) {
	repoPath := t.TempDir()
	tk := task.New("Fix the login bug", 2, repoPath)

	require.NoError(t, WriteTaskFiles(tk, "sk-ant-secret", "abc123def"))

	taskDir := tk.Dir()
	desc, err := os.ReadFile(filepath.Join(taskDir, "task.md"))
	require.NoError(t, err)
	assert.Equal(t, "Fix the login bug", string(desc))

	startRef, err := os.ReadFile(filepath.Join(taskDir, "start-ref"))
	require.NoError(t, err)
	assert.Equal(t, "abc123def", string(startRef))

	taskID, err := os.ReadFile(filepath.Join(taskDir, "task-id"))
	require.NoError(t, err)
	assert.Equal(t, tk.ID(), string(taskID))

	keyPath := filepath.Join(taskDir, ".api-key")
	key, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-secret", string(key))

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestEnsureSlotDirs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	slotDir, err := EnsureSlotDirs(4)
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(slotDir, "var"))
	assert.DirExists(t, filepath.Join(slotDir, "container-storage"))
	assert.Contains(t, slotDir, filepath.Join("slots", "4"))
}
