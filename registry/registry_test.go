package registry

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
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

// makeGitRepo initializes an empty git repository under dir/name and returns
// its symlink-resolved path, which is what the registry stores.
func makeGitRepo(t *testing.T, dir, name string) string {
	t.Helper()
	repoPath := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(repoPath, 0755))
	cmd := exec.Command("git", "init", "-b", "main")
	cmd.Dir = repoPath
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "git init: %s", output)

	resolved, err := filepath.EvalSymlinks(repoPath)
	require.NoError(t, err)
	return resolved
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(filepath.Join(t.TempDir(), "allowed-repos.json"))
}

func TestAllowDefaultsToDirectoryName(t *testing.T) {
	r := newTestRegistry(t)
	repoPath := makeGitRepo(t, t.TempDir(), "myproject")

	alias, err := r.Allow(repoPath, "")
	require.NoError(t, err)
	assert.Equal(t, "myproject", alias)

	resolved, err := r.Resolve("myproject")
	require.NoError(t, err)
	assert.Equal(t, repoPath, resolved)
}

func TestAllowCustomAlias(t *testing.T) {
	r := newTestRegistry(t)
	repoPath := makeGitRepo(t, t.TempDir(), "myproject")

	alias, err := r.Allow(repoPath, "work")
	require.NoError(t, err)
	assert.Equal(t, "work", alias)
}

func TestAllowRejectsNonGitPath(t *testing.T) {
	r := newTestRegistry(t)
	plainDir := t.TempDir()

	_, err := r.Allow(plainDir, "")
	require.Error(t, err)
	var notGit *NotGitRepoError
	assert.ErrorAs(t, err, &notGit)
}

func TestAllowSamePathIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	repoPath := makeGitRepo(t, t.TempDir(), "myproject")

	first, err := r.Allow(repoPath, "")
	require.NoError(t, err)
	second, err := r.Allow(repoPath, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, r.List(), 1)
}

func TestAllowCollidingAliasGetsNumbered(t *testing.T) {
	r := newTestRegistry(t)
	dirA := t.TempDir()
	dirB := t.TempDir()
	dirC := t.TempDir()
	repoA := makeGitRepo(t, dirA, "myproject")
	repoB := makeGitRepo(t, dirB, "myproject")
	repoC := makeGitRepo(t, dirC, "myproject")

	alias, err := r.Allow(repoA, "")
	require.NoError(t, err)
	assert.Equal(t, "myproject", alias)

	alias, err = r.Allow(repoB, "")
	require.NoError(t, err)
	assert.Equal(t, "myproject-2", alias)

	alias, err = r.Allow(repoC, "")
	require.NoError(t, err)
	assert.Equal(t, "myproject-3", alias)

	// Registering the second repo again finds its numbered alias.
	alias, err = r.Allow(repoB, "")
	require.NoError(t, err)
	assert.Equal(t, "myproject-2", alias)
	assert.Len(t, r.List(), 3)
}

func TestResolveUnknownAlias(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Resolve("ghost")
	require.Error(t, err)
	var unknown *UnknownRepoError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "ghost", unknown.Alias)
}

func TestRemove(t *testing.T) {
	r := newTestRegistry(t)
	repoPath := makeGitRepo(t, t.TempDir(), "myproject")

	_, err := r.Allow(repoPath, "")
	require.NoError(t, err)
	require.NoError(t, r.Remove("myproject"))

	_, err = r.Resolve("myproject")
	assert.Error(t, err)

	err = r.Remove("myproject")
	var unknown *UnknownRepoError
	assert.ErrorAs(t, err, &unknown)
}

func TestRegistrySurvivesRestart(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "allowed-repos.json")
	repoPath := makeGitRepo(t, t.TempDir(), "myproject")

	r := NewRegistry(statePath)
	_, err := r.Allow(repoPath, "")
	require.NoError(t, err)

	reloaded := NewRegistry(statePath)
	resolved, err := reloaded.Resolve("myproject")
	require.NoError(t, err)
	assert.Equal(t, repoPath, resolved)

	info := reloaded.List()["myproject"]
	assert.Equal(t, repoPath, info.Path)
	assert.NotEmpty(t, info.Added)
}

func TestRegistryPersistedShape(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "allowed-repos.json")
	repoPath := makeGitRepo(t, t.TempDir(), "myproject")

	r := NewRegistry(statePath)
	_, err := r.Allow(repoPath, "")
	require.NoError(t, err)

	data, err := os.ReadFile(statePath)
	require.NoError(t, err)
	var onDisk map[string]map[string]string
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, repoPath, onDisk["myproject"]["path"])
	assert.NotEmpty(t, onDisk["myproject"]["added"])
}

func TestRegistryToleratesCorruptStateFile(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "allowed-repos.json")
	require.NoError(t, os.WriteFile(statePath, []byte("{not json"), 0644))

	r := NewRegistry(statePath)
	assert.Empty(t, r.List())
}

func TestRegistryResolvesSymlinks(t *testing.T) {
	r := newTestRegistry(t)
	repoPath := makeGitRepo(t, t.TempDir(), "myproject")
	linkPath := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(repoPath, linkPath))

	aliasDirect, err := r.Allow(repoPath, "")
	require.NoError(t, err)
	aliasLinked, err := r.Allow(linkPath, "")
	require.NoError(t, err)
	assert.Equal(t, aliasDirect, aliasLinked)
	assert.Len(t, r.List(), 1)
}
