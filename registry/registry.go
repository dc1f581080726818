// Package registry manages the allowlist of repositories that tasks may
// target. Repos are registered under an alias and persisted to
// allowed-repos.json in the config directory; MCP tools only ever see
// aliases, never raw paths.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Turee/microvm-orchestrator-mcp/git"
	"github.com/Turee/microvm-orchestrator-mcp/log"
)

// UnknownRepoError is returned when an alias is not in the allowlist.
type UnknownRepoError struct {
	Alias string
}

func (e *UnknownRepoError) Error() string {
	return fmt.Sprintf("repo '%s' not registered, run: microvm-orchestrator allow", e.Alias)
}

// NotGitRepoError is returned when a path offered for registration is not a
// git repository.
type NotGitRepoError struct {
	Path string
}

func (e *NotGitRepoError) Error() string {
	return fmt.Sprintf("not a git repository: %s", e.Path)
}

// RepoInfo is one allowlist entry.
type RepoInfo struct {
	Path  string `json:"path"`
	Added string `json:"added"`
}

// Registry is the persistent repo allowlist.
type Registry struct {
	mu    sync.Mutex
	path  string
	repos map[string]RepoInfo
}

// NewRegistry loads the allowlist stored at path. A missing or unreadable
// file yields an empty registry.
func NewRegistry(path string) *Registry {
	r := &Registry{
		path:  path,
		repos: make(map[string]RepoInfo),
	}
	r.load()
	return r
}

func (r *Registry) load() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WarningLog.Printf("failed to read repo registry: %v", err)
		}
		return
	}
	repos := make(map[string]RepoInfo)
	if err := json.Unmarshal(data, &repos); err != nil {
		log.WarningLog.Printf("failed to parse repo registry, starting empty: %v", err)
		return
	}
	r.repos = repos
}

func (r *Registry) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}
	data, err := json.MarshalIndent(r.repos, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal repo registry: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write repo registry: %w", err)
	}
	return nil
}

// Allow registers a repository and returns the alias it was stored under.
// When alias is empty the directory name is used. A name already taken by a
// different path gets a numeric suffix (name-2, name-3, ...) instead of
// failing; re-registering the same path refreshes its timestamp and keeps
// the existing alias.
func (r *Registry) Allow(repoPath string, alias string) (string, error) {
	resolved, err := canonicalPath(repoPath)
	if err != nil {
		return "", err
	}
	if !git.IsGitRepository(resolved) {
		return "", &NotGitRepoError{Path: resolved}
	}

	if alias == "" {
		alias = filepath.Base(resolved)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.repos[alias]; ok {
		if existing.Path == resolved {
			existing.Added = time.Now().UTC().Format(time.RFC3339)
			r.repos[alias] = existing
			if err := r.persistLocked(); err != nil {
				return "", err
			}
			return alias, nil
		}

		base := alias
		counter := 2
		for {
			candidate := fmt.Sprintf("%s-%d", base, counter)
			numbered, taken := r.repos[candidate]
			if !taken {
				alias = candidate
				break
			}
			if numbered.Path == resolved {
				return candidate, nil
			}
			counter++
		}
	}

	r.repos[alias] = RepoInfo{
		Path:  resolved,
		Added: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.persistLocked(); err != nil {
		return "", err
	}
	log.InfoLog.Printf("registered repo '%s' at %s", alias, resolved)
	return alias, nil
}

// Resolve returns the absolute path registered under alias.
func (r *Registry) Resolve(alias string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.repos[alias]
	if !ok {
		return "", &UnknownRepoError{Alias: alias}
	}
	return info.Path, nil
}

// List returns a copy of the allowlist keyed by alias.
func (r *Registry) List() map[string]RepoInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	repos := make(map[string]RepoInfo, len(r.repos))
	for alias, info := range r.repos {
		repos[alias] = info
	}
	return repos
}

// Remove deletes an alias from the allowlist.
func (r *Registry) Remove(alias string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.repos[alias]; !ok {
		return &UnknownRepoError{Alias: alias}
	}
	delete(r.repos, alias)
	if err := r.persistLocked(); err != nil {
		return err
	}
	log.InfoLog.Printf("removed repo '%s' from registry", alias)
	return nil
}

// canonicalPath resolves a repo path to its absolute, symlink-free form so
// the same repo always registers identically.
func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
	}
	return resolved, nil
}
