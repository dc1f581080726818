// Package slots assigns numbered VM slots to tasks. Each repo hashes to a
// preferred slot so successive tasks on the same repo reuse that slot's
// persistent caches, with fallback to any free slot under contention.
package slots

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Turee/microvm-orchestrator-mcp/log"
)

// AllSlotsBusyError reports that no slot could be acquired. Active carries a
// snapshot of the occupancy at the time of failure for diagnostics.
type AllSlotsBusyError struct {
	MaxSlots int
	Active   map[int]string
}

func (e *AllSlotsBusyError) Error() string {
	tasks := make([]string, 0, len(e.Active))
	slots := make([]int, 0, len(e.Active))
	for slot := range e.Active {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	for _, slot := range slots {
		tasks = append(tasks, e.Active[slot])
	}
	return fmt.Sprintf("all %d slots are busy, active tasks: %v", e.MaxSlots, tasks)
}

// Manager hands out slot numbers 1..maxSlots. The affinity map (repo hash to
// preferred slot) is persisted; occupancy is in-memory only and rebuilt from
// scratch each process. One mutex serializes every read and write.
type Manager struct {
	mu         sync.Mutex
	maxSlots   int
	statePath  string
	repoToSlot map[string]int
	occupancy  map[int]string
}

// NewManager creates a slot manager, loading any persisted affinity map from
// statePath. A missing or unreadable file starts the manager empty.
func NewManager(maxSlots int, statePath string) *Manager {
	m := &Manager{
		maxSlots:   maxSlots,
		statePath:  statePath,
		repoToSlot: make(map[string]int),
		occupancy:  make(map[int]string),
	}
	m.load()
	return m
}

// MaxSlots returns the slot capacity.
func (m *Manager) MaxSlots() int {
	return m.maxSlots
}

// HashRepoPath produces the stable affinity key for a repository: the first
// 16 hex characters of the sha256 of its canonical (symlink-resolved,
// absolute) path.
func HashRepoPath(repoPath string) string {
	canonical := repoPath
	if abs, err := filepath.Abs(canonical); err == nil {
		canonical = abs
	}
	if resolved, err := filepath.EvalSymlinks(canonical); err == nil {
		canonical = resolved
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:16]
}

// Acquire assigns a slot to taskID. The repo's preferred slot wins when free;
// otherwise the lowest free slot is taken and recorded as the repo's new
// preference. Returns AllSlotsBusyError when nothing is free, with occupancy
// untouched.
func (m *Manager) Acquire(repoPath, taskID string) (int, error) {
	repoHash := HashRepoPath(repoPath)

	m.mu.Lock()
	defer m.mu.Unlock()

	if preferred, ok := m.repoToSlot[repoHash]; ok {
		if _, occupied := m.occupancy[preferred]; !occupied {
			m.occupancy[preferred] = taskID
			log.InfoLog.Printf("task %s: acquired preferred slot %d for repo %s", taskID, preferred, repoPath)
			return preferred, nil
		}
	}

	for slot := 1; slot <= m.maxSlots; slot++ {
		if _, occupied := m.occupancy[slot]; !occupied {
			m.occupancy[slot] = taskID
			m.repoToSlot[repoHash] = slot
			m.persistLocked()
			log.InfoLog.Printf("task %s: acquired slot %d (new affinity) for repo %s", taskID, slot, repoPath)
			return slot, nil
		}
	}

	log.WarningLog.Printf("task %s: all %d slots busy, cannot acquire for repo %s", taskID, m.maxSlots, repoPath)
	active := make(map[int]string, len(m.occupancy))
	for slot, tid := range m.occupancy {
		active[slot] = tid
	}
	return 0, &AllSlotsBusyError{MaxSlots: m.maxSlots, Active: active}
}

// Release frees a slot. Releasing a slot that is not occupied only logs.
func (m *Manager) Release(slot int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if taskID, ok := m.occupancy[slot]; ok {
		delete(m.occupancy, slot)
		log.InfoLog.Printf("task %s: released slot %d", taskID, slot)
		return
	}
	log.WarningLog.Printf("attempted to release unoccupied slot %d", slot)
}

// ActiveTasks returns a copy of the occupancy map.
func (m *Manager) ActiveTasks() map[int]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := make(map[int]string, len(m.occupancy))
	for slot, taskID := range m.occupancy {
		active[slot] = taskID
	}
	return active
}

// AvailableSlots returns the free slot numbers in ascending order.
func (m *Manager) AvailableSlots() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	available := make([]int, 0, m.maxSlots)
	for slot := 1; slot <= m.maxSlots; slot++ {
		if _, occupied := m.occupancy[slot]; !occupied {
			available = append(available, slot)
		}
	}
	return available
}

// SlotForTask finds the slot held by taskID, if any.
func (m *Manager) SlotForTask(taskID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for slot, tid := range m.occupancy {
		if tid == taskID {
			return slot, true
		}
	}
	return 0, false
}

// Affinities returns a copy of the persisted repo-hash to preferred-slot map.
func (m *Manager) Affinities() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	affinities := make(map[string]int, len(m.repoToSlot))
	for hash, slot := range m.repoToSlot {
		affinities[hash] = slot
	}
	return affinities
}

type slotState struct {
	RepoToSlot map[string]int `json:"repo_to_slot"`
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WarningLog.Printf("failed to load slot assignments from %s: %v", m.statePath, err)
		}
		return
	}

	var state slotState
	if err := json.Unmarshal(data, &state); err != nil {
		log.WarningLog.Printf("failed to load slot assignments from %s: %v", m.statePath, err)
		return
	}
	if state.RepoToSlot != nil {
		m.repoToSlot = state.RepoToSlot
	}
	log.DebugLog.Printf("loaded %d slot affinity mappings from %s", len(m.repoToSlot), m.statePath)
}

// persistLocked writes the affinity map. Caller holds m.mu. Occupancy is
// never persisted. Write failures degrade to losing affinity on restart, so
// they are logged rather than surfaced to the acquiring task.
func (m *Manager) persistLocked() {
	if err := os.MkdirAll(filepath.Dir(m.statePath), 0755); err != nil {
		log.ErrorLog.Printf("failed to create slot assignments directory: %v", err)
		return
	}
	data, err := json.MarshalIndent(slotState{RepoToSlot: m.repoToSlot}, "", "  ")
	if err != nil {
		log.ErrorLog.Printf("failed to marshal slot assignments: %v", err)
		return
	}
	if err := os.WriteFile(m.statePath, data, 0644); err != nil {
		log.ErrorLog.Printf("failed to persist slot assignments to %s: %v", m.statePath, err)
		return
	}
	log.DebugLog.Printf("persisted %d slot affinity mappings to %s", len(m.repoToSlot), m.statePath)
}
