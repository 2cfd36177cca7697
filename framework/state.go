package framework

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/minipuft/claude-prompts-mcp-sub004/logger"
	"github.com/minipuft/claude-prompts-mcp-sub004/persistence"
)

// StateFile is the persisted framework state, relative to the state dir.
const StateFile = "framework-state.json"

// stateDoc is the on-disk shape of framework-state.json.
type stateDoc struct {
	Version                string `json:"version"`
	FrameworkSystemEnabled bool   `json:"framework_system_enabled"`
	ActiveFramework        string `json:"active_framework"`
}

// State is the process-wide framework selection: whether the methodology
// system is on and which framework is globally active. Mutations go
// through a single mutex and write through to disk, so concurrent
// requests never observe a half-applied switch.
type State struct {
	path string

	mu      sync.Mutex
	enabled bool
	active  string
}

// LoadState reads framework-state.json from stateDir, falling back to the
// given defaults when the file is missing or unreadable.
func LoadState(stateDir string, defaultEnabled bool, defaultActive string) *State {
	s := &State{
		path:    filepath.Join(stateDir, StateFile),
		enabled: defaultEnabled,
		active:  Fold(defaultActive),
	}

	var doc stateDoc
	err := persistence.LoadJSON(s.path, &doc)
	switch {
	case err == nil:
		if verr := persistence.CheckVersion(doc.Version); verr != nil {
			logger.Warn("framework state has incompatible version, using defaults", "path", s.path, "error", verr)
			return s
		}
		s.enabled = doc.FrameworkSystemEnabled
		s.active = Fold(doc.ActiveFramework)
	case os.IsNotExist(err):
		// First run.
	default:
		logger.Warn("failed to load framework state, using defaults", "path", s.path, "error", err)
	}
	return s
}

// Enabled reports whether the framework system is on.
func (s *State) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Active returns the globally active framework id, or empty.
func (s *State) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetEnabled toggles the framework system and persists the change.
func (s *State) SetEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	return s.saveLocked()
}

// SetActive switches the globally active framework and persists the
// change. An empty id clears the selection.
func (s *State) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = Fold(id)
	return s.saveLocked()
}

// Snapshot returns the current (enabled, active) pair atomically.
func (s *State) Snapshot() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled, s.active
}

func (s *State) saveLocked() error {
	doc := stateDoc{
		Version:                persistence.SchemaVersion,
		FrameworkSystemEnabled: s.enabled,
		ActiveFramework:        s.active,
	}
	if err := persistence.SaveJSON(s.path, doc); err != nil {
		logger.Error("failed to persist framework state", "path", s.path, "error", err)
		return err
	}
	return nil
}
