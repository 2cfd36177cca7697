package gates

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/minipuft/claude-prompts-mcp-sub004/logger"
	"github.com/minipuft/claude-prompts-mcp-sub004/persistence"
)

// StateFile is the persisted gate-system toggle, relative to the state dir.
const StateFile = "gate-system-state.json"

type systemStateDoc struct {
	Version string `json:"version"`
	Enabled bool   `json:"enabled"`
}

// SystemState is the process-wide gate-system toggle. When off, gate
// guidance and reviews are skipped entirely. Mutations write through to
// disk so the toggle survives restarts.
type SystemState struct {
	path string

	mu      sync.Mutex
	enabled bool
}

// LoadSystemState reads gate-system-state.json from stateDir, falling back
// to the given default when the file is missing or unreadable.
func LoadSystemState(stateDir string, defaultEnabled bool) *SystemState {
	s := &SystemState{
		path:    filepath.Join(stateDir, StateFile),
		enabled: defaultEnabled,
	}

	var doc systemStateDoc
	err := persistence.LoadJSON(s.path, &doc)
	switch {
	case err == nil:
		if verr := persistence.CheckVersion(doc.Version); verr != nil {
			logger.Warn("gate system state has incompatible version, using default", "path", s.path, "error", verr)
			return s
		}
		s.enabled = doc.Enabled
	case os.IsNotExist(err):
		// First run.
	default:
		logger.Warn("failed to load gate system state, using default", "path", s.path, "error", err)
	}
	return s
}

// Enabled reports whether the gate system is on.
func (s *SystemState) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// SetEnabled toggles the gate system and persists the change.
func (s *SystemState) SetEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled

	doc := systemStateDoc{Version: persistence.SchemaVersion, Enabled: s.enabled}
	if err := persistence.SaveJSON(s.path, doc); err != nil {
		logger.Error("failed to persist gate system state", "path", s.path, "error", err)
		return err
	}
	return nil
}
