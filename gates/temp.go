package gates

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// TempStore holds gate definitions synthesized from inline criteria or
// supplied directly in a request. Entries belong to one execution and are
// released by the cleanup stage, so a leaked execution can never grow the
// store unbounded.
type TempStore struct {
	mu     sync.Mutex
	gates  map[string]*Config
	byExec map[string][]string
}

// NewTempStore creates an empty temporary gate store.
func NewTempStore() *TempStore {
	return &TempStore{
		gates:  make(map[string]*Config),
		byExec: make(map[string][]string),
	}
}

// Put registers a temporary gate under an execution id, synthesizing an id
// when the definition has none. The stored id is returned.
func (t *TempStore) Put(executionID string, cfg *Config) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cfg.ID == "" {
		cfg.ID = synthesizeID(cfg.DisplayName())
	}
	t.gates[cfg.ID] = cfg
	t.byExec[executionID] = append(t.byExec[executionID], cfg.ID)
	return cfg.ID
}

// Get returns a temporary gate by id.
func (t *TempStore) Get(id string) (*Config, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.gates[id]
	return g, ok
}

// Release removes every gate registered under the execution id.
func (t *TempStore) Release(executionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.byExec[executionID] {
		delete(t.gates, id)
	}
	delete(t.byExec, executionID)
}

// Len returns the number of live temporary gates.
func (t *TempStore) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.gates)
}

// QuickGate builds a temporary gate from a name and description, as sent
// by clients in the short `{name, description}` form.
func QuickGate(name, description string) *Config {
	return &Config{
		Spec: Spec{
			Name:     name,
			Type:     TypeValidation,
			Severity: DefaultSeverity,
			Criteria: []string{description},
		},
	}
}

// InlineGate builds a temporary gate from inline `::"criteria"` text.
func InlineGate(criteria string) *Config {
	return &Config{
		Spec: Spec{
			Name:     "Inline Criteria",
			Type:     TypeValidation,
			Severity: DefaultSeverity,
			Criteria: []string{criteria},
		},
	}
}

func synthesizeID(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, slug)
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "gate"
	}
	return fmt.Sprintf("temp-%s-%s", slug, uuid.NewString()[:8])
}
