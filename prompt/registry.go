package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/minipuft/claude-prompts-mcp-sub004/events"
	"github.com/minipuft/claude-prompts-mcp-sub004/logger"
	"github.com/minipuft/claude-prompts-mcp-sub004/registry"
)

// Snapshot is an immutable view of every loaded prompt. Reloads build a
// complete replacement; readers keep whatever snapshot they hold.
type Snapshot struct {
	prompts map[string]*Config
	ids     []string
}

func emptySnapshot() *Snapshot {
	return &Snapshot{prompts: map[string]*Config{}}
}

// Get returns the prompt with the given id.
func (s *Snapshot) Get(id string) (*Config, bool) {
	c, ok := s.prompts[id]
	return c, ok
}

// IDs returns all prompt ids in sorted order.
func (s *Snapshot) IDs() []string {
	return s.ids
}

// Len returns the number of loaded prompts.
func (s *Snapshot) Len() int {
	return len(s.prompts)
}

// ResolveStep resolves a chain step's promptID, first as an absolute id
// and then as a child of the chain.
func (s *Snapshot) ResolveStep(chainID, promptID string) (*Config, bool) {
	if c, ok := s.prompts[promptID]; ok {
		return c, true
	}
	if c, ok := s.prompts[chainID+"/"+promptID]; ok {
		return c, true
	}
	return nil, false
}

// LoadFailure records one manifest that failed to load.
type LoadFailure struct {
	ID   string
	Path string
	Err  error
}

// Registry serves prompts from an atomically swapped snapshot and keeps it
// current by watching the prompts directory. A manifest that fails to load
// keeps its last good version; the failure is logged and counted, and
// every other prompt loads normally.
type Registry struct {
	root    string
	bus     *events.Bus
	log     *slog.Logger
	store   *registry.Store[*Snapshot]
	watcher *registry.Watcher
}

// NewRegistry loads all prompts under root and returns a serving registry.
// Individual manifest failures do not fail construction.
func NewRegistry(root string, bus *events.Bus) (*Registry, error) {
	r := &Registry{
		root: root,
		bus:  bus,
		log:  logger.With("prompt-registry"),
	}
	snap, failures, err := r.rebuild(emptySnapshot())
	if err != nil {
		return nil, fmt.Errorf("loading prompts from %s: %w", root, err)
	}
	r.store = registry.NewStore(snap)
	r.logFailures(failures)
	r.log.Info("prompts loaded", "root", root, "count", snap.Len(), "failed", len(failures))
	return r, nil
}

// Snapshot returns the current prompt snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.store.Snapshot()
}

// Get returns the prompt with the given id from the current snapshot.
func (r *Registry) Get(id string) (*Config, bool) {
	return r.store.Snapshot().Get(id)
}

// Template returns a prompt's template text, for reference expansion.
// Prompts without a template body (pure chains) report not found.
func (r *Registry) Template(id string) (string, bool) {
	cfg, ok := r.store.Snapshot().Get(id)
	if !ok || cfg.Spec.Template == "" {
		return "", false
	}
	return cfg.Spec.Template, true
}

// List returns all prompts sorted by id.
func (r *Registry) List() []*Config {
	snap := r.store.Snapshot()
	out := make([]*Config, 0, len(snap.ids))
	for _, id := range snap.ids {
		out = append(out, snap.prompts[id])
	}
	return out
}

// Categories returns the distinct prompt categories in sorted order.
func (r *Registry) Categories() []string {
	seen := map[string]struct{}{}
	for _, c := range r.store.Snapshot().prompts {
		if c.Spec.Category != "" {
			seen[c.Spec.Category] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for cat := range seen {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

// Generation returns the current snapshot generation.
func (r *Registry) Generation() uint64 {
	return r.store.Generation()
}

// Reload rebuilds the snapshot from disk and swaps it in, publishing a
// registry.reloaded event. Failing manifests keep their last good version.
func (r *Registry) Reload() error {
	start := time.Now()
	prev := r.store.Snapshot()
	snap, failures, err := r.rebuild(prev)
	if err != nil {
		return fmt.Errorf("reloading prompts from %s: %w", r.root, err)
	}
	gen := r.store.Swap(snap)
	r.logFailures(failures)
	logger.Reload("prompts", gen, snap.Len(), "failed", len(failures))
	if r.bus != nil {
		r.bus.Publish(&events.Event{
			Type:      events.EventRegistryReloaded,
			Timestamp: time.Now(),
			Data: events.RegistryReloadedData{
				Registry:   "prompts",
				Generation: gen,
				Resources:  snap.Len(),
				Failed:     len(failures),
				Duration:   time.Since(start),
			},
		})
	}
	return nil
}

// Watch starts the filesystem watcher. Edit bursts are debounced into a
// single reload.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	if r.watcher != nil {
		return nil
	}
	w, err := registry.NewWatcher(r.root, debounce, r.log, func([]string) {
		if err := r.Reload(); err != nil {
			r.log.Error("prompt reload failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	r.watcher = w
	return nil
}

// Close stops the watcher if one is running.
func (r *Registry) Close() {
	if r.watcher != nil {
		r.watcher.Stop()
		r.watcher = nil
	}
}

// rebuild loads every manifest from disk into a fresh snapshot. A manifest
// that fails keeps the previous snapshot's version of that prompt when one
// exists.
func (r *Registry) rebuild(prev *Snapshot) (*Snapshot, []LoadFailure, error) {
	discovered, err := Discover(r.root)
	if err != nil {
		return nil, nil, err
	}

	prompts := make(map[string]*Config, len(discovered))
	var failures []LoadFailure

	keepLastGood := func(id, path string, cause error) {
		failures = append(failures, LoadFailure{ID: id, Path: path, Err: cause})
		if old, ok := prev.prompts[id]; ok {
			prompts[id] = old
		}
	}

	for _, d := range discovered {
		if _, dup := prompts[d.ID]; dup {
			failures = append(failures, LoadFailure{ID: d.ID, Path: d.Path, Err: fmt.Errorf("duplicate prompt id")})
			continue
		}
		data, err := os.ReadFile(d.Path)
		if err != nil {
			keepLastGood(d.ID, d.Path, err)
			continue
		}
		cfg, err := Parse(data)
		if err != nil {
			keepLastGood(d.ID, d.Path, err)
			continue
		}
		if cfg.Metadata.Name != lastSegment(d.ID) {
			keepLastGood(d.ID, d.Path,
				fmt.Errorf("metadata.name '%s' does not match id segment '%s'", cfg.Metadata.Name, lastSegment(d.ID)))
			continue
		}
		cfg.ID = d.ID
		prompts[d.ID] = cfg
	}

	// Chains must reference resolvable step prompts. An unresolvable chain
	// keeps its last good version like any other bad manifest.
	for id, cfg := range prompts {
		if !cfg.IsChain() {
			continue
		}
		for i := range cfg.Spec.ChainSteps {
			stepID := cfg.Spec.ChainSteps[i].PromptID
			if _, ok := prompts[stepID]; ok {
				continue
			}
			if _, ok := prompts[id+"/"+stepID]; ok {
				continue
			}
			failures = append(failures, LoadFailure{ID: id,
				Err: fmt.Errorf("chain step %d references unknown prompt '%s'", i+1, stepID)})
			if old, ok := prev.prompts[id]; ok {
				prompts[id] = old
			} else {
				delete(prompts, id)
			}
			break
		}
	}

	ids := make([]string, 0, len(prompts))
	for id := range prompts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &Snapshot{prompts: prompts, ids: ids}, failures, nil
}

func (r *Registry) logFailures(failures []LoadFailure) {
	for _, f := range failures {
		r.log.Warn("prompt manifest rejected", "id", f.ID, "path", f.Path, "error", f.Err)
	}
}
