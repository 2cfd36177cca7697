package gates

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

// ManifestFile is the canonical entry file of a gate directory.
const ManifestFile = "gate.yaml"

// Snapshot is an immutable view of every loaded gate.
type Snapshot struct {
	gates map[string]*Config
	ids   []string
}

func emptySnapshot() *Snapshot {
	return &Snapshot{gates: map[string]*Config{}}
}

// Get returns the gate with the given id.
func (s *Snapshot) Get(id string) (*Config, bool) {
	g, ok := s.gates[id]
	return g, ok
}

// IDs returns all gate ids in sorted order.
func (s *Snapshot) IDs() []string {
	return s.ids
}

// Len returns the number of loaded gates.
func (s *Snapshot) Len() int {
	return len(s.gates)
}

// Judges returns the gates labeled role=judge, sorted by id.
func (s *Snapshot) Judges() []*Config {
	var out []*Config
	for _, id := range s.ids {
		if s.gates[id].IsJudge() {
			out = append(out, s.gates[id])
		}
	}
	return out
}

// Registry serves gates from an atomically swapped snapshot, reloading on
// filesystem changes. Gates live in resources/gates/<id>/gate.yaml with an
// optional guidance.md sidecar.
type Registry struct {
	root    string
	bus     *events.Bus
	log     *slog.Logger
	store   *registry.Store[*Snapshot]
	watcher *registry.Watcher
}

// NewRegistry loads all gates under root. Individual manifest failures are
// logged and do not fail construction.
func NewRegistry(root string, bus *events.Bus) (*Registry, error) {
	r := &Registry{
		root: root,
		bus:  bus,
		log:  logger.With("gate-registry"),
	}
	snap, failed, err := r.rebuild(emptySnapshot())
	if err != nil {
		return nil, fmt.Errorf("loading gates from %s: %w", root, err)
	}
	r.store = registry.NewStore(snap)
	r.log.Info("gates loaded", "root", root, "count", snap.Len(), "failed", failed)
	return r, nil
}

// Snapshot returns the current gate snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.store.Snapshot()
}

// Get returns the gate with the given id from the current snapshot.
func (r *Registry) Get(id string) (*Config, bool) {
	return r.store.Snapshot().Get(id)
}

// List returns all gates sorted by id.
func (r *Registry) List() []*Config {
	snap := r.store.Snapshot()
	out := make([]*Config, 0, len(snap.ids))
	for _, id := range snap.ids {
		out = append(out, snap.gates[id])
	}
	return out
}

// Generation returns the current snapshot generation.
func (r *Registry) Generation() uint64 {
	return r.store.Generation()
}

// Reload rebuilds the snapshot from disk and swaps it in.
func (r *Registry) Reload() error {
	start := time.Now()
	snap, failed, err := r.rebuild(r.store.Snapshot())
	if err != nil {
		return fmt.Errorf("reloading gates from %s: %w", r.root, err)
	}
	gen := r.store.Swap(snap)
	logger.Reload("gates", gen, snap.Len(), "failed", failed)
	if r.bus != nil {
		r.bus.Publish(&events.Event{
			Type:      events.EventRegistryReloaded,
			Timestamp: time.Now(),
			Data: events.RegistryReloadedData{
				Registry:   "gates",
				Generation: gen,
				Resources:  snap.Len(),
				Failed:     failed,
				Duration:   time.Since(start),
			},
		})
	}
	return nil
}

// Watch starts the filesystem watcher with the given debounce window.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration) error {
	if r.watcher != nil {
		return nil
	}
	w, err := registry.NewWatcher(r.root, debounce, r.log, func([]string) {
		if err := r.Reload(); err != nil {
			r.log.Error("gate reload failed", "error", err)
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

func (r *Registry) rebuild(prev *Snapshot) (*Snapshot, int, error) {
	entries, err := registry.DiscoverDirs(r.root, ManifestFile)
	if err != nil {
		return nil, 0, err
	}

	gates := make(map[string]*Config, len(entries))
	failed := 0
	for _, e := range entries {
		cfg, err := loadGate(e)
		if err != nil {
			failed++
			r.log.Warn("gate manifest rejected", "id", e.ID, "path", e.ManifestPath, "error", err)
			if old, ok := prev.gates[e.ID]; ok {
				gates[e.ID] = old
			}
			continue
		}
		gates[e.ID] = cfg
	}

	ids := make([]string, 0, len(gates))
	for id := range gates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &Snapshot{gates: gates, ids: ids}, failed, nil
}

func loadGate(e registry.DirEntry) (*Config, error) {
	data, err := os.ReadFile(e.ManifestPath)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if cfg.Metadata.Name != e.ID {
		return nil, fmt.Errorf("metadata.name '%s' does not match directory '%s'", cfg.Metadata.Name, e.ID)
	}
	cfg.ID = e.ID
	if cfg.Spec.Guidance == "" && e.GuidancePath != "" {
		guidance, err := os.ReadFile(e.GuidancePath)
		if err != nil {
			return nil, fmt.Errorf("reading guidance: %w", err)
		}
		cfg.Spec.Guidance = string(guidance)
	}
	return cfg, nil
}
