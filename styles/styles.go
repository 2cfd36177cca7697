// Package styles implements output-style resources: named guidance blocks
// (tone, formatting, verbosity) that the injection-control stage can
// prepend to rendered prompts. Styles follow the same manifest-plus-
// guidance directory layout as gates and methodologies.
package styles

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/minipuft/claude-prompts-mcp-sub004/events"
	"github.com/minipuft/claude-prompts-mcp-sub004/logger"
	"github.com/minipuft/claude-prompts-mcp-sub004/registry"
)

// ManifestFile is the canonical entry file of a style directory.
const ManifestFile = "style.yaml"

// Config is one style manifest in K8s-style format.
type Config struct {
	APIVersion string            `yaml:"apiVersion" json:"apiVersion"`
	Kind       string            `yaml:"kind" json:"kind"`
	Metadata   metav1.ObjectMeta `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Spec       Spec              `yaml:"spec" json:"spec"`

	// ID is the style's directory name. Never read from the manifest.
	ID string `yaml:"-" json:"id"`
}

// Spec contains the style definition.
type Spec struct {
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Guidance is the style text injected into prompts. When empty it is
	// loaded from the directory's guidance.md.
	Guidance string `yaml:"guidance,omitempty" json:"guidance,omitempty"`

	// PromptCategories limits which prompt categories the style applies to;
	// empty applies everywhere.
	PromptCategories []string `yaml:"promptCategories,omitempty" json:"promptCategories,omitempty"`
}

// AppliesTo reports whether the style covers a prompt category.
func (c *Config) AppliesTo(category string) bool {
	if len(c.Spec.PromptCategories) == 0 {
		return true
	}
	for _, pc := range c.Spec.PromptCategories {
		if pc == category {
			return true
		}
	}
	return false
}

// Parse parses a style manifest from YAML data.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := registry.CheckHeader(config.APIVersion, config.Kind, registry.KindStyle); err != nil {
		return nil, err
	}
	if config.Metadata.Name == "" {
		return nil, fmt.Errorf("missing required field: metadata.name")
	}
	return &config, nil
}

// Snapshot is an immutable view of every loaded style.
type Snapshot struct {
	styles map[string]*Config
	ids    []string
}

func emptySnapshot() *Snapshot {
	return &Snapshot{styles: map[string]*Config{}}
}

// Get returns the style with the given id.
func (s *Snapshot) Get(id string) (*Config, bool) {
	st, ok := s.styles[id]
	return st, ok
}

// IDs returns all style ids in sorted order.
func (s *Snapshot) IDs() []string {
	return s.ids
}

// Len returns the number of loaded styles.
func (s *Snapshot) Len() int {
	return len(s.styles)
}

// ForCategory returns the styles applying to a prompt category, by id order.
func (s *Snapshot) ForCategory(category string) []*Config {
	var out []*Config
	for _, id := range s.ids {
		if s.styles[id].AppliesTo(category) {
			out = append(out, s.styles[id])
		}
	}
	return out
}

// Registry serves styles from an atomically swapped snapshot. Styles live
// in resources/styles/<id>/style.yaml with an optional guidance.md.
type Registry struct {
	root    string
	bus     *events.Bus
	log     *slog.Logger
	store   *registry.Store[*Snapshot]
	watcher *registry.Watcher
}

// NewRegistry loads all styles under root. Individual manifest failures
// are logged and do not fail construction.
func NewRegistry(root string, bus *events.Bus) (*Registry, error) {
	r := &Registry{
		root: root,
		bus:  bus,
		log:  logger.With("style-registry"),
	}
	snap, failed, err := r.rebuild(emptySnapshot())
	if err != nil {
		return nil, fmt.Errorf("loading styles from %s: %w", root, err)
	}
	r.store = registry.NewStore(snap)
	r.log.Info("styles loaded", "root", root, "count", snap.Len(), "failed", failed)
	return r, nil
}

// Snapshot returns the current style snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.store.Snapshot()
}

// Get returns the style with the given id from the current snapshot.
func (r *Registry) Get(id string) (*Config, bool) {
	return r.store.Snapshot().Get(id)
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
		return fmt.Errorf("reloading styles from %s: %w", r.root, err)
	}
	gen := r.store.Swap(snap)
	logger.Reload("styles", gen, snap.Len(), "failed", failed)
	if r.bus != nil {
		r.bus.Publish(&events.Event{
			Type:      events.EventRegistryReloaded,
			Timestamp: time.Now(),
			Data: events.RegistryReloadedData{
				Registry:   "styles",
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
			r.log.Error("style reload failed", "error", err)
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

	styles := make(map[string]*Config, len(entries))
	failed := 0
	for _, e := range entries {
		cfg, err := loadStyle(e)
		if err != nil {
			failed++
			r.log.Warn("style manifest rejected", "id", e.ID, "path", e.ManifestPath, "error", err)
			if old, ok := prev.styles[e.ID]; ok {
				styles[e.ID] = old
			}
			continue
		}
		styles[e.ID] = cfg
	}

	ids := make([]string, 0, len(styles))
	for id := range styles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &Snapshot{styles: styles, ids: ids}, failed, nil
}

func loadStyle(e registry.DirEntry) (*Config, error) {
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
