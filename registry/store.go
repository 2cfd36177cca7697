// Package registry provides the shared hot-reload machinery used by the
// prompt, gate, methodology, and style registries: an atomically swappable
// snapshot store with a generation counter, and a debounced filesystem
// watcher that coalesces bursts of writes into a single reload.
package registry

import "sync/atomic"

// entry bundles a snapshot with the generation that produced it so readers
// always observe a matching pair.
type entry[S any] struct {
	snap S
	gen  uint64
}

// Store holds the current snapshot of a registry. Readers call Load and get
// a consistent view; a reload builds a complete replacement off to the side
// and installs it with Swap. In-flight executions keep whatever snapshot
// they loaded.
type Store[S any] struct {
	p atomic.Pointer[entry[S]]
}

// NewStore creates a store seeded with the initial snapshot at generation 1.
func NewStore[S any](initial S) *Store[S] {
	s := &Store[S]{}
	s.p.Store(&entry[S]{snap: initial, gen: 1})
	return s
}

// Load returns the current snapshot and its generation.
func (s *Store[S]) Load() (S, uint64) {
	e := s.p.Load()
	return e.snap, e.gen
}

// Snapshot returns the current snapshot without the generation.
func (s *Store[S]) Snapshot() S {
	return s.p.Load().snap
}

// Generation returns the current generation.
func (s *Store[S]) Generation() uint64 {
	return s.p.Load().gen
}

// Swap installs a new snapshot and returns its generation, one higher than
// the previous. Concurrent swaps serialize through compare-and-swap so a
// generation is never reused.
func (s *Store[S]) Swap(snap S) uint64 {
	for {
		old := s.p.Load()
		next := &entry[S]{snap: snap, gen: old.gen + 1}
		if s.p.CompareAndSwap(old, next) {
			return next.gen
		}
	}
}
