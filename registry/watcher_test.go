package registry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/minipuft/claude-prompts-mcp-sub004/logger"
)

// batchCollector records onBatch invocations for assertions.
type batchCollector struct {
	mu      sync.Mutex
	batches [][]string
}

func (c *batchCollector) record(paths []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, paths)
}

func (c *batchCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *batchCollector) allPaths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var all []string
	for _, b := range c.batches {
		all = append(all, b...)
	}
	return all
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func startTestWatcher(t *testing.T, root string, collector *batchCollector) *Watcher {
	t.Helper()
	w, err := NewWatcher(root, 50*time.Millisecond, logger.With("test"), collector.record)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestWatcher_CoalescesBurstIntoSingleBatch(t *testing.T) {
	root := t.TempDir()
	collector := &batchCollector{}
	startTestWatcher(t, root, collector)

	// A burst of writes inside the debounce window must settle into one batch.
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(filepath.Join(root, "prompt.yaml"), []byte("spec: {}"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !waitFor(t, 2*time.Second, func() bool { return collector.count() >= 1 }) {
		t.Fatal("expected a batch after the burst settled")
	}
	// Give any spurious second batch time to appear.
	time.Sleep(200 * time.Millisecond)
	if got := collector.count(); got != 1 {
		t.Errorf("expected exactly 1 batch, got %d", got)
	}
}

func TestWatcher_SeparateBurstsProduceSeparateBatches(t *testing.T) {
	root := t.TempDir()
	collector := &batchCollector{}
	startTestWatcher(t, root, collector)

	if err := os.WriteFile(filepath.Join(root, "a.yaml"), []byte("a"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return collector.count() >= 1 }) {
		t.Fatal("expected first batch")
	}

	if err := os.WriteFile(filepath.Join(root, "b.yaml"), []byte("b"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return collector.count() >= 2 }) {
		t.Fatal("expected second batch")
	}
}

func TestWatcher_PicksUpNewSubdirectories(t *testing.T) {
	root := t.TempDir()
	collector := &batchCollector{}
	startTestWatcher(t, root, collector)

	sub := filepath.Join(root, "category")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// The watcher needs a moment to register the new directory.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sub, "nested.yaml"), []byte("n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool {
		for _, p := range collector.allPaths() {
			if filepath.Base(p) == "nested.yaml" {
				return true
			}
		}
		return false
	}) {
		t.Error("expected event for file in newly created subdirectory")
	}
}

func TestWatcher_IgnoresHiddenDirectories(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{".git", "_drafts"} {
		if err := os.Mkdir(filepath.Join(root, name), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	collector := &batchCollector{}
	w := startTestWatcher(t, root, collector)

	for _, dir := range w.WatchedDirs() {
		base := filepath.Base(dir)
		if base == ".git" || base == "_drafts" {
			t.Errorf("hidden directory %s must not be watched", dir)
		}
	}

	if err := os.WriteFile(filepath.Join(root, ".hidden.yaml"), []byte("h"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "visible.yaml"), []byte("v"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool { return collector.count() >= 1 }) {
		t.Fatal("expected batch for visible file")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	root := t.TempDir()
	collector := &batchCollector{}
	w := startTestWatcher(t, root, collector)

	w.Stop()
	w.Stop()
}
