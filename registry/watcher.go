package registry

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// tickDivisor sets how often the debounce map is scanned relative to the
// debounce window.
const tickDivisor = 4

// Watcher monitors a resource tree for changes and invokes a callback once
// per settled burst of writes. Editors and sync tools produce several events
// per save; the debounce window collapses them so a reload runs once.
//
// fsnotify does not watch recursively, so every subdirectory is registered
// individually and directories created later are added as they appear.
// Hidden directories (dot or underscore prefixed) are never watched.
type Watcher struct {
	root     string
	debounce time.Duration
	onBatch  func(paths []string)
	log      *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	pending map[string]time.Time
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher over root. onBatch receives the distinct
// paths whose events settled past the debounce window; it is called from
// the watcher goroutine, one batch at a time.
func NewWatcher(root string, debounce time.Duration, log *slog.Logger, onBatch func(paths []string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:     root,
		debounce: debounce,
		onBatch:  onBatch,
		log:      log,
		watcher:  fsw,
		pending:  make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start registers the directory tree and begins dispatching events.
// It is non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addTree(w.root); err != nil {
		w.log.Warn("watch registration incomplete", "root", w.root, "error", err)
	}

	go w.run(ctx)
	return nil
}

// Stop halts event dispatch and waits for the loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.log.Error("error closing watcher", "error", err)
	}
}

// WatchedDirs returns the directories currently registered.
func (w *Watcher) WatchedDirs() []string {
	return w.watcher.WatchList()
}

// addTree registers dir and every non-hidden subdirectory.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && isHiddenName(d.Name()) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// isHiddenName reports whether a path segment is excluded from discovery.
func isHiddenName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

// underHidden reports whether any segment of path below root is hidden.
func (w *Watcher) underHidden(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if isHiddenName(seg) {
			return true
		}
	}
	return false
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.debounce / tickDivisor
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("watch error", "error", err)
		case <-ticker.C:
			w.flushSettled()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if w.underHidden(event.Name) {
		return
	}

	// New directories must be registered before their contents change.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !isHiddenName(filepath.Base(event.Name)) {
				if err := w.addTree(event.Name); err != nil {
					w.log.Warn("failed to watch new directory", "dir", event.Name, "error", err)
				}
			}
			return
		}
	}

	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

// flushSettled collects paths whose last event is older than the debounce
// window and dispatches them as one batch. Paths still receiving events
// stay pending, so a burst of saves produces a single callback.
func (w *Watcher) flushSettled() {
	now := time.Now()

	w.mu.Lock()
	var settled []string
	allSettled := true
	for path, last := range w.pending {
		if now.Sub(last) >= w.debounce {
			settled = append(settled, path)
		} else {
			allSettled = false
		}
	}
	if len(settled) == 0 || !allSettled {
		w.mu.Unlock()
		return
	}
	w.pending = make(map[string]time.Time)
	w.mu.Unlock()

	w.onBatch(settled)
}
