package session

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/minipuft/claude-prompts-mcp-sub004/logger"
	"github.com/minipuft/claude-prompts-mcp-sub004/persistence"
	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
)

// HistoryFile is the state file recording recent arguments per session.
const HistoryFile = "argument-history.json"

// DefaultHistoryLimit bounds the entries retained per session.
const DefaultHistoryLimit = 20

// HistoryEntry is one recorded execution's arguments.
type HistoryEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Args      map[string]string `json:"args"`
}

type historyDoc struct {
	SchemaVersion string                    `json:"schemaVersion"`
	Sessions      map[string][]HistoryEntry `json:"sessions"`
}

// ArgumentHistory keeps a bounded FIFO of recent step arguments per
// session, written through to disk on every record.
type ArgumentHistory struct {
	mu      sync.Mutex
	path    string
	limit   int
	entries map[string][]HistoryEntry
	log     *slog.Logger
}

// NewArgumentHistory loads persisted history from path. A missing file
// starts empty; a corrupt one is logged and ignored.
func NewArgumentHistory(path string, limit int) *ArgumentHistory {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	h := &ArgumentHistory{
		path:    path,
		limit:   limit,
		entries: make(map[string][]HistoryEntry),
		log:     logger.With("session"),
	}

	var doc historyDoc
	err := persistence.LoadJSON(path, &doc)
	switch {
	case err == nil:
		if verr := persistence.CheckVersion(doc.SchemaVersion); verr != nil {
			h.log.Warn("ignoring argument history with incompatible schema", "path", path, "error", verr)
			return h
		}
		if doc.Sessions != nil {
			h.entries = doc.Sessions
		}
	case os.IsNotExist(err):
	default:
		h.log.Warn("failed to load argument history, starting empty", "path", path, "error", err)
	}
	return h
}

// Record appends args for a session, evicting the oldest entries past
// the limit, and flushes to disk.
func (h *ArgumentHistory) Record(sessionID string, args map[string]string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := append(h.entries[sessionID], HistoryEntry{
		Timestamp: time.Now(),
		Args:      copyStringMap(args),
	})
	if over := len(list) - h.limit; over > 0 {
		list = list[over:]
	}
	h.entries[sessionID] = list
	return h.flushLocked()
}

// For returns the recorded entries for one session, oldest first.
func (h *ArgumentHistory) For(sessionID string) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return cloneEntries(h.entries[sessionID])
}

// Counts reports entries per session, for analytics status output.
func (h *ArgumentHistory) Counts() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.entries))
	for id, list := range h.entries {
		out[id] = len(list)
	}
	return out
}

// Forget drops one session's history, e.g. on session clear.
func (h *ArgumentHistory) Forget(sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.entries[sessionID]; !ok {
		return nil
	}
	delete(h.entries, sessionID)
	return h.flushLocked()
}

// Flush rewrites the state file. Mutations already write through, so
// this is only needed at shutdown.
func (h *ArgumentHistory) Flush() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushLocked()
}

func (h *ArgumentHistory) flushLocked() error {
	doc := historyDoc{SchemaVersion: persistence.SchemaVersion, Sessions: h.entries}
	if err := persistence.SaveJSON(h.path, &doc); err != nil {
		return errors.New("session", "history flush", err).WithKind(errors.KindPersistence)
	}
	return nil
}

func cloneEntries(list []HistoryEntry) []HistoryEntry {
	if list == nil {
		return nil
	}
	out := make([]HistoryEntry, len(list))
	for i, e := range list {
		out[i] = HistoryEntry{Timestamp: e.Timestamp, Args: copyStringMap(e.Args)}
	}
	return out
}
