package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/minipuft/claude-prompts-mcp-sub004/logger"
	"github.com/minipuft/claude-prompts-mcp-sub004/persistence"
)

// SessionsFile is the file store's serialized session set.
const SessionsFile = "chain-sessions.json"

// ErrInvalidID is returned for empty session ids.
var ErrInvalidID = stderrors.New("invalid session id")

// Store persists chain sessions. Implementations must tolerate concurrent
// callers; the manager serializes mutations per process but cleanup and
// request paths may overlap.
type Store interface {
	// LoadAll returns every persisted session, empty when none exist.
	LoadAll(ctx context.Context) (map[string]*ChainSession, error)

	// Put persists one session.
	Put(ctx context.Context, s *ChainSession) error

	// Delete removes one session. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// Close releases backend resources.
	Close() error
}

// --- file store ---

// sessionsDoc is the on-disk shape of the session set.
type sessionsDoc struct {
	SchemaVersion string                   `json:"schemaVersion"`
	Sessions      map[string]*ChainSession `json:"sessions"`
}

// FileStore keeps the whole session set in one JSON file, rewritten
// atomically on every mutation. The default backend.
type FileStore struct {
	mu       sync.Mutex
	path     string
	sessions map[string]*ChainSession
}

// NewFileStore opens (or creates) the session file under stateDir. A
// missing or corrupt file yields empty state with a warning, never an
// error, so a damaged state dir cannot prevent startup.
func NewFileStore(stateDir string) (*FileStore, error) {
	fs := &FileStore{
		path:     filepath.Join(stateDir, SessionsFile),
		sessions: make(map[string]*ChainSession),
	}

	var doc sessionsDoc
	err := persistence.LoadJSON(fs.path, &doc)
	switch {
	case err == nil:
		if verr := persistence.CheckVersion(doc.SchemaVersion); verr != nil {
			logger.With("session-store").Warn("session file has unsupported schema, starting empty",
				"path", fs.path, "error", verr)
		} else if doc.Sessions != nil {
			fs.sessions = doc.Sessions
		}
	case os.IsNotExist(err):
	default:
		logger.With("session-store").Warn("session file unreadable, starting empty",
			"path", fs.path, "error", err)
	}

	return fs, nil
}

// LoadAll returns a copy of the persisted session set.
func (f *FileStore) LoadAll(ctx context.Context) (map[string]*ChainSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*ChainSession, len(f.sessions))
	for id, s := range f.sessions {
		out[id] = s.clone()
	}
	return out, nil
}

// Put stores the session and rewrites the file.
func (f *FileStore) Put(ctx context.Context, s *ChainSession) error {
	if s == nil || s.SessionID == "" {
		return ErrInvalidID
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.SessionID] = s.clone()
	return f.flushLocked()
}

// Delete removes the session and rewrites the file.
func (f *FileStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return nil
	}
	delete(f.sessions, id)
	return f.flushLocked()
}

// Close is a no-op; every mutation already flushed.
func (f *FileStore) Close() error { return nil }

func (f *FileStore) flushLocked() error {
	doc := sessionsDoc{SchemaVersion: persistence.SchemaVersion, Sessions: f.sessions}
	if err := persistence.SaveJSON(f.path, doc); err != nil {
		return fmt.Errorf("persisting sessions: %w", err)
	}
	return nil
}

// --- memory store ---

// MemoryStore holds sessions in memory only. Used by tests and as the
// explicit `memory` backend.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*ChainSession
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*ChainSession)}
}

// LoadAll returns a copy of the stored sessions.
func (m *MemoryStore) LoadAll(ctx context.Context) (map[string]*ChainSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*ChainSession, len(m.sessions))
	for id, s := range m.sessions {
		out[id] = s.clone()
	}
	return out, nil
}

// Put stores a copy of the session.
func (m *MemoryStore) Put(ctx context.Context, s *ChainSession) error {
	if s == nil || s.SessionID == "" {
		return ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = s.clone()
	return nil
}

// Delete removes the session.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// --- redis store ---

// RedisStore keeps each session under its own key with a TTL safety net;
// the manager still runs its own cleanup so the two expiry paths agree.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix. Default "prompts-mcp".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithTTL sets the per-key expiry backstop. Zero disables it. Default 24h.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// NewRedisStore creates a redis-backed session store.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "prompts-mcp",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(id string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, id)
}

// LoadAll scans the session keyspace and unmarshals every entry.
func (s *RedisStore) LoadAll(ctx context.Context) (map[string]*ChainSession, error) {
	out := make(map[string]*ChainSession)
	iter := s.client.Scan(ctx, 0, s.key("*"), 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	if len(keys) == 0 {
		return out, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !stderrors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if stderrors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("redis get failed: %w", err)
		}
		sess, err := unmarshalSession(data)
		if err != nil {
			logger.With("session-store").Warn("skipping undecodable session", "error", err)
			continue
		}
		out[sess.SessionID] = sess
	}
	return out, nil
}

// Put writes the session with the configured TTL backstop.
func (s *RedisStore) Put(ctx context.Context, sess *ChainSession) error {
	if sess == nil || sess.SessionID == "" {
		return ErrInvalidID
	}
	data, err := marshalSession(sess)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(sess.SessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete removes the session key.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func marshalSession(s *ChainSession) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session %s: %w", s.SessionID, err)
	}
	return data, nil
}

func unmarshalSession(data []byte) (*ChainSession, error) {
	var s ChainSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
