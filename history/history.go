// Package history keeps per-resource version histories: every mutation of
// a prompt, gate, or methodology appends a snapshot to a sidecar
// .history.json file next to the resource, supporting rollback and
// compare. Histories are bounded; the oldest versions fall off first.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/minipuft/claude-prompts-mcp-sub004/pkg/errors"
	"github.com/minipuft/claude-prompts-mcp-sub004/persistence"
)

// DefaultMaxVersions bounds a history when the caller passes zero.
const DefaultMaxVersions = 20

// Suffix is appended to a resource's file path to name its sidecar.
const Suffix = ".history.json"

// Version is one stored snapshot.
type Version struct {
	Version     int             `json:"version"`
	Timestamp   time.Time       `json:"timestamp"`
	Snapshot    json.RawMessage `json:"snapshot"`
	Description string          `json:"description,omitempty"`
}

// Document is the on-disk shape of a history sidecar. Versions are kept
// newest-first.
type Document struct {
	SchemaVersion  string    `json:"version"`
	ResourceType   string    `json:"resource_type"`
	ResourceID     string    `json:"resource_id"`
	CurrentVersion int       `json:"current_version"`
	Versions       []Version `json:"versions"`
}

// Store manages the version history of one resource. Mutations are
// serialized through a mutex and written through to the sidecar file, so
// the on-disk history always matches the logical one.
type Store struct {
	path         string
	resourceType string
	resourceID   string
	maxVersions  int

	mu  sync.Mutex
	doc Document
}

// SidecarPath returns the history file path for a resource file or
// directory.
func SidecarPath(resourcePath string) string {
	return strings.TrimSuffix(resourcePath, "/") + Suffix
}

// Open loads a resource's history sidecar, creating an empty history when
// no file exists. A corrupt or incompatible sidecar starts fresh with a
// warning rather than blocking resource mutation.
func Open(resourcePath, resourceType, resourceID string, maxVersions int) (*Store, error) {
	if maxVersions <= 0 {
		maxVersions = DefaultMaxVersions
	}
	s := &Store{
		path:         SidecarPath(resourcePath),
		resourceType: resourceType,
		resourceID:   resourceID,
		maxVersions:  maxVersions,
		doc: Document{
			SchemaVersion: persistence.SchemaVersion,
			ResourceType:  resourceType,
			ResourceID:    resourceID,
		},
	}

	var doc Document
	err := persistence.LoadJSON(s.path, &doc)
	switch {
	case err == nil:
		if verr := persistence.CheckVersion(doc.SchemaVersion); verr != nil {
			return s, nil
		}
		doc.SchemaVersion = persistence.SchemaVersion
		if doc.ResourceType == "" {
			doc.ResourceType = resourceType
		}
		if doc.ResourceID == "" {
			doc.ResourceID = resourceID
		}
		s.doc = doc
	case os.IsNotExist(err):
		// First mutation of this resource.
	default:
		// Unreadable sidecar: start fresh rather than losing the mutation.
	}
	return s, nil
}

// CurrentVersion returns the highest version number ever assigned.
func (s *Store) CurrentVersion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.CurrentVersion
}

// Len returns the number of retained versions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.Versions)
}

// SaveVersion appends a snapshot with the next version number. Histories
// over the retention bound drop the oldest version. The new version number
// is returned.
func (s *Store) SaveVersion(snapshot any, description string) (int, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return 0, errors.New("history", "SaveVersion", err).WithKind(errors.KindPersistence)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.CurrentVersion++
	v := Version{
		Version:     s.doc.CurrentVersion,
		Timestamp:   time.Now().UTC(),
		Snapshot:    data,
		Description: description,
	}
	s.doc.Versions = append([]Version{v}, s.doc.Versions...)
	if len(s.doc.Versions) > s.maxVersions {
		s.doc.Versions = s.doc.Versions[:s.maxVersions]
	}

	if err := s.saveLocked(); err != nil {
		return 0, err
	}
	return v.Version, nil
}

// Get returns the stored version with the given number.
func (s *Store) Get(version int) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(version)
}

func (s *Store) getLocked(version int) (*Version, error) {
	for i := range s.doc.Versions {
		if s.doc.Versions[i].Version == version {
			v := s.doc.Versions[i]
			return &v, nil
		}
	}
	return nil, errors.New("history", "Get",
		fmt.Errorf("version %d not found for %s '%s'", version, s.resourceType, s.resourceID)).
		WithKind(errors.KindResolution).
		WithDetails(map[string]any{"version": version, "resource_id": s.resourceID})
}

// Rollback stores currentState as a new version (so the rollback itself is
// undoable) and returns the snapshot at targetVersion. The caller applies
// the returned snapshot to the live resource.
func (s *Store) Rollback(targetVersion int, currentState any, description string) (json.RawMessage, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.getLocked(targetVersion)
	if err != nil {
		return nil, 0, err
	}

	data, err := json.Marshal(currentState)
	if err != nil {
		return nil, 0, errors.New("history", "Rollback", err).WithKind(errors.KindPersistence)
	}
	if description == "" {
		description = fmt.Sprintf("state before rollback to v%d", targetVersion)
	}

	s.doc.CurrentVersion++
	saved := Version{
		Version:     s.doc.CurrentVersion,
		Timestamp:   time.Now().UTC(),
		Snapshot:    data,
		Description: description,
	}
	s.doc.Versions = append([]Version{saved}, s.doc.Versions...)
	if len(s.doc.Versions) > s.maxVersions {
		s.doc.Versions = s.doc.Versions[:s.maxVersions]
	}

	if err := s.saveLocked(); err != nil {
		return nil, 0, err
	}
	return target.Snapshot, saved.Version, nil
}

// Compare returns the snapshots at the two versions unchanged. Rendering
// the difference is the formatter's concern.
func (s *Store) Compare(from, to int) (*Version, *Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.getLocked(from)
	if err != nil {
		return nil, nil, err
	}
	b, err := s.getLocked(to)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// History returns up to limit versions, newest first. A non-positive
// limit returns all retained versions.
func (s *Store) History(limit int) []Version {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.doc.Versions)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Version, n)
	copy(out, s.doc.Versions[:n])
	return out
}

// FormatHistory renders newest-first version summaries for tool output.
func (s *Store) FormatHistory(limit int) string {
	versions := s.History(limit)
	if len(versions) == 0 {
		return fmt.Sprintf("No versions recorded for %s '%s'.", s.resourceType, s.resourceID)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Version history for %s '%s' (current v%d):\n", s.resourceType, s.resourceID, s.CurrentVersion())
	for _, v := range versions {
		desc := v.Description
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Fprintf(&b, "  v%d  %s  %s\n", v.Version, v.Timestamp.Format(time.RFC3339), desc)
	}
	return b.String()
}

// FormatDiff renders a human-readable difference between two versions.
// Snapshots decode to generic JSON values so the diff shows fields, not
// raw bytes.
func FormatDiff(from, to *Version) string {
	var a, b any
	if err := json.Unmarshal(from.Snapshot, &a); err != nil {
		a = string(from.Snapshot)
	}
	if err := json.Unmarshal(to.Snapshot, &b); err != nil {
		b = string(to.Snapshot)
	}

	diff := cmp.Diff(a, b)
	if diff == "" {
		return fmt.Sprintf("Versions v%d and v%d are identical.", from.Version, to.Version)
	}
	return fmt.Sprintf("Diff v%d → v%d (-from +to):\n%s", from.Version, to.Version, diff)
}

func (s *Store) saveLocked() error {
	if err := persistence.SaveJSON(s.path, s.doc); err != nil {
		return errors.New("history", "save", err).WithKind(errors.KindPersistence).
			WithDetails(map[string]any{"path": s.path})
	}
	return nil
}
