// Package persistence provides durable JSON state files shared by the
// session manager, framework and gate system state, argument history, and
// version histories. Writes are atomic: temp file, fsync, rename.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// SchemaVersion is written into every persisted JSON document.
const SchemaVersion = "1.0.0"

// WriteFileAtomic writes data to path through a temp file in the same
// directory, fsyncs, and renames into place so readers never observe a
// partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// SaveJSON marshals v with indentation and writes it atomically.
func SaveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return WriteFileAtomic(path, data, 0o644)
}

// LoadJSON reads path into v. A missing file surfaces as os.ErrNotExist
// so callers can fall back to empty state.
func LoadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// CheckVersion validates a persisted document's schema version. Any 1.x
// version is accepted; an empty version reads as the current schema.
func CheckVersion(version string) error {
	if version == "" {
		return nil
	}
	v, err := semver.NewVersion(strings.TrimPrefix(version, "v"))
	if err != nil {
		return fmt.Errorf("invalid schema version '%s': %w", version, err)
	}
	if v.Major() != 1 {
		return fmt.Errorf("unsupported schema version '%s': expected 1.x", version)
	}
	return nil
}
