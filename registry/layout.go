package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirEntry names one directory-style resource: a directory under the root
// holding a canonical manifest file and an optional guidance.md.
type DirEntry struct {
	ID           string
	ManifestPath string
	GuidancePath string
}

// GuidanceFile is the markdown sidecar loaded into a resource's guidance
// field when the manifest leaves it empty.
const GuidanceFile = "guidance.md"

// DiscoverDirs lists the directory-style resources under root, sorted by
// id. Each immediate subdirectory whose name does not start with "." or
// "_" must contain manifest (e.g. gate.yaml); directories without one are
// skipped. A missing root yields an empty result.
func DiscoverDirs(root, manifest string) ([]DirEntry, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", root, err)
	}

	var found []DirEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
			continue
		}
		manifestPath := filepath.Join(root, name, manifest)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}
		entry := DirEntry{ID: name, ManifestPath: manifestPath}
		guidancePath := filepath.Join(root, name, GuidanceFile)
		if _, err := os.Stat(guidancePath); err == nil {
			entry.GuidancePath = guidancePath
		}
		found = append(found, entry)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	return found, nil
}
