package prompt

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Discovered names one prompt manifest on disk.
type Discovered struct {
	ID   string
	Path string
}

// Discover walks root and returns every prompt manifest, sorted by id. A
// directory containing prompt.yaml is a prompt whose id is the /-joined
// relative directory path; any other *.yaml file is a standalone prompt
// named by its path without the extension. Names starting with "." or "_"
// are skipped along with their subtrees. A missing root yields an empty
// result.
func Discover(root string) ([]Discovered, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	var found []Discovered
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if p != root && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		rel, rerr := filepath.Rel(root, p)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)

		var id string
		if name == "prompt.yaml" || name == "prompt.yml" {
			id = path.Dir(rel)
			if id == "." {
				// A prompt.yaml at the root itself has no addressable id.
				return nil
			}
		} else {
			id = strings.TrimSuffix(rel, ext)
		}
		found = append(found, Discovered{ID: id, Path: p})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
	return found, nil
}

// lastSegment returns the final /-delimited segment of an id.
func lastSegment(id string) string {
	if i := strings.LastIndexByte(id, '/'); i >= 0 {
		return id[i+1:]
	}
	return id
}
