package history

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePrompt struct {
	Template string `json:"template"`
}

func openTestStore(t *testing.T, maxVersions int) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "summarize.yaml")
	s, err := Open(path, "prompt", "summarize", maxVersions)
	require.NoError(t, err)
	return s
}

func TestSaveVersion_Monotonic(t *testing.T) {
	s := openTestStore(t, 0)

	v1, err := s.SaveVersion(fakePrompt{Template: "one"}, "initial")
	require.NoError(t, err)
	v2, err := s.SaveVersion(fakePrompt{Template: "two"}, "edit")
	require.NoError(t, err)

	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, v2)
	assert.Equal(t, 2, s.CurrentVersion())

	// Newest first.
	versions := s.History(0)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)
	assert.Equal(t, 1, versions[1].Version)
}

func TestSaveVersion_FIFOPrune(t *testing.T) {
	s := openTestStore(t, 3)

	for i := 0; i < 5; i++ {
		_, err := s.SaveVersion(fakePrompt{Template: "t"}, "")
		require.NoError(t, err)
	}

	assert.Equal(t, 5, s.CurrentVersion(), "numbering keeps rising past the prune bound")
	versions := s.History(0)
	require.Len(t, versions, 3)
	assert.Equal(t, 5, versions[0].Version)
	assert.Equal(t, 3, versions[2].Version, "oldest versions are evicted first")
}

func TestRollback_SavesCurrentFirst(t *testing.T) {
	s := openTestStore(t, 0)

	_, err := s.SaveVersion(fakePrompt{Template: "original"}, "v1")
	require.NoError(t, err)
	_, err = s.SaveVersion(fakePrompt{Template: "edited"}, "v2")
	require.NoError(t, err)

	snapshot, newVersion, err := s.Rollback(1, fakePrompt{Template: "live"}, "")
	require.NoError(t, err)

	// The live state became v3; the returned snapshot is v1's.
	assert.Equal(t, 3, newVersion)
	var restored fakePrompt
	require.NoError(t, json.Unmarshal(snapshot, &restored))
	assert.Equal(t, "original", restored.Template)
}

func TestRollback_OfRollbackRestoresOriginal(t *testing.T) {
	s := openTestStore(t, 0)

	_, err := s.SaveVersion(fakePrompt{Template: "first"}, "")
	require.NoError(t, err)

	// Roll back to v1 with "second" live: "second" becomes v2.
	_, preRollback, err := s.Rollback(1, fakePrompt{Template: "second"}, "")
	require.NoError(t, err)

	// Rolling back to the pre-rollback version restores "second".
	snapshot, _, err := s.Rollback(preRollback, fakePrompt{Template: "first"}, "")
	require.NoError(t, err)

	var restored fakePrompt
	require.NoError(t, json.Unmarshal(snapshot, &restored))
	assert.Equal(t, "second", restored.Template)
}

func TestRollback_UnknownVersion(t *testing.T) {
	s := openTestStore(t, 0)
	_, _, err := s.Rollback(9, fakePrompt{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version 9 not found")
}

func TestCompare_ReturnsBothUnchanged(t *testing.T) {
	s := openTestStore(t, 0)
	_, err := s.SaveVersion(fakePrompt{Template: "a"}, "")
	require.NoError(t, err)
	_, err = s.SaveVersion(fakePrompt{Template: "b"}, "")
	require.NoError(t, err)

	from, to, err := s.Compare(1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, from.Version)
	assert.Equal(t, 2, to.Version)

	diff := FormatDiff(from, to)
	assert.Contains(t, diff, "v1")
	assert.Contains(t, diff, "v2")
	assert.NotContains(t, diff, "identical")

	same := FormatDiff(from, from)
	assert.Contains(t, same, "identical")
}

func TestOpen_ReloadsPersistedHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gate.yaml")

	s, err := Open(path, "gate", "code-review", 0)
	require.NoError(t, err)
	_, err = s.SaveVersion(map[string]string{"name": "Code Review"}, "created")
	require.NoError(t, err)

	reopened, err := Open(path, "gate", "code-review", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.CurrentVersion())
	require.Equal(t, 1, reopened.Len())
	assert.Equal(t, "created", reopened.History(0)[0].Description)
}

func TestFormatHistory(t *testing.T) {
	s := openTestStore(t, 0)
	assert.Contains(t, s.FormatHistory(0), "No versions recorded")

	_, err := s.SaveVersion(fakePrompt{Template: "x"}, "first save")
	require.NoError(t, err)

	out := s.FormatHistory(10)
	assert.Contains(t, out, "current v1")
	assert.Contains(t, out, "first save")
}
