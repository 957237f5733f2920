package staging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
)

type tempPaths struct{ root string }

func (p tempPaths) StagingPath(jobID string) string {
	return filepath.Join(p.root, "staging", jobID)
}

func newStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(tempPaths{root: t.TempDir()})
}

func TestUploadListDownloadRoundTrip(t *testing.T) {
	s := newStore(t)

	stored, err := s.Save("job1", "notes.txt", strings.NewReader("the payload"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored, "notes_"))
	assert.True(t, strings.HasSuffix(stored, ".txt"))

	entries, err := s.List("job1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, stored, entries[0].StoredName)
	assert.Equal(t, "notes.txt", entries[0].OriginalName)
	assert.Equal(t, int64(len("the payload")), entries[0].Size)

	// Download by original name resolves to the unique match.
	path, err := s.Resolve("job1", "notes.txt")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "the payload", string(data))

	// And by stored name directly.
	path2, err := s.Resolve("job1", stored)
	require.NoError(t, err)
	assert.Equal(t, path, path2)
}

func TestDuplicateUploadsDoNotCollide(t *testing.T) {
	s := newStore(t)

	a, err := s.Save("job1", "notes.txt", strings.NewReader("first"))
	require.NoError(t, err)
	b, err := s.Save("job1", "notes.txt", strings.NewReader("second"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	// Original-name resolution is now ambiguous.
	_, err = s.Resolve("job1", "notes.txt")
	require.Error(t, err)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryValidation))

	// Stored names still resolve individually.
	_, err = s.Resolve("job1", a)
	assert.NoError(t, err)
}

func TestResolveUnknownFile(t *testing.T) {
	s := newStore(t)
	_, err := s.Resolve("job1", "absent.txt")
	assert.True(t, derrors.IsCategory(err, derrors.CategoryNotFound))
}

func TestFilenameValidation(t *testing.T) {
	s := newStore(t)
	for _, name := range []string{"", "..", "a/b.txt", `a\b.txt`, "evil\x00.txt", "bad\nname"} {
		_, err := s.Save("job1", name, strings.NewReader("x"))
		require.Error(t, err, "name %q", name)
		assert.True(t, derrors.IsCategory(err, derrors.CategoryValidation))
	}
}

func TestListEmptyJob(t *testing.T) {
	s := newStore(t)
	entries, err := s.List("nothing-staged")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMaterializeIntoWorkspace(t *testing.T) {
	s := newStore(t)
	ws := t.TempDir()

	_, err := s.Save("job1", "input.csv", strings.NewReader("a,b,c"))
	require.NoError(t, err)
	imgStored, err := s.SaveImage("job1", "shot.png", strings.NewReader("PNG"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(imgStored, "images/"))

	images, err := s.MaterializeInto("job1", ws)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.True(t, strings.HasPrefix(images[0], filepath.Join(ws, "images")))

	// Plain file lands at the workspace root with its stored name.
	entries, err := os.ReadDir(ws)
	require.NoError(t, err)
	var foundCsv bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "input_") && strings.HasSuffix(e.Name(), ".csv") {
			foundCsv = true
		}
	}
	assert.True(t, foundCsv)

	data, err := os.ReadFile(images[0])
	require.NoError(t, err)
	assert.Equal(t, "PNG", string(data))
}

func TestDestroyIsIdempotent(t *testing.T) {
	s := newStore(t)
	_, err := s.Save("job1", "f.txt", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, s.Destroy("job1"))
	require.NoError(t, s.Destroy("job1"))

	entries, err := s.List("job1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOriginalNameStripsUUIDSuffixOnly(t *testing.T) {
	stored := storedName("my_report.txt")
	assert.Equal(t, "my_report.txt", originalName(stored))
	// A plain underscore name without a uuid suffix is left alone.
	assert.Equal(t, "my_report.txt", originalName("my_report.txt"))
}
