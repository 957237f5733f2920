package browse

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
)

// passthroughResolver keeps tests independent of the workspace manager
// while still exercising relative-path handling.
type passthroughResolver struct{}

func (passthroughResolver) ResolveInside(workspace, userPath string) (string, error) {
	return filepath.Join(workspace, filepath.FromSlash(userPath)), nil
}

func fixtureTree(t *testing.T) string {
	t.Helper()
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "src", "deep"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "docs"), 0o755))
	for path, content := range map[string]string{
		"README.md":         "# readme",
		"main.go":           "package main",
		"src/util.go":       "package src",
		"src/deep/notes.md": "notes",
		"docs/guide.MD":     "guide",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(ws, filepath.FromSlash(path)), []byte(content), 0o644))
	}
	return ws
}

func newBrowser() *Browser { return New(passthroughResolver{}) }

func TestListDirectories(t *testing.T) {
	ws := fixtureTree(t)
	dirs, err := newBrowser().ListDirectories(ws, ".")
	require.NoError(t, err)

	names := make([]string, 0, len(dirs))
	for _, d := range dirs {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"docs", "src"}, names)
}

func TestListFilesSingleLevel(t *testing.T) {
	ws := fixtureTree(t)
	files, err := newBrowser().ListFiles(ws, ".", ListOptions{Type: "files"})
	require.NoError(t, err)

	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"README.md", "main.go"}, paths)
}

func TestListFilesRecursiveWithMask(t *testing.T) {
	ws := fixtureTree(t)
	files, err := newBrowser().ListFiles(ws, ".", ListOptions{Mask: "*.md", Type: "files", Depth: 5})
	require.NoError(t, err)

	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	// Suffix match is case-insensitive.
	assert.Equal(t, []string{"README.md", "docs/guide.MD", "src/deep/notes.md"}, paths)
}

func TestListFilesDirectoriesOnly(t *testing.T) {
	ws := fixtureTree(t)
	files, err := newBrowser().ListFiles(ws, ".", ListOptions{Type: "directories", Depth: 2})
	require.NoError(t, err)

	for _, f := range files {
		assert.True(t, f.Directory, f.Path)
	}
}

func TestListFilesRejectsBadInput(t *testing.T) {
	ws := fixtureTree(t)
	b := newBrowser()

	_, err := b.ListFiles(ws, ".", ListOptions{Mask: "../*.go"})
	assert.True(t, derrors.IsCategory(err, derrors.CategoryValidation))

	_, err = b.ListFiles(ws, ".", ListOptions{Type: "everything"})
	assert.True(t, derrors.IsCategory(err, derrors.CategoryValidation))
}

func TestMatchMask(t *testing.T) {
	cases := []struct {
		mask, name string
		want       bool
	}{
		{"", "anything.txt", true},
		{"*", "anything.txt", true},
		{"*.go", "main.go", true},
		{"*.go", "main.GO", true},
		{"*.go", "main.rs", false},
		{"*.go,*.md", "README.md", true},
		{"Makefile", "Makefile", true},
		{"Makefile", "makefile", false},
		{" *.md , *.go ", "util.go", true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, MatchMask(c.mask, c.name), "mask=%q name=%q", c.mask, c.name)
	}
}

func TestValidateMask(t *testing.T) {
	assert.NoError(t, ValidateMask("*.go,*.md"))
	for _, m := range []string{"..", "a/b", `a\b`, "bad\nmask"} {
		assert.Error(t, ValidateMask(m), m)
	}
}

func TestReadText(t *testing.T) {
	ws := fixtureTree(t)
	b := newBrowser()

	got, err := b.ReadText(ws, "README.md")
	require.NoError(t, err)
	assert.Equal(t, "# readme", got.Content)
	assert.Equal(t, "utf8", got.Encoding)

	_, err = b.ReadText(ws, "missing.txt")
	assert.True(t, derrors.IsCategory(err, derrors.CategoryNotFound))

	_, err = b.ReadText(ws, "src")
	assert.True(t, derrors.IsCategory(err, derrors.CategoryValidation))
}

func TestReadTextRejectsBinary(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "blob.bin"), []byte{0xff, 0xfe, 0x00, 0x01}, 0o644))

	_, err := newBrowser().ReadText(ws, "blob.bin")
	assert.True(t, derrors.IsCategory(err, derrors.CategoryValidation))
}

func TestOpenDownload(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "report.json"), []byte(`{"ok":true}`), 0o644))

	rc, size, ctype, err := newBrowser().Open(ws, "report.json")
	require.NoError(t, err)
	defer rc.Close()

	assert.Equal(t, int64(len(`{"ok":true}`)), size)
	assert.Contains(t, ctype, "application/json")

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))
}

func TestOpenUnknownExtensionFallsBackToOctetStream(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "data.qz9"), []byte("x"), 0o644))

	rc, _, ctype, err := newBrowser().Open(ws, "data.qz9")
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "application/octet-stream", ctype)
}
