package gitops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a local checkout with a single commit.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial import", &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.invalid", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

func TestIsCheckout(t *testing.T) {
	dir := initRepo(t)
	assert.True(t, IsCheckout(dir))
	assert.False(t, IsCheckout(t.TempDir()))
}

func TestReadMetadata(t *testing.T) {
	dir := initRepo(t)

	meta, err := ReadMetadata(dir)
	require.NoError(t, err)

	assert.Len(t, meta.Head, 40)
	assert.Equal(t, "initial import", meta.HeadSubject)
	assert.Equal(t, "tester", meta.HeadAuthor)
	assert.False(t, meta.Dirty)
	assert.Greater(t, meta.SizeBytes, int64(0))
	// Fresh local repo has no upstream; counts stay zero.
	assert.Zero(t, meta.Ahead)
	assert.Zero(t, meta.Behind)
}

func TestReadMetadataDirtyFlag(t *testing.T) {
	dir := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "untracked.txt"), []byte("x"), 0o644))

	meta, err := ReadMetadata(dir)
	require.NoError(t, err)
	assert.True(t, meta.Dirty)
}

func TestReadMetadataNotARepo(t *testing.T) {
	_, err := ReadMetadata(t.TempDir())
	require.Error(t, err)
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "subject", firstLine("subject\n\nbody"))
	assert.Equal(t, "bare", firstLine("bare"))
}
