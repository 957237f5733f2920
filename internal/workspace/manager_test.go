package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	// Plain copy keeps the tests independent of the host filesystem.
	m, err := NewManager(t.TempDir(), MethodCopy)
	require.NoError(t, err)
	return m
}

func seedRepo(t *testing.T, m *Manager, name string) {
	t.Helper()
	repo := m.RepoPath(name)
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("# demo\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "src", "main.go"), []byte("package main\n"), 0o644))
}

func TestLayoutCreated(t *testing.T) {
	m := newTestManager(t)
	for _, dir := range []string{m.ReposDir(), m.JobsDir(), m.StagingDir(), m.SnapshotsDir()} {
		fi, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}
}

func TestCloneRepoMaterializesWorkspace(t *testing.T) {
	m := newTestManager(t)
	seedRepo(t, m, "demo")

	ws, err := m.CloneRepo("demo", "J1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, m.JobPath("J1"), ws)

	data, err := os.ReadFile(filepath.Join(ws, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "# demo\n", string(data))

	_, err = os.Stat(filepath.Join(ws, "src", "main.go"))
	assert.NoError(t, err)
	assert.True(t, m.HasWorkspace("J1"))
}

func TestCloneRepoUnknownRepo(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CloneRepo("ghost", "J1", 0, 0)
	require.Error(t, err)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryNotFound))
}

func TestCloneRepoRejectsExistingWorkspace(t *testing.T) {
	m := newTestManager(t)
	seedRepo(t, m, "demo")

	_, err := m.CloneRepo("demo", "J1", 0, 0)
	require.NoError(t, err)
	_, err = m.CloneRepo("demo", "J1", 0, 0)
	require.Error(t, err)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryConflict))
}

func TestWorkspacePathsDisjointPerJob(t *testing.T) {
	m := newTestManager(t)
	seedRepo(t, m, "demo")

	wsA, err := m.CloneRepo("demo", "JA", 0, 0)
	require.NoError(t, err)
	wsB, err := m.CloneRepo("demo", "JB", 0, 0)
	require.NoError(t, err)
	assert.NotEqual(t, wsA, wsB)
}

func TestDestroyWorkspaceIdempotent(t *testing.T) {
	m := newTestManager(t)
	seedRepo(t, m, "demo")

	_, err := m.CloneRepo("demo", "J1", 0, 0)
	require.NoError(t, err)

	require.NoError(t, m.DestroyWorkspace("J1"))
	assert.False(t, m.HasWorkspace("J1"))

	// Second destroy is indistinguishable from the first.
	require.NoError(t, m.DestroyWorkspace("J1"))
	require.NoError(t, m.DestroyWorkspace("never-existed"))
}

func TestHardlinkTreeSharesInodes(t *testing.T) {
	root := t.TempDir()
	m, err := NewManager(root, MethodHardlink)
	require.NoError(t, err)
	seedRepo(t, m, "demo")

	ws, err := m.CloneRepo("demo", "J1", 0, 0)
	require.NoError(t, err)

	src, err := os.Stat(m.RepoPath("demo") + "/README.md")
	require.NoError(t, err)
	dst, err := os.Stat(filepath.Join(ws, "README.md"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(src, dst))
}

func TestDiskUsage(t *testing.T) {
	m := newTestManager(t)
	seedRepo(t, m, "demo")

	size, err := m.DiskUsage(m.RepoPath("demo"))
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}
