// Package workspace owns the on-disk layout and manufactures per-job
// copy-on-write workspaces from the master repository pool. It is the only
// path entry into workspace I/O: every client-supplied path must pass
// ResolveInside before any file operation.
package workspace

import "path/filepath"

// Layout subdirectories under the configured root.
const (
	reposDir     = "repos"
	jobsDir      = "jobs"
	stagingDir   = "staging"
	snapshotsDir = "snapshots"
)

// ReposDir returns the master repository pool directory.
func (m *Manager) ReposDir() string { return filepath.Join(m.root, reposDir) }

// JobsDir returns the per-job workspace directory.
func (m *Manager) JobsDir() string { return filepath.Join(m.root, jobsDir) }

// StagingDir returns the pre-start upload directory.
func (m *Manager) StagingDir() string { return filepath.Join(m.root, stagingDir) }

// SnapshotsDir returns the durable persistence directory.
func (m *Manager) SnapshotsDir() string { return filepath.Join(m.root, snapshotsDir) }

// RepoPath returns the master clone path for a repository name.
func (m *Manager) RepoPath(name string) string { return filepath.Join(m.root, reposDir, name) }

// JobPath returns the workspace path for a job id.
func (m *Manager) JobPath(jobID string) string { return filepath.Join(m.root, jobsDir, jobID) }

// StagingPath returns the staging path for a job id.
func (m *Manager) StagingPath(jobID string) string {
	return filepath.Join(m.root, stagingDir, jobID)
}
