package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
	"git.home.luguber.info/inful/agentbatch/internal/logfields"
)

// Manager maintains the master repository pool and manufactures per-job
// CoW clones under a single root directory.
type Manager struct {
	root   string
	method Method

	mu      sync.Mutex
	cloning map[string]struct{} // job ids with a clone in flight
}

// NewManager creates the layout under root and probes the CoW capability.
// An override pins the method instead of probing.
func NewManager(root string, override Method) (*Manager, error) {
	for _, dir := range []string{reposDir, jobsDir, stagingDir, snapshotsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o750); err != nil {
			return nil, fmt.Errorf("create layout directory %s: %w", dir, err)
		}
	}

	m := &Manager{root: root, cloning: make(map[string]struct{})}
	if override != "" {
		m.method = override
	} else {
		m.method = detectMethod(root)
	}
	slog.Info("Workspace manager ready", logfields.Path(root), slog.String("cow_method", string(m.method)))
	return m, nil
}

// Root returns the layout root.
func (m *Manager) Root() string { return m.root }

// Method returns the CoW technique recorded at startup.
func (m *Manager) Method() Method { return m.method }

// CloneRepo atomically materializes the workspace for jobID from the master
// clone of the named repository. On any partial failure the partially
// created directory is removed before returning. Concurrent calls for the
// same job id are rejected.
func (m *Manager) CloneRepo(name, jobID string, uid, gid int) (string, error) {
	m.mu.Lock()
	if _, busy := m.cloning[jobID]; busy {
		m.mu.Unlock()
		return "", derrors.ConflictError("workspace clone already in progress for job")
	}
	m.cloning[jobID] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cloning, jobID)
		m.mu.Unlock()
	}()

	src := m.RepoPath(name)
	if fi, err := os.Stat(src); err != nil || !fi.IsDir() {
		return "", derrors.NotFoundError("repository has no master clone")
	}

	dst := m.JobPath(jobID)
	if _, err := os.Stat(dst); err == nil {
		return "", derrors.ConflictError("workspace already exists for job")
	}

	if err := m.clone(src, dst); err != nil {
		_ = os.RemoveAll(dst)
		return "", derrors.WrapSystem(err, "workspace clone failed")
	}

	// The workspace and everything in it belong to the job's principal.
	if os.Getuid() == 0 && uid > 0 {
		if err := chownTree(dst, uid, gid); err != nil {
			_ = os.RemoveAll(dst)
			return "", derrors.WrapSystem(err, "workspace ownership change failed")
		}
	}

	slog.Info("Workspace materialized",
		logfields.JobID(jobID),
		logfields.Repository(name),
		logfields.Path(dst),
		slog.String("cow_method", string(m.method)))
	return dst, nil
}

// DestroyWorkspace removes a job's workspace. Idempotent: a missing
// workspace is not an error.
func (m *Manager) DestroyWorkspace(jobID string) error {
	return m.destroy(m.JobPath(jobID))
}

// DestroyStaging removes a job's staging area. Idempotent.
func (m *Manager) DestroyStaging(jobID string) error {
	return m.destroy(m.StagingPath(jobID))
}

func (m *Manager) destroy(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	// Snapshot-method workspaces need the subvolume deleted first; RemoveAll
	// handles the fallback-copied ones.
	if m.method == MethodSnapshot {
		_ = deleteSubvolume(path)
	}
	if err := os.RemoveAll(path); err != nil {
		return derrors.WrapSystem(err, "workspace removal failed")
	}
	slog.Debug("Workspace removed", logfields.Path(path))
	return nil
}

// HasWorkspace reports whether the job's workspace is materialized.
func (m *Manager) HasWorkspace(jobID string) bool {
	fi, err := os.Stat(m.JobPath(jobID))
	return err == nil && fi.IsDir()
}

// DiskUsage sums the apparent size of a tree in bytes.
func (m *Manager) DiskUsage(path string) (int64, error) {
	var total int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func chownTree(root string, uid, gid int) error {
	return filepath.Walk(root, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Lchown(path, uid, gid)
	})
}
