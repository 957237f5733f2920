// Package registry tracks registered repositories: master clones under
// <root>/repos/, their clone lifecycle, and live git metadata. Names are
// unique case-insensitively while the on-disk directory keeps the
// caller-supplied casing.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
	"git.home.luguber.info/inful/agentbatch/internal/gitops"
	"git.home.luguber.info/inful/agentbatch/internal/logfields"
)

// CloneState is the lifecycle of a master clone.
type CloneState string

const (
	CloneStateCloning     CloneState = "cloning"
	CloneStateCompleted   CloneState = "completed"
	CloneStateGitFailed   CloneState = "git_failed"
	CloneStateIndexFailed CloneState = "index_failed"
)

// Repository is one registered repository.
type Repository struct {
	Name         string     `json:"name"`
	OriginURL    string     `json:"originUrl"`
	Description  string     `json:"description,omitempty"`
	IndexAware   bool       `json:"indexAware"`
	RegisteredAt time.Time  `json:"registeredAt"`
	CloneState   CloneState `json:"cloneState"`
	CloneError   string     `json:"cloneError,omitempty"`

	// Derived at query time, never persisted.
	Metadata *gitops.Metadata `json:"metadata,omitempty"`
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Paths locates the repository pool. Satisfied by workspace.Manager.
type Paths interface {
	ReposDir() string
	RepoPath(name string) string
	SnapshotsDir() string
}

// MasterIndexer builds the persistent index in a master clone. Satisfied
// by indexer.Service.
type MasterIndexer interface {
	Available() bool
	BuildMasterIndex(ctx context.Context, workspace string) error
}

// LiveJobsFunc reports whether any non-terminal job references the
// repository name.
type LiveJobsFunc func(name string) bool

// Registry is the in-memory repository map with JSON persistence.
type Registry struct {
	mu    sync.RWMutex
	repos map[string]*Repository // key: lowercase name

	paths    Paths
	indexer  MasterIndexer
	liveJobs LiveJobsFunc

	wg sync.WaitGroup
}

// New creates a registry and loads the persisted state.
func New(paths Paths, idx MasterIndexer, liveJobs LiveJobsFunc) (*Registry, error) {
	r := &Registry{
		repos:    make(map[string]*Repository),
		paths:    paths,
		indexer:  idx,
		liveJobs: liveJobs,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) persistPath() string {
	return filepath.Join(r.paths.SnapshotsDir(), "repositories.json")
}

// load restores the registry. Clones interrupted by a restart are marked
// git_failed; the operator unregisters and re-registers.
func (r *Registry) load() error {
	data, err := os.ReadFile(r.persistPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read repository registry: %w", err)
	}
	var repos []*Repository
	if err := json.Unmarshal(data, &repos); err != nil {
		return fmt.Errorf("parse repository registry: %w", err)
	}
	for _, repo := range repos {
		if repo.CloneState == CloneStateCloning {
			repo.CloneState = CloneStateGitFailed
			repo.CloneError = "clone interrupted by server restart"
			slog.Warn("Repository clone reconciled as failed after restart",
				logfields.Repository(repo.Name))
		}
		r.repos[strings.ToLower(repo.Name)] = repo
	}
	return nil
}

// persist writes the registry atomically. Caller must not hold r.mu.
func (r *Registry) persist() {
	r.mu.RLock()
	repos := make([]*Repository, 0, len(r.repos))
	for _, repo := range r.repos {
		cp := *repo
		cp.Metadata = nil
		repos = append(repos, &cp)
	}
	r.mu.RUnlock()
	sort.Slice(repos, func(a, b int) bool { return repos[a].Name < repos[b].Name })

	data, err := json.MarshalIndent(repos, "", "  ")
	if err != nil {
		slog.Error("Cannot marshal repository registry", logfields.Error(err))
		return
	}
	path := r.persistPath()
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err == nil {
		if err := os.WriteFile(tmp, data, 0o640); err == nil {
			err = os.Rename(tmp, path)
		}
	}
	if err != nil {
		slog.Error("Cannot persist repository registry", logfields.Error(err))
	}
}

// Register validates the name, reserves it, and starts the background
// clone. The returned snapshot is in state cloning.
func (r *Registry) Register(name, originURL, description string, indexAware bool) (*Repository, error) {
	if !nameRe.MatchString(name) {
		return nil, derrors.ValidationError("repository name must be filesystem-safe")
	}
	if strings.TrimSpace(originURL) == "" {
		return nil, derrors.ValidationError("gitUrl is required")
	}

	repo := &Repository{
		Name:         name,
		OriginURL:    originURL,
		Description:  description,
		IndexAware:   indexAware,
		RegisteredAt: time.Now().UTC(),
		CloneState:   CloneStateCloning,
	}

	key := strings.ToLower(name)
	r.mu.Lock()
	if _, exists := r.repos[key]; exists {
		r.mu.Unlock()
		return nil, derrors.ConflictError("repository name is already registered")
	}
	r.repos[key] = repo
	r.mu.Unlock()
	r.persist()

	slog.Info("Repository registered",
		logfields.Repository(name), logfields.URL(originURL))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.clone(repo)
	}()

	snapshot := *repo
	return &snapshot, nil
}

// clone runs the master clone and optional index build, updating state.
func (r *Registry) clone(repo *Repository) {
	path := r.paths.RepoPath(repo.Name)

	if err := gitops.Clone(context.Background(), repo.OriginURL, path, ""); err != nil {
		os.RemoveAll(path)
		r.setCloneState(repo.Name, CloneStateGitFailed, err.Error())
		slog.Error("Repository clone failed",
			logfields.Repository(repo.Name), logfields.Error(err))
		return
	}

	if repo.IndexAware && r.indexer != nil && r.indexer.Available() {
		if err := r.indexer.BuildMasterIndex(context.Background(), path); err != nil {
			// The clone stays usable; only indexing is degraded.
			r.setCloneState(repo.Name, CloneStateIndexFailed, err.Error())
			slog.Warn("Master index build failed",
				logfields.Repository(repo.Name), logfields.Error(err))
			return
		}
	}
	r.setCloneState(repo.Name, CloneStateCompleted, "")
}

func (r *Registry) setCloneState(name string, state CloneState, msg string) {
	r.mu.Lock()
	if repo, ok := r.repos[strings.ToLower(name)]; ok {
		repo.CloneState = state
		repo.CloneError = msg
	}
	r.mu.Unlock()
	r.persist()
}

// Unregister removes the repository and its on-disk tree. Fails with a
// conflict while any non-terminal job references it.
func (r *Registry) Unregister(name string) error {
	key := strings.ToLower(name)

	r.mu.RLock()
	repo, ok := r.repos[key]
	r.mu.RUnlock()
	if !ok {
		return derrors.NotFoundError("repository not registered")
	}
	if r.liveJobs != nil && r.liveJobs(repo.Name) {
		return derrors.ConflictError("repository has non-terminal jobs")
	}

	if err := os.RemoveAll(r.paths.RepoPath(repo.Name)); err != nil {
		return derrors.WrapSystem(err, "remove repository tree")
	}

	r.mu.Lock()
	delete(r.repos, key)
	r.mu.Unlock()
	r.persist()

	slog.Info("Repository unregistered", logfields.Repository(repo.Name))
	return nil
}

// List returns every repository with live metadata, name-ascending.
func (r *Registry) List() []*Repository {
	r.mu.RLock()
	out := make([]*Repository, 0, len(r.repos))
	for _, repo := range r.repos {
		cp := *repo
		out = append(out, &cp)
	}
	r.mu.RUnlock()

	for _, repo := range out {
		repo.Metadata = r.readMetadata(repo)
	}
	sort.Slice(out, func(a, b int) bool {
		return strings.ToLower(out[a].Name) < strings.ToLower(out[b].Name)
	})
	return out
}

// Get returns one repository with live metadata.
func (r *Registry) Get(name string) (*Repository, error) {
	r.mu.RLock()
	repo, ok := r.repos[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, derrors.NotFoundError("repository not registered")
	}
	cp := *repo
	cp.Metadata = r.readMetadata(&cp)
	return &cp, nil
}

// readMetadata derives the live git fields, tolerating missing checkouts
// while a clone is in flight or after a failure.
func (r *Registry) readMetadata(repo *Repository) *gitops.Metadata {
	path := r.paths.RepoPath(repo.Name)
	if !gitops.IsCheckout(path) {
		return nil
	}
	meta, err := gitops.ReadMetadata(path)
	if err != nil {
		slog.Debug("Cannot read repository metadata",
			logfields.Repository(repo.Name), logfields.Error(err))
		return nil
	}
	return meta
}

// Wait blocks until background clones are done. Test and shutdown helper.
func (r *Registry) Wait() { r.wg.Wait() }
