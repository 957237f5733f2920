package job

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"git.home.luguber.info/inful/agentbatch/internal/logfields"
)

// Snapshotter flushes the job store to a durable JSON file after every
// terminal transition and on a floor cadence while jobs are in flight.
type Snapshotter struct {
	store *Store
	path  string
	mu    sync.Mutex
}

type snapshotFile struct {
	SavedAt time.Time `json:"savedAt"`
	Jobs    []*Job    `json:"jobs"`
}

// NewSnapshotter creates a snapshotter writing to path.
func NewSnapshotter(store *Store, path string) *Snapshotter {
	return &Snapshotter{store: store, path: path}
}

// Flush writes the current store contents atomically (tmp + rename).
func (s *Snapshotter) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := s.store.All()
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })

	data, err := json.MarshalIndent(snapshotFile{SavedAt: time.Now().UTC(), Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}

	slog.Debug("Job snapshot flushed", logfields.Path(s.path), slog.Int("jobs", len(jobs)))
	return nil
}

// Load reads the last snapshot. A missing file yields an empty slice.
func (s *Snapshotter) Load() ([]*Job, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return file.Jobs, nil
}

// Restore loads jobs into the store applying the boot reconciliation
// policy: intermediate states become failed[recover] because the real
// executor state is unknown, queued jobs are returned for re-enqueueing in
// creation order, and created jobs are preserved as-is. Workspaces of
// reconciled-failed jobs are intentionally kept for diagnosis.
func (s *Store) Restore(jobs []*Job) (requeue []string) {
	now := time.Now().UTC()

	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })

	s.mu.Lock()
	for _, j := range jobs {
		cp := snapshotOf(j)
		switch {
		case cp.State.Terminal(), cp.State == StateCreated:
			// Kept as-is.
		case cp.State == StateQueued:
			cp.QueuePosition = nil
			requeue = append(requeue, cp.ID)
		default:
			cp.State = StateFailed
			cp.ErrorKind = ErrorKindRecover
			cp.ErrorMessage = "server restarted while the job was in state " + string(j.State)
			cp.CompletedAt = &now
			slog.Warn("Job reconciled as failed after restart",
				logfields.JobID(cp.ID),
				slog.String("previous_state", string(j.State)))
		}
		s.jobs[cp.ID] = cp
		s.locks[cp.ID] = &sync.Mutex{}
	}
	s.mu.Unlock()
	return requeue
}
