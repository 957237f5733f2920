package job

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/agentbatch/internal/auth"
	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
	"git.home.luguber.info/inful/agentbatch/internal/events"
	"git.home.luguber.info/inful/agentbatch/internal/logfields"
)

// Store is the process-wide authoritative mapping jobId -> Job. All state
// transitions are written through Mutate/SetState, serialized by a per-job
// lock, then broadcast to watchers and the event sink.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	locks map[string]*sync.Mutex

	sink events.Sink

	watchMu  sync.Mutex
	watchers map[string][]chan Job

	// onTerminal is invoked (outside locks) after a job reaches a terminal
	// state; the daemon hooks the snapshot flush here.
	onTerminal func(Job)
}

// NewStore creates an empty store publishing transitions to sink.
func NewStore(sink events.Sink) *Store {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Store{
		jobs:     make(map[string]*Job),
		locks:    make(map[string]*sync.Mutex),
		sink:     sink,
		watchers: make(map[string][]chan Job),
	}
}

// SetOnTerminal registers the terminal-transition hook. Must be called
// before jobs start flowing.
func (s *Store) SetOnTerminal(fn func(Job)) { s.onTerminal = fn }

// Create allocates a job id and initializes the record at state created.
func (s *Store) Create(principal *auth.Principal, repository, prompt string, opts Options) *Job {
	j := &Job{
		ID:         uuid.NewString(),
		Owner:      principal.Username,
		Repository: repository,
		Prompt:     prompt,
		Title:      DeriveTitle(prompt),
		Options:    opts,
		State:      StateCreated,
		CreatedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.jobs[j.ID] = j
	s.locks[j.ID] = &sync.Mutex{}
	s.mu.Unlock()

	slog.Info("Job created",
		logfields.JobID(j.ID),
		logfields.Principal(j.Owner),
		logfields.Repository(repository))
	return snapshotOf(j)
}

// Get returns a copy of the job, enforcing ownership.
func (s *Store) Get(id string, principal *auth.Principal) (*Job, error) {
	s.mu.RLock()
	j, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, derrors.NotFoundError("job not found")
	}
	if !principal.CanAccess(j.Owner) {
		return nil, derrors.ForbiddenError("job belongs to another user")
	}
	return snapshotOf(j), nil
}

// ListFor returns the caller's jobs in creation-descending order.
// Administrators see every job.
func (s *Store) ListFor(principal *auth.Principal) []*Job {
	s.mu.RLock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if principal.CanAccess(j.Owner) {
			out = append(out, snapshotOf(j))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out
}

// All returns copies of every job regardless of owner (scheduler, reaper,
// snapshotter).
func (s *Store) All() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, snapshotOf(j))
	}
	return out
}

// Mutate applies fn under the job's lock and broadcasts the updated record.
// State changes inside fn must respect the lifecycle DAG; use SetState for
// transitions so validation and event publication happen in one place.
func (s *Store) Mutate(id string, fn func(*Job)) (*Job, error) {
	lock, j, err := s.lockFor(id)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	fn(j)
	updated := snapshotOf(j)
	lock.Unlock()

	s.notify(*updated)
	return updated, nil
}

// SetState performs a validated transition, publishes it, and broadcasts
// the updated record to watchers before returning, so observers never see
// a later stage first.
func (s *Store) SetState(id string, to State, detail string) (*Job, error) {
	lock, j, err := s.lockFor(id)
	if err != nil {
		return nil, err
	}

	lock.Lock()
	from := j.State
	if !CanTransition(from, to) {
		lock.Unlock()
		return nil, derrors.ConflictError("illegal state transition " + string(from) + " -> " + string(to))
	}
	j.State = to
	now := time.Now().UTC()
	switch to {
	case StateStaging:
		j.StartedAt = &now
		j.QueuePosition = nil
	case StateCompleted, StateFailed, StateTimeout, StateCancelled:
		j.CompletedAt = &now
		j.QueuePosition = nil
	}
	updated := snapshotOf(j)
	lock.Unlock()

	s.sink.Publish(events.Transition{
		JobID:  id,
		From:   string(from),
		To:     string(to),
		Detail: detail,
		At:     now,
	})
	slog.Info("Job state transition",
		logfields.JobID(id),
		slog.String("from", string(from)),
		logfields.JobState(string(to)))

	s.notify(*updated)
	if to.Terminal() && s.onTerminal != nil {
		s.onTerminal(*updated)
	}
	return updated, nil
}

// Delete removes a job record. Non-terminal jobs may only be removed via
// force (the admin/termination path).
func (s *Store) Delete(id string, principal *auth.Principal, force bool) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return derrors.NotFoundError("job not found")
	}
	if !principal.CanAccess(j.Owner) {
		s.mu.Unlock()
		return derrors.ForbiddenError("job belongs to another user")
	}
	if !j.State.Terminal() && !force {
		s.mu.Unlock()
		return derrors.ConflictError("job is not in a terminal state")
	}
	delete(s.jobs, id)
	delete(s.locks, id)
	s.mu.Unlock()

	s.closeWatchers(id)
	slog.Info("Job deleted", logfields.JobID(id), logfields.Principal(principal.Username))
	return nil
}

// Watch subscribes to updates for one job. The returned cancel function
// must be called to release the subscription.
func (s *Store) Watch(id string) (<-chan Job, func()) {
	ch := make(chan Job, 16)
	s.watchMu.Lock()
	s.watchers[id] = append(s.watchers[id], ch)
	s.watchMu.Unlock()

	cancel := func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		subs := s.watchers[id]
		for i, c := range subs {
			if c == ch {
				s.watchers[id] = append(subs[:i], subs[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, cancel
}

func (s *Store) notify(j Job) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers[j.ID] {
		select {
		case ch <- j:
		default:
			// Slow poller; it will catch up on its next read of the store.
		}
	}
}

func (s *Store) closeWatchers(id string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers[id] {
		close(ch)
	}
	delete(s.watchers, id)
}

func (s *Store) lockFor(id string) (*sync.Mutex, *Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil, derrors.NotFoundError("job not found")
	}
	return s.locks[id], j, nil
}

// snapshotOf deep-copies a job so callers never alias store-owned memory.
func snapshotOf(j *Job) *Job {
	cp := *j
	if j.QueuePosition != nil {
		v := *j.QueuePosition
		cp.QueuePosition = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		cp.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		cp.CompletedAt = &v
	}
	if j.ExitCode != nil {
		v := *j.ExitCode
		cp.ExitCode = &v
	}
	cp.Diagnostics = append([]string(nil), j.Diagnostics...)
	cp.Options.Images = append([]string(nil), j.Options.Images...)
	return &cp
}
