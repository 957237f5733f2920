// Package scheduler admits queued jobs into execution slots. Admission is
// strictly FIFO across all users; at most maxConcurrent jobs hold a slot.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"git.home.luguber.info/inful/agentbatch/internal/auth"
	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
	"git.home.luguber.info/inful/agentbatch/internal/job"
	"git.home.luguber.info/inful/agentbatch/internal/logfields"
)

// RunFunc executes one admitted job to a terminal state. It must honor ctx
// cancellation and must itself record the terminal transition.
type RunFunc func(ctx context.Context, jobID string)

// Gauges receives live queue depth and slot occupancy.
type Gauges interface {
	SetQueueDepth(n int)
	SetRunning(n int)
}

type nopGauges struct{}

func (nopGauges) SetQueueDepth(int) {}
func (nopGauges) SetRunning(int)    {}

// Scheduler owns the FIFO queue and the admission worker.
type Scheduler struct {
	store  *job.Store
	run    RunFunc
	max    int
	gauges Gauges

	mu      sync.Mutex
	queue   []string
	running map[string]context.CancelFunc

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a scheduler with maxConcurrent execution slots.
func New(store *job.Store, maxConcurrent int, run RunFunc, gauges Gauges) *Scheduler {
	if gauges == nil {
		gauges = nopGauges{}
	}
	return &Scheduler{
		store:   store,
		run:     run,
		max:     maxConcurrent,
		gauges:  gauges,
		running: make(map[string]context.CancelFunc),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
}

// Start launches the admission worker.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.admissionLoop()
}

// Stop cancels all running jobs, drains the worker, and returns once every
// pipeline goroutine has finished.
func (s *Scheduler) Stop() {
	close(s.quit)

	s.mu.Lock()
	for id, cancel := range s.running {
		slog.Info("Cancelling job for shutdown", logfields.JobID(id))
		cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Enqueue moves a created job to queued and appends it to the FIFO tail.
func (s *Scheduler) Enqueue(jobID string) error {
	if _, err := s.store.SetState(jobID, job.StateQueued, ""); err != nil {
		return err
	}

	s.mu.Lock()
	s.queue = append(s.queue, jobID)
	s.renumberLocked()
	s.mu.Unlock()

	s.kick()
	return nil
}

// Requeue re-inserts already-queued jobs after a restart, preserving the
// given order. No state transition is performed.
func (s *Scheduler) Requeue(ids []string) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, ids...)
	s.renumberLocked()
	s.mu.Unlock()
	s.kick()
}

// Cancel terminates a job wherever it is in its lifecycle. A queued job is
// removed from the queue and marked cancelled immediately; a running job
// gets its context cancelled and the pipeline records the terminal state.
func (s *Scheduler) Cancel(jobID, reason string) error {
	s.mu.Lock()
	if cancel, ok := s.running[jobID]; ok {
		s.mu.Unlock()
		cancel()
		return nil
	}
	for i, id := range s.queue {
		if id == jobID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.renumberLocked()
			s.mu.Unlock()

			_, err := s.store.SetState(jobID, job.StateCancelled, reason)
			if err == nil {
				_, err2 := s.store.Mutate(jobID, func(j *job.Job) {
					j.ErrorKind = job.ErrorKindCancelled
					j.ErrorMessage = reason
				})
				err = err2
			}
			return err
		}
	}
	s.mu.Unlock()

	// Not under scheduler control: created jobs cancel directly. Cancelling
	// an already-terminal job is a success no-op.
	if j, err := s.store.Get(jobID, auth.System()); err != nil {
		return err
	} else if j.State.Terminal() {
		return nil
	}
	if _, err := s.store.SetState(jobID, job.StateCancelled, reason); err != nil {
		return err
	}
	_, err := s.store.Mutate(jobID, func(j *job.Job) {
		j.ErrorKind = job.ErrorKindCancelled
		j.ErrorMessage = reason
	})
	return err
}

// QueueDepth returns the number of jobs waiting for a slot.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// RunningCount returns the number of occupied slots.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *Scheduler) admissionLoop() {
	defer s.wg.Done()
	for {
		s.admitReady()
		select {
		case <-s.wake:
		case <-s.quit:
			return
		}
	}
}

// admitReady pops queue heads into free slots.
func (s *Scheduler) admitReady() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || len(s.running) >= s.max {
			s.mu.Unlock()
			return
		}
		id := s.queue[0]
		s.queue = s.queue[1:]

		ctx, cancel := context.WithCancel(context.Background())
		s.running[id] = cancel
		s.renumberLocked()
		s.mu.Unlock()

		slog.Info("Job admitted", logfields.JobID(id))
		s.wg.Add(1)
		go func(id string, ctx context.Context, cancel context.CancelFunc) {
			defer s.wg.Done()
			defer cancel()
			s.run(ctx, id)

			s.mu.Lock()
			delete(s.running, id)
			s.gauges.SetRunning(len(s.running))
			s.mu.Unlock()
			s.kick()
		}(id, ctx, cancel)
	}
}

// renumberLocked rewrites queue positions (1-based) after any queue edit.
// Caller holds s.mu.
func (s *Scheduler) renumberLocked() {
	s.gauges.SetQueueDepth(len(s.queue))
	s.gauges.SetRunning(len(s.running))
	for i, id := range s.queue {
		pos := i + 1
		if _, err := s.store.Mutate(id, func(j *job.Job) {
			j.QueuePosition = &pos
		}); err != nil && !derrors.IsCategory(err, derrors.CategoryNotFound) {
			slog.Warn("Cannot update queue position", logfields.JobID(id), logfields.Error(err))
		}
	}
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
