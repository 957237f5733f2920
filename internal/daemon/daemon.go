// Package daemon assembles the components into a running service: workspace
// layout, event log, job store, scheduler, pipeline, registry, and the HTTP
// surface, plus the periodic housekeeping jobs (snapshots, retention,
// event-log pruning) and the binary availability watchers.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/agentbatch/internal/auth"
	"git.home.luguber.info/inful/agentbatch/internal/auth/token"
	"git.home.luguber.info/inful/agentbatch/internal/browse"
	"git.home.luguber.info/inful/agentbatch/internal/config"
	"git.home.luguber.info/inful/agentbatch/internal/events"
	"git.home.luguber.info/inful/agentbatch/internal/indexer"
	"git.home.luguber.info/inful/agentbatch/internal/job"
	"git.home.luguber.info/inful/agentbatch/internal/logfields"
	"git.home.luguber.info/inful/agentbatch/internal/metrics"
	"git.home.luguber.info/inful/agentbatch/internal/pipeline"
	"git.home.luguber.info/inful/agentbatch/internal/registry"
	"git.home.luguber.info/inful/agentbatch/internal/runner"
	"git.home.luguber.info/inful/agentbatch/internal/scheduler"
	"git.home.luguber.info/inful/agentbatch/internal/server"
	"git.home.luguber.info/inful/agentbatch/internal/staging"
	"git.home.luguber.info/inful/agentbatch/internal/workspace"
)

// Daemon owns the lifecycle of every long-running component.
type Daemon struct {
	cfg *config.Config

	manager     *workspace.Manager
	store       *job.Store
	snapshotter *job.Snapshotter
	sched       *scheduler.Scheduler
	reg         *registry.Registry
	idx         *indexer.Service
	srv         *server.Server
	recorder    *metrics.Recorder

	eventLog *events.SQLiteStore
	bus      *events.Bus

	cron     gocron.Scheduler
	watchers []*indexer.BinaryWatcher
}

// New wires every component from the validated configuration. Nothing is
// started yet; call Start.
func New(cfg *config.Config) (*Daemon, error) {
	manager, err := workspace.NewManager(cfg.Workspace.Root, workspace.Method(cfg.Cow.Method))
	if err != nil {
		return nil, fmt.Errorf("workspace layout: %w", err)
	}

	eventLog, err := events.NewSQLiteStore(filepath.Join(manager.SnapshotsDir(), "events.db"))
	if err != nil {
		return nil, fmt.Errorf("event log: %w", err)
	}

	// The NATS mirror is best-effort from the first moment: an unreachable
	// broker at boot degrades to the local log only.
	var mirror *events.NATSPublisher
	if cfg.Events.NATSURL != "" {
		mirror, err = events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.NATSSubject)
		if err != nil {
			slog.Warn("NATS mirror unavailable, continuing without it",
				logfields.URL(cfg.Events.NATSURL), logfields.Error(err))
			mirror = nil
		}
	}
	bus := events.NewBus(eventLog, mirror)

	store := job.NewStore(bus)
	snapshotter := job.NewSnapshotter(store, filepath.Join(manager.SnapshotsDir(), "jobs.json"))

	verifier := auth.NewVerifier(cfg.Auth.AdminUsers)
	run := runner.New(cfg.Executor)
	idx := indexer.NewService(cfg.Index.Binary, run)
	stage := staging.NewStore(manager)
	recorder := metrics.NewRecorder()

	reg, err := registry.New(manager, idx, func(name string) bool {
		for _, j := range store.All() {
			if j.Repository == name && !j.State.Terminal() {
				return true
			}
		}
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("repository registry: %w", err)
	}

	coord := pipeline.New(pipeline.Config{
		Store:   store,
		Staging: stage,
		Runner:  run,
		Indexer: idx,
		Lookup:  verifier.Lookup,
		IndexAware: func(name string) bool {
			r, err := reg.Get(name)
			return err == nil && r.IndexAware
		},
		Metrics:        recorder,
		DefaultTimeout: cfg.Jobs.DefaultTimeout(),
		MaxTimeout:     cfg.Jobs.MaxTimeout(),
	})

	sched := scheduler.New(store, cfg.Jobs.MaxConcurrent, coord.Run, recorder)

	d := &Daemon{
		cfg:         cfg,
		manager:     manager,
		store:       store,
		snapshotter: snapshotter,
		sched:       sched,
		reg:         reg,
		idx:         idx,
		recorder:    recorder,
		eventLog:    eventLog,
		bus:         bus,
	}

	// Every terminal transition lands on disk before the retention window
	// starts counting against it.
	store.SetOnTerminal(func(job.Job) {
		if err := snapshotter.Flush(); err != nil {
			slog.Warn("Snapshot flush after terminal transition failed", logfields.Error(err))
		}
	})

	d.srv = server.New(server.Deps{
		Config:     cfg,
		Verifier:   verifier,
		Tokens:     token.NewIssuer(cfg.Auth.SigningKey, cfg.Auth.TokenTTL()),
		Jobs:       store,
		Scheduler:  sched,
		Registry:   reg,
		Workspaces: manager,
		Staging:    stage,
		Browser:    browse.New(manager),
		Metrics:    recorder,
		Events:     eventLog,
	})

	d.cron, err = gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("cron scheduler: %w", err)
	}
	return d, nil
}

// Start restores persisted state, launches the scheduler and housekeeping,
// and binds the HTTP listeners. On error nothing keeps running.
func (d *Daemon) Start(ctx context.Context) error {
	persisted, err := d.snapshotter.Load()
	if err != nil {
		return fmt.Errorf("load job snapshot: %w", err)
	}
	requeue := d.store.Restore(persisted)
	slog.Info("Job store restored",
		slog.Int("jobs", len(persisted)),
		slog.Int("requeued", len(requeue)))

	d.sched.Start()
	d.sched.Requeue(requeue)

	if err := d.startWatchers(); err != nil {
		d.sched.Stop()
		return err
	}
	if err := d.startHousekeeping(); err != nil {
		d.closeWatchers()
		d.sched.Stop()
		return err
	}
	d.cron.Start()

	if err := d.srv.Start(ctx); err != nil {
		_ = d.cron.Shutdown()
		d.closeWatchers()
		d.sched.Stop()
		return err
	}
	return nil
}

// startWatchers observes the executor and index binaries. Index availability
// gates index building for new jobs; the executor state is surfaced in the
// log because jobs cannot run without it.
func (d *Daemon) startWatchers() error {
	execWatcher, err := indexer.WatchBinary(d.cfg.Executor.Binary, func(available bool) {
		if available {
			slog.Info("Executor binary available", logfields.Path(d.cfg.Executor.Binary))
		} else {
			slog.Warn("Executor binary missing or not executable", logfields.Path(d.cfg.Executor.Binary))
		}
	})
	if err != nil {
		return fmt.Errorf("watch executor binary: %w", err)
	}
	d.watchers = append(d.watchers, execWatcher)

	if d.cfg.Index.Binary == "" {
		return nil
	}
	idxWatcher, err := indexer.WatchBinary(d.cfg.Index.Binary, func(available bool) {
		d.idx.SetAvailable(available)
		slog.Info("Index binary availability changed",
			logfields.Path(d.cfg.Index.Binary), slog.Bool("available", available))
	})
	if err != nil {
		d.closeWatchers()
		return fmt.Errorf("watch index binary: %w", err)
	}
	d.watchers = append(d.watchers, idxWatcher)
	return nil
}

func (d *Daemon) closeWatchers() {
	for _, w := range d.watchers {
		_ = w.Close()
	}
	d.watchers = nil
}

// startHousekeeping registers the periodic jobs: the snapshot floor cadence,
// the terminal-job retention reaper, and event-log pruning.
func (d *Daemon) startHousekeeping() error {
	specs := []struct {
		name     string
		interval time.Duration
		task     func()
	}{
		{"snapshot", d.cfg.Jobs.SnapshotInterval(), d.snapshotTick},
		{"retention", 10 * time.Minute, d.reapExpired},
		{"event-prune", 6 * time.Hour, d.pruneEvents},
	}
	for _, s := range specs {
		if _, err := d.cron.NewJob(
			gocron.DurationJob(s.interval),
			gocron.NewTask(s.task),
			gocron.WithName(s.name),
		); err != nil {
			return fmt.Errorf("schedule %s job: %w", s.name, err)
		}
	}
	return nil
}

// snapshotTick flushes on the floor cadence only while work is in flight;
// terminal transitions already flush eagerly.
func (d *Daemon) snapshotTick() {
	active := false
	for _, j := range d.store.All() {
		if !j.State.Terminal() {
			active = true
			break
		}
	}
	if !active {
		return
	}
	if err := d.snapshotter.Flush(); err != nil {
		slog.Warn("Periodic snapshot flush failed", logfields.Error(err))
	}
}

// reapExpired removes terminal jobs whose retention window has elapsed,
// together with their workspaces and staging areas.
func (d *Daemon) reapExpired() {
	cutoff := time.Now().Add(-d.cfg.Jobs.Retention())
	system := auth.System()

	for _, j := range d.store.All() {
		if !j.State.Terminal() || j.CompletedAt == nil || j.CompletedAt.After(cutoff) {
			continue
		}
		if err := d.manager.DestroyWorkspace(j.ID); err != nil {
			slog.Warn("Retention reaper cannot remove workspace",
				logfields.JobID(j.ID), logfields.Error(err))
			continue
		}
		if err := d.manager.DestroyStaging(j.ID); err != nil {
			slog.Warn("Retention reaper cannot remove staging",
				logfields.JobID(j.ID), logfields.Error(err))
		}
		if err := d.store.Delete(j.ID, system, false); err != nil {
			slog.Warn("Retention reaper cannot delete job record",
				logfields.JobID(j.ID), logfields.Error(err))
			continue
		}
		slog.Info("Expired job reaped",
			logfields.JobID(j.ID), logfields.JobState(string(j.State)))
	}
}

// pruneEvents drops transition log entries older than twice the job
// retention window so the log stays useful slightly longer than the jobs.
func (d *Daemon) pruneEvents() {
	cutoff := time.Now().Add(-2 * d.cfg.Jobs.Retention())
	removed, err := d.eventLog.PruneBefore(context.Background(), cutoff)
	if err != nil {
		slog.Warn("Event log pruning failed", logfields.Error(err))
		return
	}
	if removed > 0 {
		slog.Debug("Event log pruned", slog.Int64("removed", removed))
	}
}

// Stop shuts everything down in dependency order: no new requests, drain
// running jobs, stop housekeeping, flush state, close the event sinks.
func (d *Daemon) Stop(ctx context.Context) error {
	var errs []error

	if err := d.srv.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	d.sched.Stop()

	if err := d.cron.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("cron shutdown: %w", err))
	}
	d.closeWatchers()

	if err := d.snapshotter.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("final snapshot: %w", err))
	}

	d.bus.Close()
	if err := d.eventLog.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event log: %w", err))
	}
	return errors.Join(errs...)
}
