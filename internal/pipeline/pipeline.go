// Package pipeline drives one admitted job through its ordered stages:
// staging, optional git pull, optional index build, executor run, and an
// unconditional teardown. All state transitions are written through the job
// store; the runner and indexer report errors here and never touch state.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/agentbatch/internal/auth"
	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
	"git.home.luguber.info/inful/agentbatch/internal/gitops"
	"git.home.luguber.info/inful/agentbatch/internal/indexer"
	"git.home.luguber.info/inful/agentbatch/internal/job"
	"git.home.luguber.info/inful/agentbatch/internal/logfields"
	"git.home.luguber.info/inful/agentbatch/internal/runner"
)

const gitPullTimeout = 5 * time.Minute

// Staging materializes pre-start uploads into the workspace.
type Staging interface {
	MaterializeInto(jobID, workspacePath string) (images []string, err error)
}

// LookupFunc resolves an owner username to its OS principal.
type LookupFunc func(username string) (*auth.Principal, error)

// IndexAwareFunc reports whether the repository was registered index-aware.
type IndexAwareFunc func(repoName string) bool

// StageMetrics receives stage and job timings. May be nil.
type StageMetrics interface {
	StageFinished(stage string, d time.Duration)
	JobFinished(outcome string, d time.Duration)
}

// Coordinator executes admitted jobs. One Run per job, invoked by the
// scheduler on a dedicated goroutine.
type Coordinator struct {
	store      *job.Store
	staging    Staging
	runner     *runner.Runner
	indexer    *indexer.Service
	lookup     LookupFunc
	indexAware IndexAwareFunc
	metrics    StageMetrics

	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

// Config wires a coordinator.
type Config struct {
	Store          *job.Store
	Staging        Staging
	Runner         *runner.Runner
	Indexer        *indexer.Service
	Lookup         LookupFunc
	IndexAware     IndexAwareFunc
	Metrics        StageMetrics
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		store:          cfg.Store,
		staging:        cfg.Staging,
		runner:         cfg.Runner,
		indexer:        cfg.Indexer,
		lookup:         cfg.Lookup,
		indexAware:     cfg.IndexAware,
		metrics:        cfg.Metrics,
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
	}
}

// Run drives jobID to a terminal state. Satisfies scheduler.RunFunc.
func (c *Coordinator) Run(ctx context.Context, jobID string) {
	started := time.Now()
	j, err := c.store.Get(jobID, auth.System())
	if err != nil {
		slog.Error("Admitted job vanished", logfields.JobID(jobID), logfields.Error(err))
		return
	}

	principal, err := c.lookup(j.Owner)
	if err != nil {
		c.fail(jobID, job.ErrorKindSystem, "cannot resolve job owner: "+err.Error())
		return
	}

	var daemon *indexer.Daemon
	defer func() {
		c.teardown(jobID, daemon)
		if c.metrics != nil {
			if final, err := c.store.Get(jobID, auth.System()); err == nil {
				c.metrics.JobFinished(string(final.State), time.Since(started))
			}
		}
	}()

	// Stage: staging. Uploads move from the staging area into the workspace.
	if _, err := c.store.SetState(jobID, job.StateStaging, ""); err != nil {
		slog.Warn("Job not admissible", logfields.JobID(jobID), logfields.Error(err))
		return
	}
	var images []string
	err = c.timed("staging", func() error {
		var serr error
		images, serr = c.staging.MaterializeInto(jobID, j.WorkspacePath)
		return serr
	})
	if err != nil {
		c.fail(jobID, job.ErrorKindSystem, "staging failed: "+err.Error())
		return
	}
	if len(images) > 0 {
		if _, err := c.store.Mutate(jobID, func(j *job.Job) {
			j.Options.Images = images
		}); err != nil {
			slog.Warn("Cannot record image paths", logfields.JobID(jobID), logfields.Error(err))
		}
	}
	if c.cancelled(ctx, jobID) {
		return
	}

	preUpdate := j.Options.PreUpdate && gitops.IsCheckout(j.WorkspacePath)
	buildIndex := j.Options.BuildIndex && c.indexAware(j.Repository) && c.indexer.Available()

	// Stage: git_pulling.
	if preUpdate {
		if _, err := c.store.SetState(jobID, job.StateGitPulling, ""); err != nil {
			return
		}
		err := c.timed("git_pulling", func() error {
			res, err := c.runner.RunCommand(ctx, principal, j.WorkspacePath, runner.GitPullArgs(), gitPullTimeout)
			if err != nil && res != nil {
				err = derrors.Wrap(err, derrors.CategoryStageGit, derrors.SeverityError, res.Output)
			}
			return err
		})
		if c.cancelled(ctx, jobID) {
			return
		}
		if err != nil {
			c.fail(jobID, job.ErrorKindGit, "repository update failed: "+err.Error())
			return
		}
	}

	// Stage: index_building. Daemon first, then one reconcile pass.
	if buildIndex {
		if _, err := c.store.SetState(jobID, job.StateIndexBuilding, ""); err != nil {
			return
		}
		err := c.timed("index_building", func() error {
			d, err := c.indexer.StartDaemon(principal, j.WorkspacePath)
			if err != nil {
				return err
			}
			daemon = d
			return c.indexer.Reconcile(ctx, principal, j.WorkspacePath)
		})
		if c.cancelled(ctx, jobID) {
			return
		}
		if err != nil {
			c.fail(jobID, job.ErrorKindIndex, "index build failed: "+err.Error())
			return
		}
	}

	// Stage: running.
	if _, err := c.store.SetState(jobID, job.StateRunning, ""); err != nil {
		return
	}
	var systemPrompt string
	if buildIndex {
		// The hint follows the live probe, not the option flag: a daemon that
		// died between reconcile and now must not be advertised.
		healthy := c.indexer.Healthy(ctx, principal, j.WorkspacePath)
		systemPrompt = indexer.SystemPrompt(healthy)
	}

	res, runErr := c.runner.Run(ctx, runner.Request{
		Workspace:    j.WorkspacePath,
		Principal:    principal,
		Prompt:       j.Prompt,
		Images:       images,
		SystemPrompt: systemPrompt,
		Timeout:      c.effectiveTimeout(j.Options),
	})
	if res != nil {
		c.recordOutput(jobID, res)
		if c.metrics != nil {
			c.metrics.StageFinished("running", res.Duration)
		}
	}

	switch {
	case runErr == nil:
		c.store.SetState(jobID, job.StateCompleted, "")
	case errors.Is(runErr, runner.ErrTimeout):
		c.terminate(jobID, job.StateTimeout, job.ErrorKindTimeout, "execution exceeded timeout")
	case errors.Is(runErr, runner.ErrKilled), ctx.Err() != nil:
		c.terminate(jobID, job.StateCancelled, job.ErrorKindCancelled, "cancelled")
	default:
		c.fail(jobID, job.ErrorKindExec, runErr.Error())
	}
}

// effectiveTimeout bounds the per-job timeout to the configured maximum.
func (c *Coordinator) effectiveTimeout(opts job.Options) time.Duration {
	t := time.Duration(opts.TimeoutSeconds) * time.Second
	if t <= 0 {
		t = c.defaultTimeout
	}
	if c.maxTimeout > 0 && t > c.maxTimeout {
		t = c.maxTimeout
	}
	return t
}

// cancelled checks for an in-flight cancellation and records the terminal
// state when observed.
func (c *Coordinator) cancelled(ctx context.Context, jobID string) bool {
	if ctx.Err() == nil {
		return false
	}
	c.terminate(jobID, job.StateCancelled, job.ErrorKindCancelled, "cancelled")
	return true
}

func (c *Coordinator) recordOutput(jobID string, res *runner.Result) {
	exit := res.ExitCode
	if _, err := c.store.Mutate(jobID, func(j *job.Job) {
		j.Output = res.Output
		j.OutputTruncated = res.Truncated
		j.ExitCode = &exit
	}); err != nil {
		slog.Warn("Cannot record executor output", logfields.JobID(jobID), logfields.Error(err))
	}
}

func (c *Coordinator) fail(jobID string, kind job.ErrorKind, msg string) {
	c.terminate(jobID, job.StateFailed, kind, msg)
}

func (c *Coordinator) terminate(jobID string, state job.State, kind job.ErrorKind, msg string) {
	if _, err := c.store.Mutate(jobID, func(j *job.Job) {
		j.ErrorKind = kind
		j.ErrorMessage = msg
	}); err != nil {
		return
	}
	if _, err := c.store.SetState(jobID, state, msg); err != nil {
		slog.Warn("Cannot record terminal state",
			logfields.JobID(jobID), logfields.JobState(string(state)), logfields.Error(err))
	}
}

// teardown always runs, whatever the outcome. Teardown problems are
// appended as diagnostics and never overwrite the primary failure.
func (c *Coordinator) teardown(jobID string, daemon *indexer.Daemon) {
	if daemon != nil {
		if err := daemon.Stop(); err != nil {
			c.addDiagnostic(jobID, "index daemon stop: "+err.Error())
		}
	}
}

func (c *Coordinator) addDiagnostic(jobID, msg string) {
	if _, err := c.store.Mutate(jobID, func(j *job.Job) {
		j.Diagnostics = append(j.Diagnostics, msg)
	}); err != nil {
		slog.Warn("Cannot append diagnostic", logfields.JobID(jobID), logfields.Error(err))
	}
}

// timed wraps one stage with a duration metric.
func (c *Coordinator) timed(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	if c.metrics != nil {
		c.metrics.StageFinished(stage, time.Since(start))
	}
	return err
}
