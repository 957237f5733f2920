// Package indexer drives the semantic-index sidecar binary: a per-job
// daemon started inside the workspace, a reconcile pass that refreshes the
// index, and a status probe used to decide what the assistant is told
// about index availability.
package indexer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"git.home.luguber.info/inful/agentbatch/internal/auth"
	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
	"git.home.luguber.info/inful/agentbatch/internal/logfields"
	"git.home.luguber.info/inful/agentbatch/internal/runner"
)

const (
	reconcileTimeout = 10 * time.Minute
	statusTimeout    = 15 * time.Second
)

// Service manages index daemon instances and reconcile runs. Availability
// of the binary is observed continuously, so the feature degrades and
// recovers without a restart.
type Service struct {
	binary    string
	runner    *runner.Runner
	available atomic.Bool
}

// NewService creates a service for the given index binary. An empty binary
// path disables indexing entirely.
func NewService(binary string, r *runner.Runner) *Service {
	s := &Service{binary: binary, runner: r}
	return s
}

// Binary returns the configured index binary path.
func (s *Service) Binary() string { return s.binary }

// Available reports whether index operations may currently be attempted.
func (s *Service) Available() bool {
	return s.binary != "" && s.available.Load()
}

// SetAvailable flips the availability flag. Fed by the binary watcher.
func (s *Service) SetAvailable(ok bool) {
	if s.available.Swap(ok) != ok {
		slog.Info("Index binary availability changed",
			logfields.Path(s.binary), slog.Bool("available", ok))
	}
}

// Daemon is one running index daemon bound to a workspace.
type Daemon struct {
	proc      *runner.Proc
	workspace string
}

// StartDaemon launches `<binary> serve --workspace <path>` as the
// principal. The daemon watches the workspace and serves index queries to
// the assistant.
func (s *Service) StartDaemon(principal *auth.Principal, workspace string) (*Daemon, error) {
	if !s.Available() {
		return nil, derrors.New(derrors.CategoryStageIndex, derrors.SeverityError, "index binary unavailable")
	}
	proc, err := s.runner.StartProc(principal, workspace,
		[]string{s.binary, "serve", "--workspace", workspace})
	if err != nil {
		return nil, derrors.Wrap(err, derrors.CategoryStageIndex, derrors.SeverityError, "start index daemon")
	}
	slog.Debug("Index daemon started", logfields.Path(workspace))
	return &Daemon{proc: proc, workspace: workspace}, nil
}

// Stop terminates the daemon. Idempotent.
func (d *Daemon) Stop() error {
	if d == nil || d.proc == nil {
		return nil
	}
	err := d.proc.Stop()
	slog.Debug("Index daemon stopped", logfields.Path(d.workspace))
	return err
}

// Reconcile runs one index refresh pass in the workspace and waits for it
// to finish.
func (s *Service) Reconcile(ctx context.Context, principal *auth.Principal, workspace string) error {
	if !s.Available() {
		return derrors.New(derrors.CategoryStageIndex, derrors.SeverityError, "index binary unavailable")
	}
	res, err := s.runner.RunCommand(ctx, principal, workspace,
		[]string{s.binary, "reconcile", "--workspace", workspace}, reconcileTimeout)
	if err != nil {
		e := derrors.Wrap(err, derrors.CategoryStageIndex, derrors.SeverityError, "index reconcile failed")
		if res != nil {
			e = e.WithContext("output", res.Output)
		}
		return e
	}
	return nil
}

// Healthy probes the daemon with `status`. A probe failure is not an error
// for the job; it only changes what the assistant is told.
func (s *Service) Healthy(ctx context.Context, principal *auth.Principal, workspace string) bool {
	if !s.Available() {
		return false
	}
	res, err := s.runner.RunCommand(ctx, principal, workspace,
		[]string{s.binary, "status", "--workspace", workspace}, statusTimeout)
	if err != nil {
		slog.Debug("Index status probe failed", logfields.Path(workspace), logfields.Error(err))
		return false
	}
	return res.ExitCode == 0
}

// BuildMasterIndex builds the index for a master checkout after
// registration, so job clones inherit a warm index.
func (s *Service) BuildMasterIndex(ctx context.Context, workspace string) error {
	return s.Reconcile(ctx, nil, workspace)
}

// SystemPrompt returns the availability hint prepended to the assistant's
// system prompt. The assistant must not waste turns probing a dead index.
func SystemPrompt(healthy bool) string {
	if healthy {
		return "A semantic code index daemon is running in this workspace. Prefer index queries over full-tree scans."
	}
	return "No semantic code index is available in this workspace. Do not attempt index queries; use direct file inspection."
}
