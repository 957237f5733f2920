// Package server exposes the REST surface: authentication, repository
// registry, job lifecycle, and workspace browsing on the API listener, plus
// health and Prometheus metrics on the admin listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"git.home.luguber.info/inful/agentbatch/internal/auth"
	"git.home.luguber.info/inful/agentbatch/internal/auth/token"
	"git.home.luguber.info/inful/agentbatch/internal/browse"
	"git.home.luguber.info/inful/agentbatch/internal/config"
	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
	"git.home.luguber.info/inful/agentbatch/internal/events"
	"git.home.luguber.info/inful/agentbatch/internal/job"
	"git.home.luguber.info/inful/agentbatch/internal/metrics"
	"git.home.luguber.info/inful/agentbatch/internal/registry"
	"git.home.luguber.info/inful/agentbatch/internal/scheduler"
	"git.home.luguber.info/inful/agentbatch/internal/staging"
	"git.home.luguber.info/inful/agentbatch/internal/workspace"
)

// Deps are the wired components the handlers operate on.
type Deps struct {
	Config     *config.Config
	Verifier   *auth.Verifier
	Tokens     *token.Issuer
	Jobs       *job.Store
	Scheduler  *scheduler.Scheduler
	Registry   *registry.Registry
	Workspaces *workspace.Manager
	Staging    *staging.Store
	Browser    *browse.Browser
	Metrics    *metrics.Recorder   // optional
	Events     *events.SQLiteStore // optional
}

// Server manages the API and admin HTTP listeners.
type Server struct {
	deps         Deps
	errorAdapter *derrors.HTTPErrorAdapter

	apiServer   *http.Server
	adminServer *http.Server
}

// New constructs the server wiring.
func New(deps Deps) *Server {
	return &Server{
		deps:         deps,
		errorAdapter: derrors.NewHTTPErrorAdapter(slog.Default()),
	}
}

// apiRoutes builds the authenticated API mux.
func (s *Server) apiRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Everything below requires a bearer token.
	authed := func(h http.HandlerFunc) http.Handler { return s.requireAuth(h) }

	mux.Handle("POST /auth/logout", authed(s.handleLogout))

	mux.Handle("GET /repositories", authed(s.handleRepositoryList))
	mux.Handle("GET /repositories/{name}", authed(s.handleRepositoryGet))
	mux.Handle("POST /repositories/register", authed(s.handleRepositoryRegister))
	mux.Handle("DELETE /repositories/{name}", authed(s.handleRepositoryUnregister))

	mux.Handle("POST /jobs", authed(s.handleJobCreate))
	mux.Handle("GET /jobs", authed(s.handleJobList))
	mux.Handle("GET /jobs/{id}", authed(s.handleJobGet))
	mux.Handle("POST /jobs/{id}/start", authed(s.handleJobStart))
	mux.Handle("POST /jobs/{id}/cancel", authed(s.handleJobCancel))
	mux.Handle("DELETE /jobs/{id}", authed(s.handleJobDelete))
	mux.Handle("POST /jobs/{id}/files", authed(s.handleJobUpload))
	mux.Handle("POST /jobs/{id}/images", authed(s.handleJobUploadImage))
	mux.Handle("GET /jobs/{id}/events", authed(s.handleJobEvents))

	mux.Handle("GET /jobs/{id}/files/directories", authed(s.handleFileDirectories))
	mux.Handle("GET /jobs/{id}/files", authed(s.handleFileList))
	mux.Handle("GET /jobs/{id}/files/content", authed(s.handleFileContent))
	mux.Handle("GET /jobs/{id}/files/download", authed(s.handleFileDownload))

	return s.chain(mux)
}

// adminRoutes builds the unauthenticated operational mux.
func (s *Server) adminRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	return s.chain(mux)
}

// Start pre-binds both listeners so startup fails fast with an aggregate
// error instead of partially initialized servers.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.deps.Config.Server
	binds := []struct {
		name string
		addr string
		ln   net.Listener
	}{
		{name: "api", addr: cfg.Listen},
		{name: "admin", addr: cfg.AdminListen},
	}

	var bindErrs []error
	lc := net.ListenConfig{}
	for i := range binds {
		ln, err := lc.Listen(ctx, "tcp", binds[i].addr)
		if err != nil {
			bindErrs = append(bindErrs, fmt.Errorf("%s listener %s: %w", binds[i].name, binds[i].addr, err))
			continue
		}
		binds[i].ln = ln
	}
	if len(bindErrs) > 0 {
		for _, b := range binds {
			if b.ln != nil {
				_ = b.ln.Close()
			}
		}
		return fmt.Errorf("http startup failed: %w", errors.Join(bindErrs...))
	}

	s.apiServer = &http.Server{
		Handler:           s.apiRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.adminServer = &http.Server{
		Handler:           s.adminRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.serve("api", s.apiServer, binds[0].ln)
	go s.serve("admin", s.adminServer, binds[1].ln)

	slog.Info("HTTP servers started",
		slog.String("api_addr", cfg.Listen),
		slog.String("admin_addr", cfg.AdminListen))
	return nil
}

func (s *Server) serve(name string, srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server terminated", slog.String("server", name), slog.String("error", err.Error()))
	}
}

// Stop gracefully shuts down both listeners.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin server shutdown: %w", err))
		}
	}
	if s.apiServer != nil {
		if err := s.apiServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}
