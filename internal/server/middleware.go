package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"git.home.luguber.info/inful/agentbatch/internal/auth"
	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
	"git.home.luguber.info/inful/agentbatch/internal/logfields"
)

type contextKey string

const principalKey contextKey = "principal"

// principalFrom returns the authenticated principal injected by requireAuth.
func principalFrom(r *http.Request) *auth.Principal {
	p, _ := r.Context().Value(principalKey).(*auth.Principal)
	return p
}

// chain applies logging and panic recovery around a handler.
func (s *Server) chain(next http.Handler) http.Handler {
	return s.loggingMiddleware(s.panicRecovery(next))
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start)

		slog.Info("HTTP request",
			logfields.Method(r.Method),
			logfields.Path(r.URL.Path),
			logfields.Status(wrapped.statusCode),
			slog.Duration("duration", duration),
			logfields.UserAgent(r.UserAgent()),
			logfields.RemoteAddr(r.RemoteAddr))
		if s.deps.Metrics != nil {
			s.deps.Metrics.HTTPRequest(r.Method, wrapped.statusCode, duration)
		}
	})
}

func (s *Server) panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("HTTP handler panic",
					slog.Any("error", rec),
					logfields.Path(r.URL.Path),
					logfields.Method(r.Method),
					logfields.RemoteAddr(r.RemoteAddr))
				s.errorAdapter.WriteErrorResponse(w, r,
					derrors.SystemError("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireAuth validates the bearer token, resolves the principal against
// the host user database, and injects it into the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			s.errorAdapter.WriteErrorResponse(w, r, derrors.AuthError())
			return
		}

		claims, err := s.deps.Tokens.Validate(tokenString)
		if err != nil {
			s.errorAdapter.WriteErrorResponse(w, r, derrors.AuthError())
			return
		}

		// The OS identity is re-resolved per request so a user removed from
		// the host is locked out immediately, token or not.
		principal, err := s.deps.Verifier.Lookup(claims.Subject)
		if err != nil {
			s.errorAdapter.WriteErrorResponse(w, r, derrors.AuthError())
			return
		}
		principal.Admin = claims.Admin

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusWriter captures status codes for logging.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
