package server

import (
	"encoding/json"
	"net/http"
	"time"

	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
	"git.home.luguber.info/inful/agentbatch/internal/logfields"
	"git.home.luguber.info/inful/agentbatch/internal/version"

	"log/slog"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, derrors.ValidationError("invalid JSON body"))
		return
	}
	if req.Username == "" || req.Password == "" {
		s.errorAdapter.WriteErrorResponse(w, r, derrors.ValidationError("username and password are required"))
		return
	}

	principal, err := s.deps.Verifier.Verify(req.Username, req.Password)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}

	tok, expires, err := s.deps.Tokens.Mint(principal.Username, principal.Admin)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, derrors.WrapSystem(err, "cannot issue token"))
		return
	}

	slog.Info("Login", logfields.Principal(principal.Username))
	s.writeJSON(w, http.StatusOK, loginResponse{
		Token:    tok,
		Username: principal.Username,
		Expires:  expires,
	})
}

// handleLogout exists for client symmetry. Tokens are stateless; they lapse
// at expiry.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if p := principalFrom(r); p != nil {
		slog.Info("Logout", logfields.Principal(p.Username))
	}
	s.writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   version.Version,
	})
}
