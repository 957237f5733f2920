package server

import (
	"encoding/json"
	"net/http"

	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
)

func (s *Server) handleRepositoryList(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Registry.List())
}

func (s *Server) handleRepositoryGet(w http.ResponseWriter, r *http.Request) {
	repo, err := s.deps.Registry.Get(r.PathValue("name"))
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleRepositoryRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, derrors.ValidationError("invalid JSON body"))
		return
	}

	repo, err := s.deps.Registry.Register(req.Name, req.GitURL, req.Description, req.IndexAware)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, repo)
}

func (s *Server) handleRepositoryUnregister(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.deps.Registry.Unregister(name); err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, unregisterResponse{
		Success: true,
		Removed: true,
		Message: "repository " + name + " unregistered",
	})
}
