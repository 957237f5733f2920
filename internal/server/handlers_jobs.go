package server

import (
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
	"git.home.luguber.info/inful/agentbatch/internal/job"
	"git.home.luguber.info/inful/agentbatch/internal/logfields"
	"git.home.luguber.info/inful/agentbatch/internal/registry"

	"log/slog"
)

const (
	maxPromptBytes = 1 << 20
	maxUploadBytes = 50 << 20
)

// Image uploads are restricted to formats the assistant can consume.
var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)

	var req createJobRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPromptBytes+4096)).Decode(&req); err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, derrors.ValidationError("invalid JSON body"))
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.errorAdapter.WriteErrorResponse(w, r, derrors.ValidationError("prompt is required"))
		return
	}
	if len(req.Prompt) > maxPromptBytes {
		s.errorAdapter.WriteErrorResponse(w, r, derrors.ValidationError("prompt exceeds size limit"))
		return
	}

	repo, err := s.deps.Registry.Get(req.Repository)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	// A failed master clone cannot back a workspace; a failed index can.
	if repo.CloneState != registry.CloneStateCompleted && repo.CloneState != registry.CloneStateIndexFailed {
		s.errorAdapter.WriteErrorResponse(w, r,
			derrors.ConflictError("repository clone is not ready (state "+string(repo.CloneState)+")"))
		return
	}

	maxSec := s.deps.Config.Jobs.TimeoutMaxSec
	if req.Options.TimeoutSeconds < 0 || (maxSec > 0 && req.Options.TimeoutSeconds > maxSec) {
		s.errorAdapter.WriteErrorResponse(w, r, derrors.ValidationError("timeoutSeconds out of range"))
		return
	}

	opts := job.Options{
		PreUpdate:      true,
		BuildIndex:     true,
		TimeoutSeconds: req.Options.TimeoutSeconds,
	}
	if req.Options.PreUpdate != nil {
		opts.PreUpdate = *req.Options.PreUpdate
	}
	if req.Options.BuildIndex != nil {
		opts.BuildIndex = *req.Options.BuildIndex
	}
	// Silently forced off when the repository is not index-aware.
	opts.BuildIndex = opts.BuildIndex && repo.IndexAware

	j := s.deps.Jobs.Create(principal, repo.Name, req.Prompt, opts)

	cowPath, err := s.deps.Workspaces.CloneRepo(repo.Name, j.ID, principal.UID, principal.GID)
	if err != nil {
		// The record must not outlive a workspace that never materialized.
		_ = s.deps.Jobs.Delete(j.ID, principal, true)
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	if _, err := s.deps.Jobs.Mutate(j.ID, func(j *job.Job) { j.WorkspacePath = cowPath }); err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, createJobResponse{
		JobID:   j.ID,
		Status:  string(job.StateCreated),
		CowPath: cowPath,
	})
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	jobs := s.deps.Jobs.ListFor(principalFrom(r))
	out := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, summarize(j))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Jobs.Get(r.PathValue("id"), principalFrom(r))
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleJobStart(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	id := r.PathValue("id")

	j, err := s.deps.Jobs.Get(id, principal)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	if j.State != job.StateCreated {
		s.errorAdapter.WriteErrorResponse(w, r,
			derrors.ConflictError("job has already been started"))
		return
	}

	if err := s.deps.Scheduler.Enqueue(id); err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}

	// Admission may have happened already; report what the store sees now.
	j, err = s.deps.Jobs.Get(id, principal)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	status := "queued"
	if j.State.Active() {
		status = "running"
	}
	s.writeJSON(w, http.StatusOK, startJobResponse{
		Status:        status,
		QueuePosition: j.QueuePosition,
	})
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// Ownership check before the scheduler touches anything.
	if _, err := s.deps.Jobs.Get(id, principalFrom(r)); err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	if err := s.deps.Scheduler.Cancel(id, "cancelled by user"); err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, successResponse{Success: true})
}

func (s *Server) handleJobDelete(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	id := r.PathValue("id")

	j, err := s.deps.Jobs.Get(id, principal)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}

	terminated := false
	if !j.State.Terminal() {
		if !principal.Admin {
			s.errorAdapter.WriteErrorResponse(w, r,
				derrors.ConflictError("job is not in a terminal state"))
			return
		}
		// Admin force path: terminate, then remove.
		if err := s.deps.Scheduler.Cancel(id, "terminated by administrator"); err != nil {
			s.errorAdapter.WriteErrorResponse(w, r, err)
			return
		}
		terminated = true
	}

	if err := s.deps.Jobs.Delete(id, principal, terminated); err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}

	workspaceRemoved := true
	if err := s.deps.Workspaces.DestroyWorkspace(id); err != nil {
		workspaceRemoved = false
		slog.Warn("Cannot remove workspace", logfields.JobID(id), logfields.Error(err))
	}
	if err := s.deps.Workspaces.DestroyStaging(id); err != nil {
		slog.Warn("Cannot remove staging", logfields.JobID(id), logfields.Error(err))
	}

	s.writeJSON(w, http.StatusOK, deleteJobResponse{
		Success:          true,
		Terminated:       terminated,
		WorkspaceRemoved: workspaceRemoved,
	})
}

func (s *Server) handleJobUpload(w http.ResponseWriter, r *http.Request) {
	s.handleUpload(w, r, false)
}

func (s *Server) handleJobUploadImage(w http.ResponseWriter, r *http.Request) {
	s.handleUpload(w, r, true)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, image bool) {
	principal := principalFrom(r)
	id := r.PathValue("id")

	j, err := s.deps.Jobs.Get(id, principal)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	if j.State != job.StateCreated {
		s.errorAdapter.WriteErrorResponse(w, r,
			derrors.ConflictError("uploads are only accepted before start"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r,
			derrors.ValidationError("multipart field 'file' is required or exceeds the size limit"))
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if image && !imageExtensions[strings.ToLower(filepath.Ext(filename))] {
		s.errorAdapter.WriteErrorResponse(w, r,
			derrors.ValidationError("image extension not allowed"))
		return
	}

	overwritten := false
	if !image && r.URL.Query().Get("overwrite") == "true" {
		overwritten = s.deps.Staging.Remove(id, filename)
	}

	var stored string
	if image {
		stored, err = s.deps.Staging.SaveImage(id, filename, file)
	} else {
		stored, err = s.deps.Staging.Save(id, filename, file)
	}
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}

	if image {
		s.writeJSON(w, http.StatusOK, imageUploadResponse{
			Filename: filename,
			Path:     stored,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, uploadResponse{
		Filename:    stored,
		FileSize:    header.Size,
		Overwritten: overwritten,
	})
}

// handleJobEvents returns the persisted transition log for one job.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Jobs.Get(id, principalFrom(r)); err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	if s.deps.Events == nil {
		s.writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	transitions, err := s.deps.Events.ListForJob(r.Context(), id)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, derrors.WrapSystem(err, "cannot read transition log"))
		return
	}
	s.writeJSON(w, http.StatusOK, transitions)
}
