package server

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"git.home.luguber.info/inful/agentbatch/internal/browse"
	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
	"git.home.luguber.info/inful/agentbatch/internal/job"
)

// workspaceFor resolves the job, enforces ownership, and returns its
// workspace path.
func (s *Server) workspaceFor(r *http.Request) (*job.Job, error) {
	j, err := s.deps.Jobs.Get(r.PathValue("id"), principalFrom(r))
	if err != nil {
		return nil, err
	}
	if j.WorkspacePath == "" {
		return nil, derrors.NotFoundError("job has no workspace")
	}
	return j, nil
}

func (s *Server) handleFileDirectories(w http.ResponseWriter, r *http.Request) {
	j, err := s.workspaceFor(r)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	dirs, err := s.deps.Browser.ListDirectories(j.WorkspacePath, r.URL.Query().Get("path"))
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dirs)
}

func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	j, err := s.workspaceFor(r)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}

	q := r.URL.Query()
	depth := 1
	if d := q.Get("depth"); d != "" {
		depth, err = strconv.Atoi(d)
		if err != nil || depth < 1 || depth > 16 {
			s.errorAdapter.WriteErrorResponse(w, r, derrors.ValidationError("depth must be between 1 and 16"))
			return
		}
	}

	files, err := s.deps.Browser.ListFiles(j.WorkspacePath, q.Get("path"), browse.ListOptions{
		Mask:  q.Get("mask"),
		Type:  q.Get("type"),
		Depth: depth,
	})
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request) {
	j, err := s.workspaceFor(r)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	content, err := s.deps.Browser.ReadText(j.WorkspacePath, r.URL.Query().Get("path"))
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, content)
}

func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	j, err := s.workspaceFor(r)
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	path := r.URL.Query().Get("path")

	rc, size, ctype, err := s.deps.Browser.Open(j.WorkspacePath, path)
	if derrors.IsCategory(err, derrors.CategoryNotFound) {
		// Before materialization the upload only exists in staging.
		rc, size, ctype, err = s.openStaged(j.ID, path)
	}
	if err != nil {
		s.errorAdapter.WriteErrorResponse(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filepath.Base(path)+"\"")
	_, _ = io.Copy(w, rc)
}

// openStaged serves the staging fallback for downloads, tolerating both
// stored and original filenames.
func (s *Server) openStaged(jobID, requested string) (io.ReadCloser, int64, string, error) {
	resolved, err := s.deps.Staging.Resolve(jobID, filepath.Base(requested))
	if err != nil {
		return nil, 0, "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, 0, "", derrors.NotFoundError("file not found")
	}
	f, err := os.Open(resolved)
	if err != nil {
		return nil, 0, "", derrors.WrapSystem(err, "open staged file")
	}
	return f, info.Size(), "application/octet-stream", nil
}
