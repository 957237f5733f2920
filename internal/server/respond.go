package server

import (
	"encoding/json"
	"net/http"
	"time"

	"git.home.luguber.info/inful/agentbatch/internal/job"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Wire shapes for the REST surface.

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string    `json:"token"`
	Username string    `json:"username"`
	Expires  time.Time `json:"expires"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type registerRequest struct {
	Name        string `json:"name"`
	GitURL      string `json:"gitUrl"`
	Description string `json:"description,omitempty"`
	IndexAware  bool   `json:"indexAware,omitempty"`
}

type unregisterResponse struct {
	Success bool   `json:"success"`
	Removed bool   `json:"removed"`
	Message string `json:"message,omitempty"`
}

type createJobRequest struct {
	Prompt     string      `json:"prompt"`
	Repository string      `json:"repository"`
	Options    jobOptions  `json:"options"`
}

type jobOptions struct {
	PreUpdate      *bool `json:"preUpdate,omitempty"`
	BuildIndex     *bool `json:"buildIndex,omitempty"`
	TimeoutSeconds int   `json:"timeoutSeconds,omitempty"`
}

type createJobResponse struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	CowPath string `json:"cowPath"`
}

type startJobResponse struct {
	Status        string `json:"status"`
	QueuePosition *int   `json:"queuePosition,omitempty"`
}

type uploadResponse struct {
	Filename    string `json:"filename"`
	FileSize    int64  `json:"fileSize"`
	Overwritten bool   `json:"overwritten"`
}

type imageUploadResponse struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

type deleteJobResponse struct {
	Success          bool `json:"success"`
	Terminated       bool `json:"terminated"`
	WorkspaceRemoved bool `json:"workspaceRemoved"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// jobSummary is the list-view projection of a job.
type jobSummary struct {
	ID            string     `json:"id"`
	Repository    string     `json:"repository"`
	Title         string     `json:"title"`
	State         job.State  `json:"state"`
	QueuePosition *int       `json:"queuePosition,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	ExitCode      *int       `json:"exitCode,omitempty"`
}

func summarize(j *job.Job) jobSummary {
	return jobSummary{
		ID:            j.ID,
		Repository:    j.Repository,
		Title:         j.Title,
		State:         j.State,
		QueuePosition: j.QueuePosition,
		CreatedAt:     j.CreatedAt,
		CompletedAt:   j.CompletedAt,
		ExitCode:      j.ExitCode,
	}
}
