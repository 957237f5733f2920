// Package job holds the authoritative in-memory job map, the state machine
// rules, and the snapshot/restore persistence used for crash recovery.
package job

import (
	"strings"
	"time"
)

// State is a job lifecycle state. Transitions follow a DAG: no state is
// ever re-entered for a given job.
type State string

const (
	StateCreated       State = "created"
	StateQueued        State = "queued"
	StateStaging       State = "staging"
	StateGitPulling    State = "git_pulling"
	StateIndexBuilding State = "index_building"
	StateRunning       State = "running"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateTimeout       State = "timeout"
	StateCancelled     State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimeout, StateCancelled:
		return true
	}
	return false
}

// Active reports whether the job occupies a concurrency slot.
func (s State) Active() bool {
	switch s {
	case StateStaging, StateGitPulling, StateIndexBuilding, StateRunning:
		return true
	}
	return false
}

// transitions is the lifecycle DAG. Cancellation from any non-terminal
// state and failure from any active state are added in CanTransition.
var transitions = map[State][]State{
	StateCreated:       {StateQueued},
	StateQueued:        {StateStaging},
	StateStaging:       {StateGitPulling, StateIndexBuilding, StateRunning},
	StateGitPulling:    {StateIndexBuilding, StateRunning},
	StateIndexBuilding: {StateRunning},
	StateRunning:       {StateCompleted, StateTimeout},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateCancelled {
		return true
	}
	if to == StateFailed {
		// Anything after admission can fail: stage errors, system errors,
		// and restart reconciliation.
		return from != StateCreated
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrorKind categorizes why a job reached failed or another error terminal.
type ErrorKind string

const (
	ErrorKindGit       ErrorKind = "git"
	ErrorKindIndex     ErrorKind = "index"
	ErrorKindExec      ErrorKind = "exec"
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindCancelled ErrorKind = "cancelled"
	ErrorKindRecover   ErrorKind = "recover"
	ErrorKindSystem    ErrorKind = "system"
)

// Options are the immutable per-job execution options.
type Options struct {
	PreUpdate      bool     `json:"preUpdate"`
	BuildIndex     bool     `json:"buildIndex"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	Images         []string `json:"images,omitempty"`
}

// Job is the authoritative record for one batch execution.
type Job struct {
	ID         string  `json:"id"`
	Owner      string  `json:"owner"`
	Repository string  `json:"repository"`
	Prompt     string  `json:"prompt"`
	Title      string  `json:"title"`
	Options    Options `json:"options"`

	State         State      `json:"state"`
	QueuePosition *int       `json:"queuePosition,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`

	ExitCode        *int   `json:"exitCode,omitempty"`
	Output          string `json:"output,omitempty"`
	OutputTruncated bool   `json:"outputTruncated,omitempty"`

	ErrorKind    ErrorKind `json:"errorKind,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	// Diagnostics collects teardown errors without overwriting the primary
	// failure kind.
	Diagnostics []string `json:"diagnostics,omitempty"`

	WorkspacePath string `json:"workspacePath,omitempty"`
}

const maxTitleRunes = 80

// DeriveTitle produces the short auto-derived label from a prompt: the
// first non-empty line, whitespace-collapsed, bounded to 80 runes.
func DeriveTitle(prompt string) string {
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > maxTitleRunes {
			return string(runes[:maxTitleRunes-1]) + "…"
		}
		return line
	}
	return ""
}
