// Package errors provides the structured error type (AgentBatchError) used
// at component boundaries. Every error crossing a boundary carries a
// category from the server taxonomy; the HTTP adapter maps categories to
// status codes and wire error types.
package errors

import (
	"fmt"
)

// ErrorCategory represents the category of an error for classification.
type ErrorCategory string

const (
	// Request-level errors surfaced to clients.
	CategoryValidation ErrorCategory = "validation"
	CategoryAuth       ErrorCategory = "auth"
	CategoryForbidden  ErrorCategory = "forbidden"
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryConflict   ErrorCategory = "conflict"

	// Pipeline stage failures recorded on jobs.
	CategoryStageGit   ErrorCategory = "stage_git"
	CategoryStageIndex ErrorCategory = "stage_index"
	CategoryStageExec  ErrorCategory = "stage_exec"
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryCancelled  ErrorCategory = "cancelled"

	// Unexpected resource, IO, or impersonation errors.
	CategorySystem ErrorCategory = "system"
)

// WireName returns the errorType value used in JSON error bodies.
func (c ErrorCategory) WireName() string {
	switch c {
	case CategoryValidation:
		return "Validation"
	case CategoryAuth:
		return "Auth"
	case CategoryForbidden:
		return "Forbidden"
	case CategoryNotFound:
		return "NotFound"
	case CategoryConflict:
		return "Conflict"
	case CategoryStageGit:
		return "Stage.Git"
	case CategoryStageIndex:
		return "Stage.Index"
	case CategoryStageExec:
		return "Stage.Exec"
	case CategoryTimeout:
		return "Timeout"
	case CategoryCancelled:
		return "Cancelled"
	default:
		return "System"
	}
}

// ErrorSeverity indicates how critical an error is.
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution
	SeverityError   ErrorSeverity = "error"   // Fails the current operation
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
	SeverityInfo    ErrorSeverity = "info"    // Informational, no impact
)

// ContextFields carries structured context for AgentBatchError.
type ContextFields map[string]any

// AgentBatchError is a structured error with category and context.
type AgentBatchError struct {
	Category ErrorCategory `json:"category"`
	Severity ErrorSeverity `json:"severity"`
	Message  string        `json:"message"`
	Cause    error         `json:"cause,omitempty"`
	Context  ContextFields `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *AgentBatchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Category, e.Severity, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Severity, e.Message)
}

// Unwrap implements error unwrapping.
func (e *AgentBatchError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *AgentBatchError) WithContext(key string, value any) *AgentBatchError {
	if e.Context == nil {
		e.Context = make(ContextFields)
	}
	e.Context[key] = value
	return e
}

// New creates a new AgentBatchError.
func New(category ErrorCategory, severity ErrorSeverity, message string) *AgentBatchError {
	return &AgentBatchError{
		Category: category,
		Severity: severity,
		Message:  message,
	}
}

// Wrap creates a new AgentBatchError that wraps an existing error.
func Wrap(err error, category ErrorCategory, severity ErrorSeverity, message string) *AgentBatchError {
	return &AgentBatchError{
		Category: category,
		Severity: severity,
		Message:  message,
		Cause:    err,
	}
}

// IsCategory checks whether an error belongs to a specific category.
func IsCategory(err error, category ErrorCategory) bool {
	if abe, ok := err.(*AgentBatchError); ok {
		return abe.Category == category
	}
	return false
}

// GetCategory extracts the category from an error, defaulting to CategorySystem.
func GetCategory(err error) ErrorCategory {
	if abe, ok := err.(*AgentBatchError); ok {
		return abe.Category
	}
	return CategorySystem
}
