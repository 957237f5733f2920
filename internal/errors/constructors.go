package errors

// ValidationError creates a new validation error (400 Bad Request).
func ValidationError(message string) *AgentBatchError {
	return New(CategoryValidation, SeverityWarning, message)
}

// AuthError creates a new authentication error (401 Unauthorized).
// The message is intentionally generic; refined causes are logged, never returned.
func AuthError() *AgentBatchError {
	return New(CategoryAuth, SeverityWarning, "authentication failed")
}

// ForbiddenError creates a new cross-principal access error (403 Forbidden).
func ForbiddenError(message string) *AgentBatchError {
	return New(CategoryForbidden, SeverityWarning, message)
}

// NotFoundError creates a new not-found error (404).
func NotFoundError(message string) *AgentBatchError {
	return New(CategoryNotFound, SeverityWarning, message)
}

// ConflictError creates a new conflict error (409).
func ConflictError(message string) *AgentBatchError {
	return New(CategoryConflict, SeverityWarning, message)
}

// SystemError creates a new internal error (500).
func SystemError(message string) *AgentBatchError {
	return New(CategorySystem, SeverityError, message)
}

// WrapSystem wraps an unexpected error as a system error.
func WrapSystem(err error, message string) *AgentBatchError {
	return Wrap(err, CategorySystem, SeverityError, message)
}
