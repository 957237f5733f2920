package errors

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	base := fmt.Errorf("disk full")
	err := Wrap(base, CategorySystem, SeverityError, "snapshot write failed")

	assert.Contains(t, err.Error(), "snapshot write failed")
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, base, err.Unwrap())
}

func TestWireNames(t *testing.T) {
	cases := map[ErrorCategory]string{
		CategoryValidation: "Validation",
		CategoryAuth:       "Auth",
		CategoryForbidden:  "Forbidden",
		CategoryNotFound:   "NotFound",
		CategoryConflict:   "Conflict",
		CategoryStageGit:   "Stage.Git",
		CategoryStageIndex: "Stage.Index",
		CategoryStageExec:  "Stage.Exec",
		CategoryTimeout:    "Timeout",
		CategoryCancelled:  "Cancelled",
		CategorySystem:     "System",
	}
	for cat, wire := range cases {
		assert.Equal(t, wire, cat.WireName())
	}
}

func TestStatusCodes(t *testing.T) {
	adapter := NewHTTPErrorAdapter(nil)

	cases := []struct {
		err    error
		status int
	}{
		{ValidationError("bad path"), http.StatusBadRequest},
		{AuthError(), http.StatusUnauthorized},
		{ForbiddenError("not yours"), http.StatusForbidden},
		{NotFoundError("no such job"), http.StatusNotFound},
		{ConflictError("duplicate"), http.StatusConflict},
		{SystemError("boom"), http.StatusInternalServerError},
		{fmt.Errorf("plain"), http.StatusInternalServerError},
		{New(CategoryStageGit, SeverityError, "pull failed"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, adapter.StatusCodeFor(tc.err))
	}
}

func TestWriteErrorResponseBody(t *testing.T) {
	adapter := NewHTTPErrorAdapter(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs/x", nil)

	adapter.WriteErrorResponse(rec, req, ValidationError("path escapes workspace"))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"path escapes workspace","errorType":"Validation"}`, rec.Body.String())
}

func TestUnknownErrorsAreSanitized(t *testing.T) {
	adapter := NewHTTPErrorAdapter(nil)
	resp := adapter.FormatErrorResponse(fmt.Errorf("secret internal detail"))

	// Raw error text must not leak to clients.
	assert.Equal(t, "internal error", resp.Error)
	assert.Equal(t, "System", resp.ErrorType)
}

func TestIsCategory(t *testing.T) {
	err := ConflictError("repository name in use")
	assert.True(t, IsCategory(err, CategoryConflict))
	assert.False(t, IsCategory(err, CategoryNotFound))
	assert.False(t, IsCategory(fmt.Errorf("x"), CategoryConflict))
	assert.Equal(t, CategorySystem, GetCategory(fmt.Errorf("x")))
}
