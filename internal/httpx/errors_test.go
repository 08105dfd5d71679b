package httpx

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	assert.Equal(t, "code=3001, message=task not found", ErrNotFound("task not found").Error())
	assert.Equal(t, "code=5002, message=failed to list stuck tasks, err=connection refused",
		ErrDatabaseError("failed to list stuck tasks", errors.New("connection refused")).Error())
}

func TestConstructors(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name       string
		err        *AppError
		wantStatus int
		wantCode   int
		wantMsg    string
	}{
		{"unauthorized default", ErrUnauthorized(""), http.StatusUnauthorized, CodeUnauthorized, "unauthorized"},
		{"invalid token", ErrInvalidToken(""), http.StatusUnauthorized, CodeInvalidToken, "invalid token"},
		{"token expired", ErrTokenExpired(""), http.StatusUnauthorized, CodeTokenExpired, "token expired"},
		{"forbidden", ErrForbidden("workspace mismatch"), http.StatusForbidden, CodeForbidden, "workspace mismatch"},
		{"bad request", ErrParamInvalid("title is required"), http.StatusBadRequest, CodeParamInvalid, "title is required"},
		{"missing task", ErrNotFound(""), http.StatusNotFound, CodeNotFound, "resource not found"},
		{"concurrent update", ErrStateConflict(""), http.StatusConflict, CodeStateConflict, "current state does not allow operation"},
		{"invalid transition", ErrInvalidTransition(""), http.StatusConflict, CodeInvalidTransition, "status transition not allowed"},
		{"limit exceeded", ErrLimitExceeded(""), http.StatusTooManyRequests, CodeLimitExceeded, "limit exceeded"},
		{"node unavailable", ErrNodeUnavailable(""), http.StatusServiceUnavailable, CodeNodeUnavailable, "no node available"},
		{"internal", ErrInternalError("", cause), http.StatusInternalServerError, CodeInternalError, "internal error"},
		{"database", ErrDatabaseError("", cause), http.StatusInternalServerError, CodeDatabaseError, "database error"},
		{"external", ErrExternalError("", cause), http.StatusBadGateway, CodeExternalError, "external dependency failure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, tt.err.HTTPStatus)
			assert.Equal(t, tt.wantCode, tt.err.Code)
			assert.Equal(t, tt.wantMsg, tt.err.Message)
		})
	}
}

func TestSystemErrorsKeepCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	assert.ErrorIs(t, ErrInternalError("sweep failed", cause).Err, cause)
	assert.Nil(t, ErrNotFound("").Err)
}
