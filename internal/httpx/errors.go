package httpx

import (
	"fmt"
	"net/http"
)

// Business codes carried in Response.Code. HTTP status and business code are
// fixed per constructor below.
const (
	CodeSuccess = 0

	// 1000-1099: caller identity
	CodeUnauthorized = 1001
	CodeInvalidToken = 1002
	CodeTokenExpired = 1003
	CodeForbidden    = 1004

	// 2000-2099: request shape
	CodeParamInvalid = 2002

	// 3000-3999: task and node state
	CodeNotFound          = 3001
	CodeStateConflict     = 3003 // concurrent update or node busy
	CodeInvalidTransition = 3004 // Data lists the allowed targets
	CodeLimitExceeded     = 3005
	CodeNodeUnavailable   = 3006

	// 5000-5999: orchestrator or dependency failure
	CodeInternalError = 5001
	CodeDatabaseError = 5002
	CodeExternalError = 5003
)

// AppError is an error that knows how it is rendered by FailErr. Err is only
// logged, never sent to the client.
type AppError struct {
	HTTPStatus int
	Code       int
	Message    string
	Err        error
	Data       interface{}
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("code=%d, message=%s, err=%v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("code=%d, message=%s", e.Code, e.Message)
}

// WithData attaches a payload, e.g. the allowed transitions of a rejected status change
func (e *AppError) WithData(data interface{}) *AppError {
	e.Data = data
	return e
}

func newAppError(httpStatus, code int, message, fallback string, err error) *AppError {
	if message == "" {
		message = fallback
	}
	return &AppError{
		HTTPStatus: httpStatus,
		Code:       code,
		Message:    message,
		Err:        err,
	}
}

// ErrUnauthorized is returned when no bearer token was presented
func ErrUnauthorized(message string) *AppError {
	return newAppError(http.StatusUnauthorized, CodeUnauthorized, message, "unauthorized", nil)
}

func ErrInvalidToken(message string) *AppError {
	return newAppError(http.StatusUnauthorized, CodeInvalidToken, message, "invalid token", nil)
}

func ErrTokenExpired(message string) *AppError {
	return newAppError(http.StatusUnauthorized, CodeTokenExpired, message, "token expired", nil)
}

// ErrForbidden covers admin-only routes and callbacks for another workspace
func ErrForbidden(message string) *AppError {
	return newAppError(http.StatusForbidden, CodeForbidden, message, "forbidden", nil)
}

func ErrParamInvalid(message string) *AppError {
	return newAppError(http.StatusBadRequest, CodeParamInvalid, message, "invalid parameter", nil)
}

func ErrNotFound(message string) *AppError {
	return newAppError(http.StatusNotFound, CodeNotFound, message, "resource not found", nil)
}

// ErrStateConflict is returned when the task or node changed under the request
func ErrStateConflict(message string) *AppError {
	return newAppError(http.StatusConflict, CodeStateConflict, message, "current state does not allow operation", nil)
}

// ErrInvalidTransition rejects a status change the task state machine forbids
func ErrInvalidTransition(message string) *AppError {
	return newAppError(http.StatusConflict, CodeInvalidTransition, message, "status transition not allowed", nil)
}

// ErrLimitExceeded reports a per-user node or per-node workspace quota
func ErrLimitExceeded(message string) *AppError {
	return newAppError(http.StatusTooManyRequests, CodeLimitExceeded, message, "limit exceeded", nil)
}

// ErrNodeUnavailable is returned when the task cannot be placed on any node
func ErrNodeUnavailable(message string) *AppError {
	return newAppError(http.StatusServiceUnavailable, CodeNodeUnavailable, message, "no node available", nil)
}

func ErrInternalError(message string, err error) *AppError {
	return newAppError(http.StatusInternalServerError, CodeInternalError, message, "internal error", err)
}

func ErrDatabaseError(message string, err error) *AppError {
	return newAppError(http.StatusInternalServerError, CodeDatabaseError, message, "database error", err)
}

// ErrExternalError wraps a provider, node agent or chat failure
func ErrExternalError(message string, err error) *AppError {
	return newAppError(http.StatusBadGateway, CodeExternalError, message, "external dependency failure", err)
}
