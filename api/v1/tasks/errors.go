package tasks

import (
	"errors"

	"github.com/gin-gonic/gin"

	"go_orchestrator/internal/httpx"
	"go_orchestrator/internal/taskrun"
)

// toAppError maps task service errors to API errors
func toAppError(err error) *httpx.AppError {
	var transitionErr *taskrun.TransitionError
	if errors.As(err, &transitionErr) {
		return httpx.ErrInvalidTransition(transitionErr.Error()).
			WithData(gin.H{"from": transitionErr.From, "allowed": transitionErr.Allowed()})
	}

	var runErr *taskrun.TaskRunError
	if errors.As(err, &runErr) {
		switch runErr.Code {
		case taskrun.CodeLimitExceeded:
			return httpx.ErrLimitExceeded(runErr.FailureMessage())
		case taskrun.CodeNodeUnavailable:
			return httpx.ErrNodeUnavailable(runErr.FailureMessage())
		case taskrun.CodeNotFound:
			return httpx.ErrNotFound(runErr.FailureMessage())
		}
		return httpx.ErrExternalError(runErr.FailureMessage(), err)
	}

	switch {
	case errors.Is(err, taskrun.ErrTaskNotFound):
		return httpx.ErrNotFound("task not found")
	case errors.Is(err, taskrun.ErrWorkspaceNotFound):
		return httpx.ErrNotFound("workspace not found")
	case errors.Is(err, taskrun.ErrInvalidRequest):
		return httpx.ErrParamInvalid(err.Error())
	case errors.Is(err, taskrun.ErrConcurrentUpdate):
		return httpx.ErrStateConflict(err.Error())
	}
	return httpx.ErrInternalError("", err)
}
