package taskrun

import (
	"errors"
	"fmt"

	"go_orchestrator/internal/model"
	"go_orchestrator/internal/taskstatus"
)

// ErrorCode classifies a failed run
type ErrorCode string

const (
	CodeNotFound                ErrorCode = "NOT_FOUND"
	CodeNodeUnavailable         ErrorCode = "NODE_UNAVAILABLE"
	CodeWorkspaceCreationFailed ErrorCode = "WORKSPACE_CREATION_FAILED"
	CodeWorkspaceTimeout        ErrorCode = "WORKSPACE_TIMEOUT"
	CodeWorkspaceLost           ErrorCode = "WORKSPACE_LOST"
	CodeLimitExceeded           ErrorCode = "LIMIT_EXCEEDED"
	CodeProvisionFailed         ErrorCode = "PROVISION_FAILED"
	CodeAgentSessionFailed      ErrorCode = "AGENT_SESSION_FAILED"
)

var (
	// ErrTaskNotFound is returned when a task does not exist
	ErrTaskNotFound = errors.New("task not found")
	// ErrWorkspaceNotFound is returned when a callback names an unknown workspace
	ErrWorkspaceNotFound = errors.New("workspace not found")
	// ErrInvalidRequest marks caller input errors
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConcurrentUpdate is returned when the task changed while a request was applied
	ErrConcurrentUpdate = errors.New("task was modified concurrently")

	// errAborted means a conditional write matched no rows: another actor moved the task
	errAborted = errors.New("task run aborted by concurrent status change")
)

// TaskRunError is a typed failure of one engine step
type TaskRunError struct {
	Code    ErrorCode
	Step    model.ExecutionStep
	Message string
	Err     error
}

func (e *TaskRunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s at %s: %s: %v", e.Code, e.Step, e.Message, e.Err)
	}
	return fmt.Sprintf("%s at %s: %s", e.Code, e.Step, e.Message)
}

func (e *TaskRunError) Unwrap() error {
	return e.Err
}

// FailureMessage is the human-readable text stored on the failed task
func (e *TaskRunError) FailureMessage() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func runError(code ErrorCode, step model.ExecutionStep, err error, format string, args ...interface{}) *TaskRunError {
	return &TaskRunError{Code: code, Step: step, Message: fmt.Sprintf(format, args...), Err: err}
}

// TransitionError is a permanent rejection of a requested status change
type TransitionError struct {
	From   model.TaskStatus
	To     model.TaskStatus
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot transition task from %s to %s", e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg + ". " + taskstatus.AllowedTransitionsString(e.From)
}

// Allowed returns the statuses reachable from From
func (e *TransitionError) Allowed() []model.TaskStatus {
	return taskstatus.AllowedTransitions(e.From)
}
