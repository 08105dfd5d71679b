// Package taskstatus holds the task state machine rules. It performs no I/O.
package taskstatus

import (
	"strings"

	"go_orchestrator/internal/model"
)

var transitions = map[model.TaskStatus][]model.TaskStatus{
	model.TaskStatusReady:      {model.TaskStatusQueued, model.TaskStatusDelegated, model.TaskStatusCancelled},
	model.TaskStatusQueued:     {model.TaskStatusDelegated, model.TaskStatusFailed, model.TaskStatusCancelled},
	model.TaskStatusDelegated:  {model.TaskStatusInProgress, model.TaskStatusFailed, model.TaskStatusCancelled},
	model.TaskStatusInProgress: {model.TaskStatusCompleted, model.TaskStatusFailed, model.TaskStatusCancelled},
	model.TaskStatusCompleted:  {},
	model.TaskStatusFailed:     {model.TaskStatusReady},
	model.TaskStatusCancelled:  {model.TaskStatusReady},
}

// ExecutionSteps is the fixed step order of a task run
var ExecutionSteps = []model.ExecutionStep{
	model.StepNodeSelection,
	model.StepNodeProvisioning,
	model.StepNodeAgentReady,
	model.StepWorkspaceCreation,
	model.StepWorkspaceReady,
	model.StepAgentSession,
	model.StepRunning,
}

var stepDescriptions = map[model.ExecutionStep]string{
	model.StepNodeSelection:     "selecting a node",
	model.StepNodeProvisioning:  "provisioning a new node",
	model.StepNodeAgentReady:    "waiting for node to report ready",
	model.StepWorkspaceCreation: "creating workspace on node",
	model.StepWorkspaceReady:    "waiting for workspace to become ready",
	model.StepAgentSession:      "starting agent session",
	model.StepRunning:           "agent running",
}

// IsTerminal reports whether no further engine work happens in s
func IsTerminal(s model.TaskStatus) bool {
	switch s {
	case model.TaskStatusCompleted, model.TaskStatusFailed, model.TaskStatusCancelled:
		return true
	}
	return false
}

// TerminalStatuses lists every terminal status
func TerminalStatuses() []model.TaskStatus {
	return []model.TaskStatus{model.TaskStatusCompleted, model.TaskStatusFailed, model.TaskStatusCancelled}
}

// ActiveStatuses lists the statuses that carry an execution step
func ActiveStatuses() []model.TaskStatus {
	return []model.TaskStatus{model.TaskStatusQueued, model.TaskStatusDelegated, model.TaskStatusInProgress}
}

// HasExecutionStep reports whether a task in s must carry a non-nil step
func HasExecutionStep(s model.TaskStatus) bool {
	switch s {
	case model.TaskStatusQueued, model.TaskStatusDelegated, model.TaskStatusInProgress:
		return true
	}
	return false
}

// AllowedTransitions returns the legal next statuses. Unknown input yields an empty set.
func AllowedTransitions(s model.TaskStatus) []model.TaskStatus {
	next, ok := transitions[s]
	if !ok {
		return []model.TaskStatus{}
	}
	out := make([]model.TaskStatus, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether from -> to is legal
func CanTransition(from, to model.TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitionsString renders the allowed set for error messages,
// e.g. "Allowed: delegated, failed, cancelled".
func AllowedTransitionsString(s model.TaskStatus) string {
	next := AllowedTransitions(s)
	if len(next) == 0 {
		return "Allowed: none"
	}
	names := make([]string, len(next))
	for i, n := range next {
		names[i] = string(n)
	}
	return "Allowed: " + strings.Join(names, ", ")
}

// StepIndex returns the position of step in ExecutionSteps, or -1
func StepIndex(step model.ExecutionStep) int {
	for i, s := range ExecutionSteps {
		if s == step {
			return i
		}
	}
	return -1
}

// CanAdvanceStep validates a checkpoint write. The first checkpoint must be
// node_selection. Re-persisting the current step is allowed so a resumed run
// can checkpoint again. Otherwise next must be the immediate successor, with
// node_provisioning the only step that may be skipped.
func CanAdvanceStep(current *model.ExecutionStep, next model.ExecutionStep) bool {
	nextIdx := StepIndex(next)
	if nextIdx < 0 {
		return false
	}
	if current == nil {
		return next == model.StepNodeSelection
	}
	curIdx := StepIndex(*current)
	if curIdx < 0 {
		return false
	}
	switch {
	case nextIdx == curIdx, nextIdx == curIdx+1:
		return true
	case *current == model.StepNodeSelection && next == model.StepNodeAgentReady:
		return true
	}
	return false
}

// DescribeStep returns a short phrase for diagnostics, e.g.
// "waiting for node to report ready (node_agent_ready)".
func DescribeStep(step *model.ExecutionStep) string {
	if step == nil {
		return "unknown (no step recorded)"
	}
	desc, ok := stepDescriptions[*step]
	if !ok {
		return string(*step)
	}
	return desc + " (" + string(*step) + ")"
}

// IsValidStatus reports whether s is a known status
func IsValidStatus(s model.TaskStatus) bool {
	_, ok := transitions[s]
	return ok
}
