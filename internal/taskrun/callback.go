package taskrun

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"go_orchestrator/internal/model"
	"go_orchestrator/internal/taskstatus"
)

// Callback statuses reported by a workspace
const (
	CallbackCompleted = "completed"
	CallbackFailed    = "failed"
)

// CallbackRequest is the body a workspace posts when its run ends
type CallbackRequest struct {
	Status       string `json:"status" binding:"required"`
	ErrorMessage string `json:"errorMessage"`
	Summary      string `json:"summary"`
}

// HandleWorkspaceCallback applies a workspace's terminal report to its task
// and runs cleanup. A callback for a task that is already terminal is a no-op.
func (e *Engine) HandleWorkspaceCallback(ctx context.Context, workspaceID string, req CallbackRequest) (*model.Task, error) {
	ws, err := e.loadWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, ErrWorkspaceNotFound
	}
	task, err := e.loadTask(ctx, ws.TaskID)
	if err != nil {
		return nil, err
	}
	if task.WorkspaceID == nil || *task.WorkspaceID != ws.ID {
		return nil, fmt.Errorf("%w: workspace %s is not the current workspace of task %s", ErrInvalidRequest, ws.ID, task.ID)
	}

	actor := Actor{Type: model.ActorWorkspaceCallback, ID: ws.ID}
	log := e.logger.WithFields(logrus.Fields{"task_id": task.ID, "workspace_id": ws.ID, "callback": req.Status})

	switch req.Status {
	case CallbackCompleted:
		if taskstatus.IsTerminal(task.Status) {
			log.Info("Ignoring completion callback for finished task")
			return task, nil
		}
		if task.Status != model.TaskStatusInProgress {
			return nil, &TransitionError{From: task.Status, To: model.TaskStatusCompleted}
		}
		metadata := map[string]interface{}{"workspaceId": ws.ID}
		if req.Summary != "" {
			metadata["summary"] = req.Summary
		}
		ev, err := e.applyTransition(ctx, task, transition{
			to:       model.TaskStatusCompleted,
			actor:    actor,
			reason:   "Workspace reported completion",
			metadata: metadata,
			updates:  map[string]interface{}{"completed_at": e.now()},
		})
		if errors.Is(err, errAborted) {
			return nil, ErrConcurrentUpdate
		}
		if err != nil {
			return nil, err
		}
		e.publish(ev)
		log.Info("Task completed")

	case CallbackFailed:
		msg := req.ErrorMessage
		if msg == "" {
			msg = "Workspace reported failure"
		}
		if _, err := e.FailTask(ctx, task.ID, msg, actor); err != nil {
			return nil, err
		}
		if task, err = e.loadTask(ctx, task.ID); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: unknown callback status %q", ErrInvalidRequest, req.Status)
	}

	e.CleanupTaskResources(ctx, task)
	return task, nil
}
