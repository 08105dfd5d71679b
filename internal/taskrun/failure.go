package taskrun

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"go_orchestrator/internal/model"
	"go_orchestrator/internal/nodelifecycle"
	"go_orchestrator/internal/taskstatus"
)

const failRetries = 3

// FailTask moves the task to failed. A task that is already terminal is left
// untouched and no event is written, so repeated calls record one failure.
// It reports whether this call performed the transition.
func (e *Engine) FailTask(ctx context.Context, taskID, message string, actor Actor) (bool, error) {
	for attempt := 0; attempt < failRetries; attempt++ {
		task, err := e.loadTask(ctx, taskID)
		if err != nil {
			return false, err
		}
		if taskstatus.IsTerminal(task.Status) {
			return false, nil
		}
		if !taskstatus.CanTransition(task.Status, model.TaskStatusFailed) {
			return false, &TransitionError{From: task.Status, To: model.TaskStatusFailed}
		}

		now := e.now()
		var metadata map[string]interface{}
		if task.ExecutionStep != nil {
			metadata = map[string]interface{}{"lastStep": string(*task.ExecutionStep)}
		}
		ev, err := e.applyTransition(ctx, task, transition{
			to:       model.TaskStatusFailed,
			actor:    actor,
			reason:   message,
			metadata: metadata,
			updates: map[string]interface{}{
				"completed_at":  now,
				"error_message": truncate(message, 2048),
			},
		})
		if errors.Is(err, errAborted) {
			// status moved between read and write; re-read and decide again
			continue
		}
		if err != nil {
			return false, err
		}
		e.publish(ev)
		e.logger.WithFields(logrus.Fields{
			"task_id": taskID,
			"from":    *ev.FromStatus,
			"actor":   actor.Type,
		}).Warnf("Task failed: %s", message)
		return true, nil
	}
	e.logger.WithField("task_id", taskID).Warn("Gave up failing task after repeated concurrent changes")
	return false, nil
}

// CleanupTaskResources stops the task's workspace and chat session and
// releases an auto-provisioned node that has no other active workspace.
// Every failure is logged and swallowed.
func (e *Engine) CleanupTaskResources(ctx context.Context, task *model.Task) {
	ctx, cancel := withTimeout(ctx, e.cfg.CleanupTimeout)
	defer cancel()
	log := e.logger.WithField("task_id", task.ID)

	if task.WorkspaceID != nil {
		e.stopWorkspace(ctx, log, *task.WorkspaceID)
	}

	if task.AutoProvisionedNodeID != nil {
		e.releaseNode(ctx, log, *task.AutoProvisionedNodeID)
	}
}

func (e *Engine) stopWorkspace(ctx context.Context, log *logrus.Entry, workspaceID string) {
	log = log.WithField("workspace_id", workspaceID)

	ws, err := e.loadWorkspace(ctx, workspaceID)
	if err != nil {
		log.WithError(err).Warn("Cleanup could not load workspace")
		return
	}
	if ws == nil {
		return
	}

	if ws.Status == model.WorkspaceStatusCreating || ws.Status == model.WorkspaceStatusRunning {
		status := model.WorkspaceStatusStopped
		var stopErr error
		node, err := e.loadNode(ctx, ws.NodeID)
		if err != nil {
			log.WithError(err).Warn("Cleanup could not load node")
		} else if node != nil && node.Status != model.NodeStatusStopped {
			if stopErr = e.agent.StopWorkspace(ctx, node, ws.ID); stopErr != nil {
				log.WithError(stopErr).Warn("Failed to stop workspace on node")
				status = model.WorkspaceStatusError
			}
		}
		e.setWorkspaceStatus(ctx, ws.ID, status, stopErr)
	}

	if ws.ChatSessionID != nil && e.chat != nil {
		if err := e.chat.StopSession(ctx, *ws.ChatSessionID); err != nil {
			log.WithError(err).Warn("Failed to stop chat session")
		}
	}
}

func (e *Engine) releaseNode(ctx context.Context, log *logrus.Entry, nodeID string) {
	log = log.WithField("node_id", nodeID)

	others, err := e.countActiveWorkspaces(ctx, nodeID, "")
	if err != nil {
		log.WithError(err).Warn("Cleanup could not count node workspaces")
		return
	}
	if others > 0 {
		log.WithField("active_workspaces", others).Info("Node still hosts active workspaces, keeping it")
		return
	}

	node, err := e.loadNode(ctx, nodeID)
	if err != nil {
		log.WithError(err).Warn("Cleanup could not load node")
		return
	}
	if node == nil || node.Status == model.NodeStatusStopped {
		return
	}

	if node.Status == model.NodeStatusRunning {
		err := e.lifecycle.MarkIdle(ctx, node.ID, node.UserID)
		switch {
		case errors.Is(err, nodelifecycle.ErrNodeDestroying):
			log.Info("Node already being destroyed")
		case err != nil:
			log.WithError(err).Warn("Failed to return node to warm pool")
		default:
			log.Info("Node returned to warm pool")
		}
		return
	}

	// never reached running; nothing worth keeping warm
	if _, err := e.lifecycle.ForceDestroy(ctx, node.ID, false); err != nil {
		log.WithError(err).Warn("Failed to destroy unfinished node")
		return
	}
	log.Info("Destroying node that never became ready")
}
