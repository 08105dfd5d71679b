package taskrun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"go_orchestrator/internal/model"
	"go_orchestrator/internal/taskstatus"
)

// Actor identifies who requested a status change
type Actor struct {
	Type model.ActorType
	ID   string
}

// SystemActor is used for engine and sweep driven transitions
var SystemActor = Actor{Type: model.ActorSystem, ID: "task-runner"}

// transition describes one conditional status change. A run transition also
// requires the placement the run read to be unchanged.
type transition struct {
	to       model.TaskStatus
	actor    Actor
	reason   string
	metadata map[string]interface{}
	updates  map[string]interface{}
	run      bool
}

// store holds the task persistence rules shared by Engine and Service. Every
// status change is a conditional update keyed on the status the caller read.
type store struct {
	db  *gorm.DB
	now func() time.Time
}

func (s *store) loadTask(ctx context.Context, taskID string) (*model.Task, error) {
	var task model.Task
	err := s.db.WithContext(ctx).Where("id = ?", taskID).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return &task, nil
}

func (s *store) loadNode(ctx context.Context, nodeID string) (*model.Node, error) {
	var node model.Node
	err := s.db.WithContext(ctx).Where("id = ?", nodeID).First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load node: %w", err)
	}
	return &node, nil
}

func (s *store) loadWorkspace(ctx context.Context, workspaceID string) (*model.Workspace, error) {
	var ws model.Workspace
	err := s.db.WithContext(ctx).Where("id = ?", workspaceID).First(&ws).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workspace: %w", err)
	}
	return &ws, nil
}

func (s *store) countActiveWorkspaces(ctx context.Context, nodeID, excludeID string) (int64, error) {
	var count int64
	q := s.db.WithContext(ctx).Model(&model.Workspace{}).
		Where("node_id = ? AND status IN ?", nodeID, model.ActiveWorkspaceStatuses)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	err := q.Count(&count).Error
	return count, err
}

// updateTask applies a run's updates only while the task still has the status,
// step, node and workspace the run last read. A second run holding an older
// copy of the task therefore loses. Zero affected rows is reported as
// errAborted.
func (s *store) updateTask(ctx context.Context, tx *gorm.DB, task *model.Task, updates map[string]interface{}) error {
	return s.conditionalUpdate(ctx, tx, task, updates, true)
}

func (s *store) conditionalUpdate(ctx context.Context, tx *gorm.DB, task *model.Task, updates map[string]interface{}, run bool) error {
	if tx == nil {
		tx = s.db.WithContext(ctx)
	}
	updates["updated_at"] = s.now()
	q := tx.Model(&model.Task{}).Where("id = ? AND status = ?", task.ID, task.Status)
	if run {
		q = whereNullable(q, "execution_step", (*string)(task.ExecutionStep))
		q = whereNullable(q, "node_id", task.NodeID)
		q = whereNullable(q, "workspace_id", task.WorkspaceID)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errAborted
	}
	return nil
}

func whereNullable(q *gorm.DB, column string, v *string) *gorm.DB {
	if v == nil {
		return q.Where(column + " IS NULL")
	}
	return q.Where(column+" = ?", *v)
}

// checkpoint persists the step about to run before it runs
func (s *store) checkpoint(ctx context.Context, task *model.Task, step model.ExecutionStep) error {
	if !taskstatus.CanAdvanceStep(task.ExecutionStep, step) {
		return fmt.Errorf("illegal step change for task %s: %s -> %s",
			task.ID, model.StrVal((*string)(task.ExecutionStep)), step)
	}
	if err := s.updateTask(ctx, nil, task, map[string]interface{}{"execution_step": step}); err != nil {
		return err
	}
	task.ExecutionStep = model.StepPtr(step)
	return nil
}

// applyTransition moves the task from its current status to t.to and records
// the event in the same transaction. The in-memory task is refreshed on success.
func (s *store) applyTransition(ctx context.Context, task *model.Task, t transition) (*model.TaskStatusEvent, error) {
	from := task.Status
	updates := map[string]interface{}{"status": t.to}
	for k, v := range t.updates {
		updates[k] = v
	}
	if !taskstatus.HasExecutionStep(t.to) {
		updates["execution_step"] = nil
	}

	ev := &model.TaskStatusEvent{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		FromStatus: &from,
		ToStatus:   t.to,
		ActorType:  t.actor.Type,
		ActorID:    t.actor.ID,
		CreatedAt:  s.now(),
	}
	if t.reason != "" {
		ev.Reason = model.StrPtr(t.reason)
	}
	if len(t.metadata) > 0 {
		ev.Metadata = datatypes.JSONMap(t.metadata)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.conditionalUpdate(ctx, tx, task, updates, t.run); err != nil {
			return err
		}
		return tx.Create(ev).Error
	})
	if err != nil {
		return nil, err
	}

	// re-read so the caller sees exactly what was written
	fresh, err := s.loadTask(ctx, task.ID)
	if err != nil {
		return ev, err
	}
	*task = *fresh
	return ev, nil
}

func (s *store) listEvents(ctx context.Context, taskID string) ([]model.TaskStatusEvent, error) {
	var events []model.TaskStatusEvent
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at ASC").
		Find(&events).Error
	return events, err
}
