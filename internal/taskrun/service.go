package taskrun

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"go_orchestrator/internal/model"
	"go_orchestrator/internal/taskstatus"
)

// SubmitRequest describes a new task
type SubmitRequest struct {
	UserID            string
	Title             string
	Description       string
	InitialPrompt     string
	AgentType         string
	Repository        string
	Branch            string
	OutputBranch      string
	PreferredNodeID   string
	PreferredLocation string
	VMSize            model.VMSize
}

// ListFilter selects tasks for listing
type ListFilter struct {
	UserID   string
	Status   model.TaskStatus
	Page     int
	PageSize int
}

// Service is the task API used by the HTTP layer
type Service struct {
	store
	engine *Engine
	queue  Queue
	logger *logrus.Entry
}

// NewService creates a Service
func NewService(engine *Engine, queue Queue, logger *logrus.Entry) *Service {
	return &Service{
		store:  engine.store,
		engine: engine,
		queue:  queue,
		logger: logger.WithField("component", "task-service"),
	}
}

// SubmitTask creates a queued task and hands it to the engine workers
func (s *Service) SubmitTask(ctx context.Context, req SubmitRequest) (*model.Task, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.AgentType) == "" {
		return nil, fmt.Errorf("%w: agentType is required", ErrInvalidRequest)
	}
	if req.VMSize != "" && req.VMSize.Rank() == 0 {
		return nil, fmt.Errorf("%w: unknown vmSize %q", ErrInvalidRequest, req.VMSize)
	}

	now := s.now()
	task := &model.Task{
		BaseModel:         model.BaseModel{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now},
		UserID:            req.UserID,
		Title:             req.Title,
		Description:       req.Description,
		InitialPrompt:     req.InitialPrompt,
		AgentType:         req.AgentType,
		Repository:        req.Repository,
		Branch:            req.Branch,
		OutputBranch:      req.OutputBranch,
		PreferredLocation: req.PreferredLocation,
		VMSize:            req.VMSize,
		Status:            model.TaskStatusQueued,
		ExecutionStep:     model.StepPtr(model.StepNodeSelection),
	}
	if req.PreferredNodeID != "" {
		task.PreferredNodeID = model.StrPtr(req.PreferredNodeID)
	}
	if task.OutputBranch == "" {
		task.OutputBranch = "task/" + task.ID[:8]
	}

	ev := &model.TaskStatusEvent{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		ToStatus:  model.TaskStatusQueued,
		ActorType: model.ActorUser,
		ActorID:   req.UserID,
		Reason:    model.StrPtr("Task submitted"),
		CreatedAt: now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(task).Error; err != nil {
			return err
		}
		return tx.Create(ev).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	s.engine.publish(ev)

	if err := s.queue.Enqueue(ctx, task.ID); err != nil {
		// the task stays queued; ResumeInFlight or the recovery sweep picks it up
		s.logger.WithError(err).WithField("task_id", task.ID).Error("Failed to enqueue task")
	}
	s.logger.WithFields(logrus.Fields{"task_id": task.ID, "user_id": task.UserID}).Info("Task submitted")
	return task, nil
}

// SetTaskStatus applies a user requested status change. delegated and
// in_progress belong to the engine and are rejected here.
func (s *Service) SetTaskStatus(ctx context.Context, taskID string, to model.TaskStatus, actor Actor, reason string) (*model.Task, error) {
	if !taskstatus.IsValidStatus(to) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, to)
	}
	task, err := s.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if to == model.TaskStatusDelegated || to == model.TaskStatusInProgress {
		return nil, &TransitionError{From: task.Status, To: to, Reason: "status is managed by the task runner"}
	}
	if !taskstatus.CanTransition(task.Status, to) {
		return nil, &TransitionError{From: task.Status, To: to}
	}

	now := s.now()
	updates := map[string]interface{}{}
	switch to {
	case model.TaskStatusQueued:
		updates["execution_step"] = model.StepNodeSelection
	case model.TaskStatusReady:
		// a retried task starts from scratch
		updates["workspace_id"] = nil
		updates["node_id"] = nil
		updates["auto_provisioned_node_id"] = nil
		updates["started_at"] = nil
		updates["completed_at"] = nil
		updates["error_message"] = nil
	case model.TaskStatusFailed:
		updates["completed_at"] = now
		if reason != "" {
			updates["error_message"] = truncate(reason, 2048)
		}
	case model.TaskStatusCompleted, model.TaskStatusCancelled:
		updates["completed_at"] = now
	}

	ev, err := s.applyTransition(ctx, task, transition{
		to:      to,
		actor:   actor,
		reason:  reason,
		updates: updates,
	})
	if errors.Is(err, errAborted) {
		return nil, ErrConcurrentUpdate
	}
	if err != nil {
		return nil, err
	}
	s.engine.publish(ev)

	switch {
	case to == model.TaskStatusQueued:
		if err := s.queue.Enqueue(ctx, task.ID); err != nil {
			s.logger.WithError(err).WithField("task_id", task.ID).Error("Failed to enqueue task")
		}
	case taskstatus.IsTerminal(to):
		s.engine.CleanupTaskResources(ctx, task)
	}
	return task, nil
}

// GetTask returns a task by ID
func (s *Service) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	return s.loadTask(ctx, taskID)
}

// ListTasks returns one page of tasks, newest first, and the total count
func (s *Service) ListTasks(ctx context.Context, f ListFilter) ([]model.Task, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 100 {
		f.PageSize = 20
	}

	q := s.db.WithContext(ctx).Model(&model.Task{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var tasks []model.Task
	err := q.Order("created_at DESC").
		Offset((f.Page - 1) * f.PageSize).
		Limit(f.PageSize).
		Find(&tasks).Error
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// ListEvents returns the status history of a task, oldest first
func (s *Service) ListEvents(ctx context.Context, taskID string) ([]model.TaskStatusEvent, error) {
	if _, err := s.loadTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.listEvents(ctx, taskID)
}

// ResumeInFlight re-enqueues every task whose run has not reached running.
// A run only writes while the task still has the step, node and workspace it
// read, so when two runs overlap the one holding an older copy aborts at its
// next write.
func (s *Service) ResumeInFlight(ctx context.Context) (int, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.Task{}).
		Where("status IN ? AND (execution_step IS NULL OR execution_step <> ?)",
			taskstatus.ActiveStatuses(), model.StepRunning).
		Order("updated_at ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list in-flight tasks: %w", err)
	}

	resumed := 0
	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, id); err != nil {
			s.logger.WithError(err).WithField("task_id", id).Warn("Failed to re-enqueue task")
			continue
		}
		resumed++
	}
	s.logger.Infof("Re-enqueued %d in-flight tasks", resumed)
	return resumed, nil
}
