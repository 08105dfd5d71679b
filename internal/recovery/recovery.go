// Package recovery fails task runs that stalled past their step timeouts and
// releases the resources they hold.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"go_orchestrator/internal/cache"
	"go_orchestrator/internal/model"
	"go_orchestrator/internal/taskrun"
	"go_orchestrator/internal/taskstatus"
)

const lockKey = "sweep:stuck-tasks"

// TaskFailer is the part of the engine the sweep drives
type TaskFailer interface {
	FailTask(ctx context.Context, taskID, message string, actor taskrun.Actor) (bool, error)
	CleanupTaskResources(ctx context.Context, task *model.Task)
}

// Config holds the recovery worker configuration. A zero timeout disables
// the check for that status.
type Config struct {
	DB                  *gorm.DB
	Engine              TaskFailer
	Locker              cache.Locker
	Logger              *logrus.Entry
	Interval            time.Duration
	QueuedTimeout       time.Duration
	DelegatedTimeout    time.Duration
	MaxExecutionTimeout time.Duration
	Now                 func() time.Time
}

// StuckTask is an active task past its threshold
type StuckTask struct {
	TaskID          string               `json:"taskId"`
	UserID          string               `json:"userId"`
	Title           string               `json:"title"`
	Status          model.TaskStatus     `json:"status"`
	ExecutionStep   *model.ExecutionStep `json:"executionStep"`
	StepDescription string               `json:"stepDescription"`
	NodeID          *string              `json:"nodeId"`
	WorkspaceID     *string              `json:"workspaceId"`
	Elapsed         time.Duration        `json:"elapsed"`
	ElapsedText     string               `json:"elapsedText"`
	Threshold       time.Duration        `json:"threshold"`

	task model.Task
}

// FailureSummary describes one recently failed task
type FailureSummary struct {
	TaskID          string           `json:"taskId"`
	UserID          string           `json:"userId"`
	Title           string           `json:"title"`
	ErrorMessage    string           `json:"errorMessage"`
	FromStatus      model.TaskStatus `json:"fromStatus"`
	LastStep        string           `json:"lastStep"`
	StepDescription string           `json:"stepDescription"`
	ActorType       model.ActorType  `json:"actorType"`
	FailedAt        time.Time        `json:"failedAt"`
	Elapsed         time.Duration    `json:"elapsed"`
	ElapsedText     string           `json:"elapsedText"`
}

// SweepReport summarises one sweep
type SweepReport struct {
	Skipped bool `json:"skipped"`
	Scanned int  `json:"scanned"`
	Stuck   int  `json:"stuck"`
	Failed  int  `json:"failed"`
	Errors  int  `json:"errors"`
}

// Worker periodically fails stuck tasks
type Worker struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	db     *gorm.DB
	logger *logrus.Entry
}

// NewWorker creates a recovery worker
func NewWorker(cfg *Config) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	c := *cfg
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	return &Worker{
		ctx:    ctx,
		cancel: cancel,
		cfg:    c,
		db:     c.DB,
		logger: c.Logger.WithField("component", "stuck-task-recovery"),
	}
}

// Start begins the periodic sweep
func (w *Worker) Start() {
	w.logger.Info("Starting stuck task recovery worker...")
	ticker := time.NewTicker(w.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := w.RunOnce(w.ctx); err != nil {
					w.logger.WithError(err).Error("Stuck task sweep failed")
				}
			case <-w.ctx.Done():
				w.logger.Info("Stopping stuck task recovery worker...")
				return
			}
		}
	}()
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.cancel()
}

// RunOnce performs a single sweep. When a Locker is configured and another
// replica holds the sweep lease the report is marked skipped.
func (w *Worker) RunOnce(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}
	if w.cfg.Locker != nil {
		ok, err := w.cfg.Locker.TryLock(ctx, lockKey, w.cfg.Interval)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire sweep lock: %w", err)
		}
		if !ok {
			report.Skipped = true
			return report, nil
		}
	}

	stuck, scanned, err := w.findStuck(ctx)
	if err != nil {
		return nil, err
	}
	report.Scanned = scanned
	report.Stuck = len(stuck)

	for i := range stuck {
		st := &stuck[i]
		log := w.logger.WithFields(logrus.Fields{
			"task_id": st.TaskID,
			"status":  st.Status,
			"step":    model.StrVal((*string)(st.ExecutionStep)),
			"elapsed": st.ElapsedText,
		})

		failed, err := w.cfg.Engine.FailTask(ctx, st.TaskID, failureMessage(st), taskrun.SystemActor)
		if err != nil {
			log.WithError(err).Error("Failed to fail stuck task")
			report.Errors++
			continue
		}
		if !failed {
			log.Debug("Stuck task already settled by another actor")
			continue
		}
		report.Failed++
		log.Warn("Failed stuck task")

		w.cfg.Engine.CleanupTaskResources(ctx, &st.task)
	}

	if report.Stuck > 0 {
		w.logger.WithFields(logrus.Fields{
			"scanned": report.Scanned,
			"stuck":   report.Stuck,
			"failed":  report.Failed,
			"errors":  report.Errors,
		}).Info("Stuck task sweep finished")
	}
	return report, nil
}

// ListStuck returns active tasks past their threshold without touching them
func (w *Worker) ListStuck(ctx context.Context) ([]StuckTask, error) {
	stuck, _, err := w.findStuck(ctx)
	return stuck, err
}

// ListRecentFailures returns tasks that failed at or after since, newest first
func (w *Worker) ListRecentFailures(ctx context.Context, since time.Time, limit int) ([]FailureSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var tasks []model.Task
	err := w.db.WithContext(ctx).
		Where("status = ? AND completed_at >= ?", model.TaskStatusFailed, since).
		Order("completed_at DESC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list failed tasks: %w", err)
	}
	if len(tasks) == 0 {
		return []FailureSummary{}, nil
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	var events []model.TaskStatusEvent
	err = w.db.WithContext(ctx).
		Where("task_id IN ? AND to_status = ?", ids, model.TaskStatusFailed).
		Order("created_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load failure events: %w", err)
	}
	latest := make(map[string]model.TaskStatusEvent, len(events))
	for _, ev := range events {
		latest[ev.TaskID] = ev
	}

	out := make([]FailureSummary, 0, len(tasks))
	for _, t := range tasks {
		s := FailureSummary{
			TaskID:       t.ID,
			UserID:       t.UserID,
			Title:        t.Title,
			ErrorMessage: model.StrVal(t.ErrorMessage),
		}
		if t.CompletedAt != nil {
			s.FailedAt = *t.CompletedAt
			s.Elapsed = t.CompletedAt.Sub(t.CreatedAt)
			s.ElapsedText = s.Elapsed.Round(time.Second).String()
		}
		if ev, ok := latest[t.ID]; ok {
			if ev.FromStatus != nil {
				s.FromStatus = *ev.FromStatus
			}
			s.ActorType = ev.ActorType
			if step, ok := ev.Metadata["lastStep"].(string); ok {
				s.LastStep = step
				s.StepDescription = taskstatus.DescribeStep(model.StepPtr(model.ExecutionStep(step)))
			}
		}
		out = append(out, s)
	}
	return out, nil
}

func (w *Worker) findStuck(ctx context.Context) ([]StuckTask, int, error) {
	var tasks []model.Task
	err := w.db.WithContext(ctx).
		Where("status IN ?", taskstatus.ActiveStatuses()).
		Order("updated_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list active tasks: %w", err)
	}

	now := w.cfg.Now()
	stuck := make([]StuckTask, 0)
	for _, t := range tasks {
		since, threshold := w.threshold(&t)
		if threshold <= 0 {
			continue
		}
		elapsed := now.Sub(since)
		if elapsed <= threshold {
			continue
		}
		stuck = append(stuck, StuckTask{
			TaskID:          t.ID,
			UserID:          t.UserID,
			Title:           t.Title,
			Status:          t.Status,
			ExecutionStep:   t.ExecutionStep,
			StepDescription: taskstatus.DescribeStep(t.ExecutionStep),
			NodeID:          t.NodeID,
			WorkspaceID:     t.WorkspaceID,
			Elapsed:         elapsed,
			ElapsedText:     elapsed.Round(time.Second).String(),
			Threshold:       threshold,
			task:            t,
		})
	}
	return stuck, len(tasks), nil
}

// threshold picks the reference time and limit for t's status. in_progress
// is bounded by total execution time, the other statuses by time since the
// last write.
func (w *Worker) threshold(t *model.Task) (time.Time, time.Duration) {
	switch t.Status {
	case model.TaskStatusQueued:
		return t.UpdatedAt, w.cfg.QueuedTimeout
	case model.TaskStatusDelegated:
		return t.UpdatedAt, w.cfg.DelegatedTimeout
	case model.TaskStatusInProgress:
		if t.StartedAt != nil {
			return *t.StartedAt, w.cfg.MaxExecutionTimeout
		}
		return t.UpdatedAt, w.cfg.MaxExecutionTimeout
	}
	return t.UpdatedAt, 0
}

func failureMessage(st *StuckTask) string {
	return fmt.Sprintf("Task stuck in '%s' for %s (threshold %s). Last step: %s",
		st.Status, st.ElapsedText, st.Threshold, st.StepDescription)
}
