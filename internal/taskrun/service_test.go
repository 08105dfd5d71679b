package taskrun

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go_orchestrator/internal/model"
)

var userActor = Actor{Type: model.ActorUser, ID: "user-1"}

func TestSubmitTask(t *testing.T) {
	f := newFixture(t)
	task := f.submit(t)

	assert.Equal(t, model.TaskStatusQueued, task.Status)
	assert.Equal(t, model.StepNodeSelection, *task.ExecutionStep)
	assert.True(t, strings.HasPrefix(task.OutputBranch, "task/"))
	assert.Equal(t, []string{task.ID}, f.queue.ids)

	events := f.events(t, task.ID)
	require.Len(t, events, 1)
	assert.Nil(t, events[0].FromStatus)
	assert.Equal(t, model.ActorUser, events[0].ActorType)
}

func TestSubmitTask_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"missing title", SubmitRequest{UserID: "u", AgentType: "claude-code"}},
		{"missing agent", SubmitRequest{UserID: "u", Title: "x"}},
		{"bad size", SubmitRequest{UserID: "u", Title: "x", AgentType: "a", VMSize: "huge"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.SubmitTask(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestSetTaskStatus_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.submit(t)

	tests := []struct {
		name string
		to   model.TaskStatus
	}{
		{"backwards", model.TaskStatusReady},
		{"skip to completed", model.TaskStatusCompleted},
		{"engine owned", model.TaskStatusDelegated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.SetTaskStatus(ctx, task.ID, tt.to, userActor, "")
			var trErr *TransitionError
			require.True(t, errors.As(err, &trErr), "expected TransitionError, got %v", err)
			assert.Contains(t, err.Error(), "Allowed: delegated, failed, cancelled")
		})
	}

	_, err := f.service.SetTaskStatus(ctx, task.ID, "bogus", userActor, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.service.SetTaskStatus(ctx, "missing", model.TaskStatusCancelled, userActor, "")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSetTaskStatus_CancelRunningTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.runningNode(t, "node-1", 10, 10)
	task := f.submit(t)
	require.NoError(t, f.engine.Execute(ctx, task.ID))
	wsID := *f.task(t, task.ID).WorkspaceID

	got, err := f.service.SetTaskStatus(ctx, task.ID, model.TaskStatusCancelled, userActor, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCancelled, got.Status)
	assert.Nil(t, got.ExecutionStep)
	assert.Equal(t, []string{wsID}, f.agent.stopped)

	events := f.events(t, task.ID)
	last := events[len(events)-1]
	assert.Equal(t, model.TaskStatusInProgress, *last.FromStatus)
	assert.Equal(t, "no longer needed", model.StrVal(last.Reason))
}

func TestSetTaskStatus_RetryFailedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent.createErr = errors.New("boom")
	f.runningNode(t, "node-1", 10, 10)
	task := f.submit(t)
	require.NoError(t, f.engine.Execute(ctx, task.ID))
	require.Equal(t, model.TaskStatusFailed, f.task(t, task.ID).Status)

	got, err := f.service.SetTaskStatus(ctx, task.ID, model.TaskStatusReady, userActor, "retry")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusReady, got.Status)
	assert.Nil(t, got.WorkspaceID)
	assert.Nil(t, got.NodeID)
	assert.Nil(t, got.ErrorMessage)

	got, err = f.service.SetTaskStatus(ctx, task.ID, model.TaskStatusQueued, userActor, "")
	require.NoError(t, err)
	assert.Equal(t, model.StepNodeSelection, *got.ExecutionStep)
	assert.Equal(t, []string{task.ID, task.ID}, f.queue.ids)

	f.agent.createErr = nil
	require.NoError(t, f.engine.Execute(ctx, task.ID))
	assert.Equal(t, model.TaskStatusInProgress, f.task(t, task.ID).Status)
}

func TestListTasksAndEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.submit(t)
	}
	f.submit(t, func(r *SubmitRequest) { r.UserID = "user-2" })

	tasks, total, err := f.service.ListTasks(ctx, ListFilter{UserID: "user-1", PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, tasks, 2)

	tasks, total, err = f.service.ListTasks(ctx, ListFilter{Status: model.TaskStatusQueued})
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	assert.Len(t, tasks, 4)

	events, err := f.service.ListEvents(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = f.service.ListEvents(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestResumeInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.runningNode(t, "node-1", 10, 10)

	running := f.submit(t)
	require.NoError(t, f.engine.Execute(ctx, running.ID))
	pending := f.submit(t)
	failed := f.submit(t)
	_, err := f.engine.FailTask(ctx, failed.ID, "x", SystemActor)
	require.NoError(t, err)

	f.queue.ids = nil
	n, err := f.service.ResumeInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{pending.ID}, f.queue.ids)
}
