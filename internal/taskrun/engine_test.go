package taskrun

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go_orchestrator/internal/model"
	"go_orchestrator/internal/nodeagent"
)

func TestExecute_CapacityNodeToCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.runningNode(t, "node-1", 20, 30)

	task := f.submit(t)
	assert.Equal(t, model.TaskStatusQueued, task.Status)

	require.NoError(t, f.engine.Execute(ctx, task.ID))

	got := f.task(t, task.ID)
	assert.Equal(t, model.TaskStatusInProgress, got.Status)
	assert.Equal(t, model.StepRunning, *got.ExecutionStep)
	assert.Equal(t, "node-1", model.StrVal(got.NodeID))
	assert.Nil(t, got.AutoProvisionedNodeID)
	require.NotNil(t, got.WorkspaceID)
	require.NotNil(t, got.StartedAt)
	assert.Empty(t, f.prov.provisioned)

	events := f.events(t, task.ID)
	assert.Equal(t, []model.TaskStatus{model.TaskStatusQueued, model.TaskStatusDelegated, model.TaskStatusInProgress}, statuses(events))
	reason := model.StrVal(events[1].Reason)
	assert.Contains(t, reason, *got.WorkspaceID)
	assert.Contains(t, reason, "node-1")

	var ws model.Workspace
	require.NoError(t, f.db.First(&ws, "id = ?", *got.WorkspaceID).Error)
	assert.Equal(t, model.WorkspaceStatusRunning, ws.Status)
	assert.Equal(t, "chat-"+task.ID, model.StrVal(ws.ChatSessionID))

	done, err := f.engine.HandleWorkspaceCallback(ctx, ws.ID, CallbackRequest{Status: CallbackCompleted})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, done.Status)

	got = f.task(t, task.ID)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)
	assert.Nil(t, got.ExecutionStep)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{ws.ID}, f.agent.stopped)
	assert.Equal(t, []string{"chat-" + task.ID}, f.chat.stopped)

	last := f.events(t, task.ID)
	assert.Equal(t, model.ActorWorkspaceCallback, last[len(last)-1].ActorType)

	// not auto-provisioned, so the node never enters the warm pool
	st, err := f.lifecycle.GetStatus(ctx, "node-1")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestExecute_ProvisionsAndReleasesToWarmPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.submit(t)
	require.NoError(t, f.engine.Execute(ctx, task.ID))

	got := f.task(t, task.ID)
	require.Equal(t, model.TaskStatusInProgress, got.Status)
	require.Len(t, f.prov.provisioned, 1)
	nodeID := f.prov.provisioned[0]
	assert.Equal(t, nodeID, model.StrVal(got.NodeID))
	assert.Equal(t, nodeID, model.StrVal(got.AutoProvisionedNodeID))

	var node model.Node
	require.NoError(t, f.db.First(&node, "id = ?", nodeID).Error)
	assert.Equal(t, model.NodeStatusRunning, node.Status)
	assert.True(t, node.AutoProvisioned)
	assert.Equal(t, "10.0.0.10", node.IPAddress)

	_, err := f.engine.HandleWorkspaceCallback(ctx, *got.WorkspaceID, CallbackRequest{Status: CallbackCompleted})
	require.NoError(t, err)

	st, err := f.lifecycle.GetStatus(ctx, nodeID)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, model.LifecycleWarm, st.Status)

	require.NoError(t, f.db.First(&node, "id = ?", nodeID).Error)
	assert.NotNil(t, node.WarmSince)

	// the next task reuses the warm node instead of provisioning
	next := f.submit(t)
	require.NoError(t, f.engine.Execute(ctx, next.ID))
	got = f.task(t, next.ID)
	assert.Equal(t, nodeID, model.StrVal(got.NodeID))
	assert.Len(t, f.prov.provisioned, 1)
}

func TestExecute_PreferredWarmNodeReturnsToPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.runningNode(t, "node-1", 10, 10)
	require.NoError(t, f.lifecycle.MarkIdle(ctx, "node-1", "user-1"))

	task := f.submit(t, func(r *SubmitRequest) { r.PreferredNodeID = "node-1" })
	require.NoError(t, f.engine.Execute(ctx, task.ID))

	got := f.task(t, task.ID)
	require.Equal(t, model.TaskStatusInProgress, got.Status)
	assert.Equal(t, "node-1", model.StrVal(got.NodeID))
	assert.Equal(t, "node-1", model.StrVal(got.AutoProvisionedNodeID), "a claimed warm node is released when the task ends")

	st, err := f.lifecycle.GetStatus(ctx, "node-1")
	require.NoError(t, err)
	require.Equal(t, model.LifecycleActive, st.Status)

	_, err = f.engine.HandleWorkspaceCallback(ctx, *got.WorkspaceID, CallbackRequest{Status: CallbackCompleted})
	require.NoError(t, err)

	st, err = f.lifecycle.GetStatus(ctx, "node-1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, model.LifecycleWarm, st.Status)

	var node model.Node
	require.NoError(t, f.db.First(&node, "id = ?", "node-1").Error)
	assert.NotNil(t, node.WarmSince)
}

func TestExecute_OverlappingRunWithOlderCopyAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.submit(t)
	older := f.task(t, task.ID)

	// a second run starts from the copy read before the first run placed the task
	var overlapErr error
	var overlapped bool
	f.agent.onCreate = func(ws *model.Workspace) {
		if overlapped {
			return
		}
		overlapped = true
		overlapErr = f.engine.run(ctx, older)
	}

	require.NoError(t, f.engine.Execute(ctx, task.ID))
	require.True(t, overlapped)
	assert.ErrorIs(t, overlapErr, errAborted)

	got := f.task(t, task.ID)
	assert.Equal(t, model.TaskStatusInProgress, got.Status)
	assert.Len(t, f.prov.provisioned, 1, "the aborted run must not provision a second node")

	var nodes int64
	require.NoError(t, f.db.Model(&model.Node{}).Count(&nodes).Error)
	assert.Equal(t, int64(1), nodes)

	var workspaces int64
	require.NoError(t, f.db.Model(&model.Workspace{}).Where("task_id = ?", task.ID).Count(&workspaces).Error)
	assert.Equal(t, int64(1), workspaces)
	assert.Len(t, f.agent.created, 1)
}

func TestUpdateTask_RequiresUnchangedPlacement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.runningNode(t, "node-1", 10, 10)
	f.runningNode(t, "node-2", 10, 10)
	task := f.submit(t)

	first := f.task(t, task.ID)
	second := f.task(t, task.ID)

	require.NoError(t, f.engine.updateTask(ctx, nil, first, map[string]interface{}{"node_id": "node-1"}))
	err := f.engine.updateTask(ctx, nil, second, map[string]interface{}{"node_id": "node-2"})
	assert.ErrorIs(t, err, errAborted)

	assert.Equal(t, "node-1", model.StrVal(f.task(t, task.ID).NodeID))
}

func TestExecute_ResumeAfterWorkspaceInsert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.runningNode(t, "node-1", 10, 10)
	task := f.submit(t)

	// simulate a crash after the workspace row and workspace_id were persisted
	ws := model.Workspace{
		BaseModel: model.BaseModel{ID: "ws-resume"},
		NodeID:    "node-1",
		TaskID:    task.ID,
		UserID:    "user-1",
		Status:    model.WorkspaceStatusCreating,
	}
	require.NoError(t, f.db.Create(&ws).Error)
	require.NoError(t, f.db.Model(&model.Task{}).Where("id = ?", task.ID).Updates(map[string]interface{}{
		"node_id":        "node-1",
		"workspace_id":   ws.ID,
		"execution_step": model.StepWorkspaceCreation,
	}).Error)

	got := f.task(t, task.ID)
	assert.Equal(t, model.TaskStatusQueued, got.Status)

	require.NoError(t, f.engine.Execute(ctx, task.ID))

	assert.Equal(t, []string{"ws-resume"}, f.agent.created)
	var count int64
	require.NoError(t, f.db.Model(&model.Workspace{}).Where("task_id = ?", task.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, model.TaskStatusInProgress, f.task(t, task.ID).Status)
}

func TestExecute_WorkspaceCreationFailureNeverDelegates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.runningNode(t, "node-1", 10, 10)
	f.agent.createErr = errors.New("disk full")
	task := f.submit(t)

	require.NoError(t, f.engine.Execute(ctx, task.ID))

	got := f.task(t, task.ID)
	assert.Equal(t, model.TaskStatusFailed, got.Status)
	assert.Contains(t, model.StrVal(got.ErrorMessage), string(CodeWorkspaceCreationFailed))
	assert.Equal(t, []model.TaskStatus{model.TaskStatusQueued, model.TaskStatusFailed}, statuses(f.events(t, task.ID)))

	var ws model.Workspace
	require.NoError(t, f.db.First(&ws, "id = ?", *got.WorkspaceID).Error)
	assert.Equal(t, model.WorkspaceStatusError, ws.Status)
}

func TestExecute_LostOptimisticLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.runningNode(t, "node-1", 10, 10)
	task := f.submit(t)

	// the recovery sweep fails the task while the remote create is in flight
	f.agent.onCreate = func(ws *model.Workspace) {
		_, err := f.engine.FailTask(ctx, task.ID, "stuck", SystemActor)
		require.NoError(t, err)
	}

	require.NoError(t, f.engine.Execute(ctx, task.ID))

	got := f.task(t, task.ID)
	assert.Equal(t, model.TaskStatusFailed, got.Status)
	assert.Equal(t, "stuck", model.StrVal(got.ErrorMessage))
	assert.Equal(t, []model.TaskStatus{model.TaskStatusQueued, model.TaskStatusFailed}, statuses(f.events(t, task.ID)))
	assert.Empty(t, f.agent.started)
}

func TestExecute_StepFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(t *testing.T, f *fixture)
		mutate   func(*SubmitRequest)
		wantCode ErrorCode
	}{
		{
			name: "workspace lost",
			setup: func(t *testing.T, f *fixture) {
				f.runningNode(t, "node-1", 10, 10)
				f.agent.waitReady = func(ctx context.Context) error { return nodeagent.ErrWorkspaceNotFound }
			},
			wantCode: CodeWorkspaceLost,
		},
		{
			name: "workspace timeout",
			setup: func(t *testing.T, f *fixture) {
				f.runningNode(t, "node-1", 10, 10)
				f.agent.waitReady = func(ctx context.Context) error {
					<-ctx.Done()
					return ctx.Err()
				}
			},
			wantCode: CodeWorkspaceTimeout,
		},
		{
			name: "provision failure",
			setup: func(t *testing.T, f *fixture) {
				f.prov.err = errors.New("quota")
			},
			wantCode: CodeProvisionFailed,
		},
		{
			name: "node agent never ready",
			setup: func(t *testing.T, f *fixture) {
				f.prov.readyErr = context.DeadlineExceeded
			},
			wantCode: CodeNodeUnavailable,
		},
		{
			name: "agent session failure",
			setup: func(t *testing.T, f *fixture) {
				f.runningNode(t, "node-1", 10, 10)
				f.agent.startErr = errors.New("agent crashed")
			},
			wantCode: CodeAgentSessionFailed,
		},
		{
			name: "preferred node missing",
			mutate: func(r *SubmitRequest) {
				r.PreferredNodeID = "ghost"
			},
			wantCode: CodeNodeUnavailable,
		},
		{
			name: "node limit",
			setup: func(t *testing.T, f *fixture) {
				for _, id := range []string{"p1", "p2", "p3"} {
					require.NoError(t, f.db.Create(&model.Node{
						BaseModel: model.BaseModel{ID: id},
						UserID:    "user-1",
						Name:      id,
						Status:    model.NodeStatusProvisioning,
						VMSize:    model.VMSizeSmall,
					}).Error)
				}
			},
			wantCode: CodeLimitExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *Config) { c.WorkspaceReadyTimeout = 30 * time.Millisecond })
			if tt.setup != nil {
				tt.setup(t, f)
			}
			var task *model.Task
			if tt.mutate != nil {
				task = f.submit(t, tt.mutate)
			} else {
				task = f.submit(t)
			}

			require.NoError(t, f.engine.Execute(context.Background(), task.ID))

			got := f.task(t, task.ID)
			assert.Equal(t, model.TaskStatusFailed, got.Status)
			assert.True(t, strings.HasPrefix(model.StrVal(got.ErrorMessage), "["+string(tt.wantCode)+"]"),
				"unexpected message %q", model.StrVal(got.ErrorMessage))
			assert.NotNil(t, got.CompletedAt)
		})
	}
}

func TestExecute_FailedProvisionDestroysNode(t *testing.T) {
	f := newFixture(t)
	f.prov.readyErr = errors.New("never booted")
	task := f.submit(t)

	require.NoError(t, f.engine.Execute(context.Background(), task.ID))

	require.Len(t, f.prov.provisioned, 1)
	st, err := f.lifecycle.GetStatus(context.Background(), f.prov.provisioned[0])
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, model.LifecycleDestroying, st.Status)
}

func TestExecute_TerminalTaskIsNoop(t *testing.T) {
	f := newFixture(t)
	task := f.submit(t)
	_, err := f.engine.FailTask(context.Background(), task.ID, "gone", SystemActor)
	require.NoError(t, err)

	require.NoError(t, f.engine.Execute(context.Background(), task.ID))
	assert.Empty(t, f.prov.provisioned)
}

func TestExecute_UnknownTask(t *testing.T) {
	f := newFixture(t)
	err := f.engine.Execute(context.Background(), "missing")
	var runErr *TaskRunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, CodeNotFound, runErr.Code)
}

func TestFailTask_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.submit(t)

	changed, err := f.engine.FailTask(ctx, task.ID, "first", SystemActor)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.engine.FailTask(ctx, task.ID, "second", SystemActor)
	require.NoError(t, err)
	assert.False(t, changed)

	got := f.task(t, task.ID)
	assert.Equal(t, "first", model.StrVal(got.ErrorMessage))
	assert.Equal(t, []model.TaskStatus{model.TaskStatusQueued, model.TaskStatusFailed}, statuses(f.events(t, task.ID)))
}

func TestHandleWorkspaceCallback_Failed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.runningNode(t, "node-1", 10, 10)
	task := f.submit(t)
	require.NoError(t, f.engine.Execute(ctx, task.ID))
	wsID := *f.task(t, task.ID).WorkspaceID

	got, err := f.engine.HandleWorkspaceCallback(ctx, wsID, CallbackRequest{Status: CallbackFailed, ErrorMessage: "tests failed"})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, got.Status)
	assert.Equal(t, "tests failed", model.StrVal(got.ErrorMessage))

	events := f.events(t, task.ID)
	assert.Equal(t, model.ActorWorkspaceCallback, events[len(events)-1].ActorType)
	assert.Equal(t, []string{wsID}, f.agent.stopped)

	// a repeated callback changes nothing
	_, err = f.engine.HandleWorkspaceCallback(ctx, wsID, CallbackRequest{Status: CallbackFailed})
	require.NoError(t, err)
	assert.Len(t, f.events(t, task.ID), len(events))
}

func TestHandleWorkspaceCallback_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.HandleWorkspaceCallback(ctx, "missing", CallbackRequest{Status: CallbackCompleted})
	assert.ErrorIs(t, err, ErrWorkspaceNotFound)

	f.runningNode(t, "node-1", 10, 10)
	task := f.submit(t)
	require.NoError(t, f.engine.Execute(ctx, task.ID))
	wsID := *f.task(t, task.ID).WorkspaceID

	_, err = f.engine.HandleWorkspaceCallback(ctx, wsID, CallbackRequest{Status: "paused"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "disk full", 20, "disk full"},
		{"ascii cut", "disk full", 4, "disk"},
		{"cut inside two-byte rune", "ééé", 3, "é"},
		{"cut inside four-byte rune", "a😀b", 3, "a"},
		{"cut on rune boundary", "ééé", 4, "éé"},
		{"zero", "é", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), tt.n)
		})
	}
}

func TestFailTask_MultibyteMessageStaysValid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.submit(t)

	msg := strings.Repeat("ü", 1500)
	failed, err := f.engine.FailTask(ctx, task.ID, msg, SystemActor)
	require.NoError(t, err)
	require.True(t, failed)

	got := model.StrVal(f.task(t, task.ID).ErrorMessage)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 2048, len(got))
}
