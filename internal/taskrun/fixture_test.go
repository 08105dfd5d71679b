package taskrun

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"go_orchestrator/internal/dbtest"
	"go_orchestrator/internal/logging"
	"go_orchestrator/internal/model"
	"go_orchestrator/internal/nodelifecycle"
	"go_orchestrator/internal/nodeselect"
	"go_orchestrator/internal/taskstatus"
)

type fakeProvisioner struct {
	mu          sync.Mutex
	provisioned []string
	err         error
	readyErr    error
}

func (p *fakeProvisioner) ProvisionNode(ctx context.Context, node *model.Node) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.provisioned = append(p.provisioned, node.ID)
	if p.err != nil {
		return "", "", p.err
	}
	return "srv-" + node.ID[:8], "10.0.0.10", nil
}

func (p *fakeProvisioner) WaitForNodeAgentReady(ctx context.Context, node *model.Node) error {
	return p.readyErr
}

type fakeAgent struct {
	mu        sync.Mutex
	created   []string
	started   []string
	stopped   []string
	createErr error
	startErr  error
	onCreate  func(ws *model.Workspace)
	waitReady func(ctx context.Context) error
}

func (a *fakeAgent) CreateWorkspace(ctx context.Context, node *model.Node, ws *model.Workspace, token string) error {
	a.mu.Lock()
	a.created = append(a.created, ws.ID)
	hook := a.onCreate
	a.mu.Unlock()
	if hook != nil {
		hook(ws)
	}
	return a.createErr
}

func (a *fakeAgent) WaitForWorkspaceReady(ctx context.Context, node *model.Node, workspaceID string) error {
	if a.waitReady != nil {
		return a.waitReady(ctx)
	}
	return nil
}

func (a *fakeAgent) StartAgentSession(ctx context.Context, node *model.Node, workspaceID, agentType, prompt string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = append(a.started, workspaceID)
	return a.startErr
}

func (a *fakeAgent) StopWorkspace(ctx context.Context, node *model.Node, workspaceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = append(a.stopped, workspaceID)
	return nil
}

type fakeChat struct {
	mu      sync.Mutex
	created []string
	stopped []string
}

func (c *fakeChat) CreateSession(ctx context.Context, task *model.Task) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, task.ID)
	return "chat-" + task.ID, nil
}

func (c *fakeChat) StopSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, sessionID)
	return nil
}

type fakeTokens struct{}

func (fakeTokens) IssueCallbackToken(workspaceID, taskID string) (string, error) {
	return "cb-" + workspaceID, nil
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *fakeQueue) Enqueue(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, taskID)
	return nil
}

type fixture struct {
	db        *gorm.DB
	engine    *Engine
	service   *Service
	lifecycle *nodelifecycle.Manager
	prov      *fakeProvisioner
	agent     *fakeAgent
	chat      *fakeChat
	queue     *fakeQueue
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	gdb := dbtest.Open(t)
	logger := logging.Discard()

	store := nodelifecycle.NewGormStore(gdb)
	mgr := nodelifecycle.NewManager(&nodelifecycle.Config{
		Store:       store,
		Mirror:      store,
		Logger:      logger,
		WarmTimeout: time.Hour,
	})
	t.Cleanup(mgr.Close)

	selector := nodeselect.NewSelector(nodeselect.NewGormReader(gdb), mgr, nodeselect.Config{
		MaxWorkspacesPerNode: 5,
		CPUThresholdPercent:  90,
		MemThresholdPercent:  90,
	}, logger)

	cfg := Config{
		ProvisionTimeout:       time.Second,
		NodeAgentReadyTimeout:  time.Second,
		WorkspaceCreateTimeout: time.Second,
		WorkspaceReadyTimeout:  time.Second,
		AgentSessionTimeout:    time.Second,
		MaxNodesPerUser:        3,
		MaxWorkspacesPerNode:   5,
		DefaultLocation:        "nbg1",
	}
	for _, m := range mutate {
		m(&cfg)
	}

	f := &fixture{
		db:        gdb,
		lifecycle: mgr,
		prov:      &fakeProvisioner{},
		agent:     &fakeAgent{},
		chat:      &fakeChat{},
		queue:     &fakeQueue{},
	}
	f.engine = NewEngine(Deps{
		DB:          gdb,
		Selector:    selector,
		Provisioner: f.prov,
		Agent:       f.agent,
		Lifecycle:   mgr,
		Chat:        f.chat,
		Tokens:      fakeTokens{},
		Logger:      logger,
	}, cfg)
	f.service = NewService(f.engine, f.queue, logger)
	return f
}

func (f *fixture) runningNode(t *testing.T, id string, cpu, mem float64) *model.Node {
	t.Helper()
	n := &model.Node{
		BaseModel:          model.BaseModel{ID: id},
		UserID:             "user-1",
		Name:               id,
		Status:             model.NodeStatusRunning,
		HealthStatus:       model.HealthStatusHealthy,
		VMSize:             model.VMSizeMedium,
		CPUUsagePercent:    &cpu,
		MemoryUsagePercent: &mem,
		IPAddress:          "10.0.0.2",
	}
	require.NoError(t, f.db.Create(n).Error)
	return n
}

func (f *fixture) submit(t *testing.T, mutate ...func(*SubmitRequest)) *model.Task {
	t.Helper()
	req := SubmitRequest{
		UserID:        "user-1",
		Title:         "Fix flaky test",
		InitialPrompt: "make it pass",
		AgentType:     "claude-code",
		Repository:    "github.com/acme/app",
		Branch:        "main",
	}
	for _, m := range mutate {
		m(&req)
	}
	task, err := f.service.SubmitTask(context.Background(), req)
	require.NoError(t, err)
	return task
}

func (f *fixture) task(t *testing.T, id string) *model.Task {
	t.Helper()
	task, err := f.engine.loadTask(context.Background(), id)
	require.NoError(t, err)
	requireStepInvariant(t, task)
	return task
}

func (f *fixture) events(t *testing.T, id string) []model.TaskStatusEvent {
	t.Helper()
	events, err := f.engine.listEvents(context.Background(), id)
	require.NoError(t, err)
	return events
}

func requireStepInvariant(t *testing.T, task *model.Task) {
	t.Helper()
	if taskstatus.HasExecutionStep(task.Status) {
		require.NotNil(t, task.ExecutionStep, "status %s must carry a step", task.Status)
	} else {
		require.Nil(t, task.ExecutionStep, "status %s must not carry a step", task.Status)
	}
}

func statuses(events []model.TaskStatusEvent) []model.TaskStatus {
	out := make([]model.TaskStatus, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.ToStatus)
	}
	return out
}
