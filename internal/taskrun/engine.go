// Package taskrun drives task runs through their execution steps. Every step
// is checkpointed before it runs and every status change is an optimistic-lock
// write, so a run can be resumed after a crash and can safely race the
// stuck-task sweep.
package taskrun

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"go_orchestrator/internal/model"
	"go_orchestrator/internal/nodeagent"
	"go_orchestrator/internal/nodeselect"
	"go_orchestrator/internal/taskstatus"
)

// Config holds engine limits and per-step timeouts
type Config struct {
	ProvisionTimeout       time.Duration
	NodeAgentReadyTimeout  time.Duration
	WorkspaceCreateTimeout time.Duration
	WorkspaceReadyTimeout  time.Duration
	AgentSessionTimeout    time.Duration
	CleanupTimeout         time.Duration
	MaxNodesPerUser        int
	MaxWorkspacesPerNode   int
	DefaultVMSize          model.VMSize
	DefaultLocation        string
}

// Deps are the engine's collaborators. Chat and Publisher are optional.
type Deps struct {
	DB          *gorm.DB
	Selector    NodeSelector
	Provisioner NodeProvisioner
	Agent       WorkspaceAgent
	Lifecycle   NodeLifecycle
	Chat        ChatSessions
	Publisher   EventPublisher
	Tokens      TokenIssuer
	Logger      *logrus.Entry
	Now         func() time.Time
}

// Engine executes task runs
type Engine struct {
	store
	cfg         Config
	selector    NodeSelector
	provisioner NodeProvisioner
	agent       WorkspaceAgent
	lifecycle   NodeLifecycle
	chat        ChatSessions
	publisher   EventPublisher
	tokens      TokenIssuer
	logger      *logrus.Entry
}

// NewEngine creates an Engine
func NewEngine(deps Deps, cfg Config) *Engine {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 30 * time.Second
	}
	if cfg.DefaultVMSize == "" {
		cfg.DefaultVMSize = model.VMSizeMedium
	}
	return &Engine{
		store:       store{db: deps.DB, now: now},
		cfg:         cfg,
		selector:    deps.Selector,
		provisioner: deps.Provisioner,
		agent:       deps.Agent,
		lifecycle:   deps.Lifecycle,
		chat:        deps.Chat,
		publisher:   deps.Publisher,
		tokens:      deps.Tokens,
		logger:      deps.Logger.WithField("component", "task-runner"),
	}
}

// Execute runs or resumes taskID from its persisted checkpoint. A run that
// loses an optimistic lock returns nil. A typed step failure fails the task
// and cleans up; other errors are returned and the task is left for the
// recovery sweep.
func (e *Engine) Execute(ctx context.Context, taskID string) error {
	start := e.now()

	task, err := e.loadTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return runError(CodeNotFound, "", err, "task %s not found", taskID)
		}
		return err
	}
	log := e.logger.WithField("task_id", task.ID)

	if !taskstatus.HasExecutionStep(task.Status) {
		log.WithField("status", task.Status).Debug("Task is not runnable, skipping")
		return nil
	}

	err = e.run(ctx, task)
	if err == nil {
		return nil
	}

	fields := logrus.Fields{
		"step":         model.StrVal((*string)(task.ExecutionStep)),
		"node_id":      model.StrVal(task.NodeID),
		"workspace_id": model.StrVal(task.WorkspaceID),
		"elapsed":      e.now().Sub(start).String(),
	}

	if errors.Is(err, errAborted) {
		log.WithFields(fields).Warn("Task changed status concurrently, run aborted by recovery or user")
		return nil
	}

	var runErr *TaskRunError
	if !errors.As(err, &runErr) {
		log.WithFields(fields).WithError(err).Error("Task run interrupted")
		return err
	}

	fields["code"] = runErr.Code
	log.WithFields(fields).WithError(err).Error("Task run failed")

	if _, ferr := e.FailTask(ctx, task.ID, runErr.FailureMessage(), SystemActor); ferr != nil {
		log.WithError(ferr).Error("Failed to mark task failed")
		return ferr
	}
	if fresh, lerr := e.loadTask(ctx, task.ID); lerr == nil {
		task = fresh
	}
	e.CleanupTaskResources(ctx, task)
	return nil
}

func (e *Engine) run(ctx context.Context, task *model.Task) error {
	switch task.Status {
	case model.TaskStatusQueued:
		if stepBefore(task, model.StepWorkspaceCreation) {
			if err := e.prepareNode(ctx, task); err != nil {
				return err
			}
		}
		if err := e.createWorkspace(ctx, task); err != nil {
			return err
		}
		fallthrough
	case model.TaskStatusDelegated:
		if err := e.awaitWorkspace(ctx, task); err != nil {
			return err
		}
		fallthrough
	case model.TaskStatusInProgress:
		return e.startAgent(ctx, task)
	}
	return nil
}

// stepBefore reports whether the task's checkpoint is earlier than step
func stepBefore(task *model.Task, step model.ExecutionStep) bool {
	if task.ExecutionStep == nil {
		return true
	}
	return taskstatus.StepIndex(*task.ExecutionStep) < taskstatus.StepIndex(step)
}

func currentStep(task *model.Task) model.ExecutionStep {
	if task.ExecutionStep == nil {
		return ""
	}
	return *task.ExecutionStep
}

// prepareNode covers node_selection, node_provisioning and node_agent_ready
func (e *Engine) prepareNode(ctx context.Context, task *model.Task) error {
	switch {
	case task.NodeID == nil && currentStep(task) == model.StepNodeProvisioning:
		// crashed after deciding to provision but before the node row existed
		if err := e.provisionNode(ctx, task); err != nil {
			return err
		}
	case task.NodeID == nil:
		if err := e.selectNode(ctx, task); err != nil {
			return err
		}
	case currentStep(task) == model.StepNodeProvisioning:
		if err := e.resumeProvisioning(ctx, task); err != nil {
			return err
		}
	}
	return e.awaitNodeAgent(ctx, task)
}

func (e *Engine) selectNode(ctx context.Context, task *model.Task) error {
	if err := e.checkpoint(ctx, task, model.StepNodeSelection); err != nil {
		return err
	}

	sel, err := e.selector.Select(ctx, task)
	if err != nil {
		var selErr *nodeselect.SelectionError
		if errors.As(err, &selErr) {
			return runError(CodeNodeUnavailable, model.StepNodeSelection, err, "preferred node %s cannot be used", selErr.NodeID)
		}
		return err
	}
	if sel == nil {
		return e.provisionNode(ctx, task)
	}

	updates := map[string]interface{}{"node_id": sel.Node.ID}
	// a node taken from the warm pool goes back to it when this task ends
	if sel.Claimed {
		updates["auto_provisioned_node_id"] = sel.Node.ID
	}
	if err := e.updateTask(ctx, nil, task, updates); err != nil {
		if errors.Is(err, errAborted) && sel.Claimed {
			e.returnToPool(ctx, sel.Node)
		}
		return err
	}
	task.NodeID = model.StrPtr(sel.Node.ID)
	if sel.Claimed {
		task.AutoProvisionedNodeID = model.StrPtr(sel.Node.ID)
	}

	e.logger.WithFields(logrus.Fields{
		"task_id": task.ID,
		"node_id": sel.Node.ID,
		"source":  sel.Source,
	}).Info("Node selected")
	return nil
}

func (e *Engine) returnToPool(ctx context.Context, node *model.Node) {
	if err := e.lifecycle.MarkIdle(ctx, node.ID, node.UserID); err != nil {
		e.logger.WithError(err).WithField("node_id", node.ID).Warn("Failed to return claimed node to warm pool")
	}
}

func (e *Engine) provisionNode(ctx context.Context, task *model.Task) error {
	if err := e.checkpoint(ctx, task, model.StepNodeProvisioning); err != nil {
		return err
	}

	if e.cfg.MaxNodesPerUser > 0 {
		var count int64
		err := e.db.WithContext(ctx).Model(&model.Node{}).
			Where("user_id = ? AND status <> ?", task.UserID, model.NodeStatusStopped).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("failed to count nodes: %w", err)
		}
		if count >= int64(e.cfg.MaxNodesPerUser) {
			return runError(CodeLimitExceeded, model.StepNodeProvisioning, nil,
				"user already has %d of %d allowed nodes", count, e.cfg.MaxNodesPerUser)
		}
	}

	size := task.VMSize
	if size == "" {
		size = e.cfg.DefaultVMSize
	}
	location := task.PreferredLocation
	if location == "" {
		location = e.cfg.DefaultLocation
	}
	id := uuid.NewString()
	node := &model.Node{
		BaseModel:       model.BaseModel{ID: id},
		UserID:          task.UserID,
		Name:            "auto-" + id[:8],
		Status:          model.NodeStatusProvisioning,
		HealthStatus:    model.HealthStatusHealthy,
		VMSize:          size,
		Location:        location,
		AutoProvisioned: true,
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(node).Error; err != nil {
			return fmt.Errorf("failed to create node record: %w", err)
		}
		return e.updateTask(ctx, tx, task, map[string]interface{}{
			"node_id":                  node.ID,
			"auto_provisioned_node_id": node.ID,
		})
	})
	if err != nil {
		return err
	}
	task.NodeID = model.StrPtr(node.ID)
	task.AutoProvisionedNodeID = model.StrPtr(node.ID)

	e.logger.WithFields(logrus.Fields{"task_id": task.ID, "node_id": node.ID}).Info("Provisioning node")
	return e.callProvisioner(ctx, node)
}

func (e *Engine) resumeProvisioning(ctx context.Context, task *model.Task) error {
	if err := e.checkpoint(ctx, task, model.StepNodeProvisioning); err != nil {
		return err
	}
	node, err := e.loadNode(ctx, *task.NodeID)
	if err != nil {
		return err
	}
	if node == nil || node.Status == model.NodeStatusStopped {
		return runError(CodeProvisionFailed, model.StepNodeProvisioning, nil, "node %s disappeared during provisioning", *task.NodeID)
	}
	if node.Status == model.NodeStatusRunning {
		return nil
	}
	return e.callProvisioner(ctx, node)
}

func (e *Engine) callProvisioner(ctx context.Context, node *model.Node) error {
	pctx, cancel := withTimeout(ctx, e.cfg.ProvisionTimeout)
	defer cancel()

	providerID, ip, err := e.provisioner.ProvisionNode(pctx, node)
	if err != nil {
		msg := fmt.Sprintf("failed to provision node %s", node.ID)
		e.markNodeError(ctx, node.ID, err)
		return runError(CodeProvisionFailed, model.StepNodeProvisioning, err, "%s", msg)
	}

	err = e.db.WithContext(ctx).Model(&model.Node{}).
		Where("id = ?", node.ID).
		Updates(map[string]interface{}{
			"provider_id": providerID,
			"ip_address":  ip,
			"updated_at":  e.now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record provisioned node: %w", err)
	}
	return nil
}

func (e *Engine) markNodeError(ctx context.Context, nodeID string, cause error) {
	err := e.db.WithContext(ctx).Model(&model.Node{}).
		Where("id = ?", nodeID).
		Updates(map[string]interface{}{
			"error_message": truncate(cause.Error(), 2048),
			"updated_at":    e.now(),
		}).Error
	if err != nil {
		e.logger.WithError(err).WithField("node_id", nodeID).Warn("Failed to record node error")
	}
}

func (e *Engine) awaitNodeAgent(ctx context.Context, task *model.Task) error {
	if err := e.checkpoint(ctx, task, model.StepNodeAgentReady); err != nil {
		return err
	}
	node, err := e.loadNode(ctx, *task.NodeID)
	if err != nil {
		return err
	}
	if node == nil || node.Status == model.NodeStatusStopped {
		return runError(CodeNodeUnavailable, model.StepNodeAgentReady, nil, "node %s is no longer available", *task.NodeID)
	}

	wctx, cancel := withTimeout(ctx, e.cfg.NodeAgentReadyTimeout)
	defer cancel()
	if err := e.provisioner.WaitForNodeAgentReady(wctx, node); err != nil {
		return runError(CodeNodeUnavailable, model.StepNodeAgentReady, err, "node %s agent did not become ready", node.ID)
	}

	if node.Status != model.NodeStatusRunning {
		err := e.db.WithContext(ctx).Model(&model.Node{}).
			Where("id = ? AND status = ?", node.ID, model.NodeStatusProvisioning).
			Updates(map[string]interface{}{
				"status":            model.NodeStatusRunning,
				"last_heartbeat_at": e.now(),
				"updated_at":        e.now(),
			}).Error
		if err != nil {
			return fmt.Errorf("failed to mark node running: %w", err)
		}
	}
	return nil
}

// createWorkspace follows a fixed order so a resumed run never duplicates a
// workspace: insert the row, persist workspace_id, create remotely, then
// transition queued -> delegated.
func (e *Engine) createWorkspace(ctx context.Context, task *model.Task) error {
	if err := e.checkpoint(ctx, task, model.StepWorkspaceCreation); err != nil {
		return err
	}
	if task.NodeID == nil {
		return runError(CodeNodeUnavailable, model.StepWorkspaceCreation, nil, "no node recorded for task")
	}
	node, err := e.loadNode(ctx, *task.NodeID)
	if err != nil {
		return err
	}
	if node == nil || node.Status != model.NodeStatusRunning {
		return runError(CodeNodeUnavailable, model.StepWorkspaceCreation, nil, "node %s is not running", *task.NodeID)
	}

	var ws *model.Workspace
	if task.WorkspaceID != nil {
		ws, err = e.loadWorkspace(ctx, *task.WorkspaceID)
		if err != nil {
			return err
		}
	}
	if ws == nil {
		ws, err = e.insertWorkspace(ctx, task, node)
		if err != nil {
			return err
		}
	}
	log := e.logger.WithFields(logrus.Fields{"task_id": task.ID, "node_id": node.ID, "workspace_id": ws.ID})

	token, err := e.tokens.IssueCallbackToken(ws.ID, task.ID)
	if err != nil {
		return fmt.Errorf("failed to issue callback token: %w", err)
	}

	cctx, cancel := withTimeout(ctx, e.cfg.WorkspaceCreateTimeout)
	err = e.agent.CreateWorkspace(cctx, node, ws, token)
	cancel()
	if err != nil {
		e.setWorkspaceStatus(ctx, ws.ID, model.WorkspaceStatusError, err)
		return runError(CodeWorkspaceCreationFailed, model.StepWorkspaceCreation, err, "failed to create workspace on node %s", node.ID)
	}
	log.Info("Workspace created on node")

	ev, err := e.applyTransition(ctx, task, transition{
		to:     model.TaskStatusDelegated,
		run:    true,
		actor:  SystemActor,
		reason: fmt.Sprintf("Delegated to workspace %s on node %s", ws.ID, node.ID),
		metadata: map[string]interface{}{
			"workspaceId": ws.ID,
			"nodeId":      node.ID,
		},
	})
	if err != nil {
		return err
	}
	e.publish(ev)
	return nil
}

func (e *Engine) insertWorkspace(ctx context.Context, task *model.Task, node *model.Node) (*model.Workspace, error) {
	if e.cfg.MaxWorkspacesPerNode > 0 {
		count, err := e.countActiveWorkspaces(ctx, node.ID, "")
		if err != nil {
			return nil, fmt.Errorf("failed to count workspaces: %w", err)
		}
		if count >= int64(e.cfg.MaxWorkspacesPerNode) {
			return nil, runError(CodeLimitExceeded, model.StepWorkspaceCreation, nil,
				"node %s already runs %d of %d workspaces", node.ID, count, e.cfg.MaxWorkspacesPerNode)
		}
	}

	ws := &model.Workspace{
		BaseModel:    model.BaseModel{ID: uuid.NewString()},
		NodeID:       node.ID,
		TaskID:       task.ID,
		UserID:       task.UserID,
		Status:       model.WorkspaceStatusCreating,
		Repository:   task.Repository,
		Branch:       task.Branch,
		OutputBranch: task.OutputBranch,
	}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(ws).Error; err != nil {
			return fmt.Errorf("failed to create workspace record: %w", err)
		}
		return e.updateTask(ctx, tx, task, map[string]interface{}{"workspace_id": ws.ID})
	})
	if err != nil {
		return nil, err
	}
	task.WorkspaceID = model.StrPtr(ws.ID)
	return ws, nil
}

func (e *Engine) awaitWorkspace(ctx context.Context, task *model.Task) error {
	if err := e.checkpoint(ctx, task, model.StepWorkspaceReady); err != nil {
		return err
	}
	node, ws, err := e.loadPlacement(ctx, task, model.StepWorkspaceReady)
	if err != nil {
		return err
	}

	wctx, cancel := withTimeout(ctx, e.cfg.WorkspaceReadyTimeout)
	err = e.agent.WaitForWorkspaceReady(wctx, node, ws.ID)
	cancel()
	if err != nil {
		e.setWorkspaceStatus(ctx, ws.ID, model.WorkspaceStatusError, err)
		if errors.Is(err, nodeagent.ErrWorkspaceNotFound) {
			return runError(CodeWorkspaceLost, model.StepWorkspaceReady, err, "workspace %s no longer exists on node %s", ws.ID, node.ID)
		}
		return runError(CodeWorkspaceTimeout, model.StepWorkspaceReady, err, "workspace %s did not become ready", ws.ID)
	}
	e.setWorkspaceStatus(ctx, ws.ID, model.WorkspaceStatusRunning, nil)

	ev, err := e.applyTransition(ctx, task, transition{
		to:     model.TaskStatusInProgress,
		run:    true,
		actor:  SystemActor,
		reason: "Workspace ready",
		updates: map[string]interface{}{
			"started_at":     e.now(),
			"execution_step": model.StepAgentSession,
		},
		metadata: map[string]interface{}{"workspaceId": ws.ID},
	})
	if err != nil {
		return err
	}
	e.publish(ev)
	return nil
}

func (e *Engine) startAgent(ctx context.Context, task *model.Task) error {
	if currentStep(task) == model.StepRunning {
		return nil
	}
	if err := e.checkpoint(ctx, task, model.StepAgentSession); err != nil {
		return err
	}
	node, ws, err := e.loadPlacement(ctx, task, model.StepAgentSession)
	if err != nil {
		return err
	}

	if e.chat != nil && ws.ChatSessionID == nil {
		sessionID, err := e.chat.CreateSession(ctx, task)
		if err != nil {
			e.logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to create chat session")
		} else if sessionID != "" {
			err := e.db.WithContext(ctx).Model(&model.Workspace{}).
				Where("id = ?", ws.ID).
				Updates(map[string]interface{}{"chat_session_id": sessionID, "updated_at": e.now()}).Error
			if err != nil {
				e.logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to record chat session")
			}
		}
	}

	actx, cancel := withTimeout(ctx, e.cfg.AgentSessionTimeout)
	err = e.agent.StartAgentSession(actx, node, ws.ID, task.AgentType, task.InitialPrompt)
	cancel()
	if err != nil {
		return runError(CodeAgentSessionFailed, model.StepAgentSession, err, "failed to start %s agent in workspace %s", task.AgentType, ws.ID)
	}

	if err := e.checkpoint(ctx, task, model.StepRunning); err != nil {
		return err
	}
	e.logger.WithFields(logrus.Fields{"task_id": task.ID, "workspace_id": ws.ID}).Info("Agent session running")
	return nil
}

func (e *Engine) loadPlacement(ctx context.Context, task *model.Task, step model.ExecutionStep) (*model.Node, *model.Workspace, error) {
	if task.NodeID == nil || task.WorkspaceID == nil {
		return nil, nil, runError(CodeWorkspaceLost, step, nil, "task has no workspace recorded")
	}
	ws, err := e.loadWorkspace(ctx, *task.WorkspaceID)
	if err != nil {
		return nil, nil, err
	}
	if ws == nil {
		return nil, nil, runError(CodeWorkspaceLost, step, nil, "workspace %s record is missing", *task.WorkspaceID)
	}
	node, err := e.loadNode(ctx, ws.NodeID)
	if err != nil {
		return nil, nil, err
	}
	if node == nil || node.Status == model.NodeStatusStopped {
		return nil, nil, runError(CodeNodeUnavailable, step, nil, "node %s is no longer available", ws.NodeID)
	}
	return node, ws, nil
}

func (e *Engine) setWorkspaceStatus(ctx context.Context, workspaceID string, status model.WorkspaceStatus, cause error) {
	updates := map[string]interface{}{"status": status, "updated_at": e.now()}
	if cause != nil {
		updates["error_message"] = truncate(cause.Error(), 2048)
	}
	err := e.db.WithContext(ctx).Model(&model.Workspace{}).Where("id = ?", workspaceID).Updates(updates).Error
	if err != nil {
		e.logger.WithError(err).WithField("workspace_id", workspaceID).Warn("Failed to update workspace status")
	}
}

// SetPublisher installs the live event publisher. Call it before any run starts.
func (e *Engine) SetPublisher(p EventPublisher) {
	e.publisher = p
}

func (e *Engine) publish(ev *model.TaskStatusEvent) {
	if e.publisher != nil && ev != nil {
		e.publisher.PublishTaskEvent(ev)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// truncate caps s at n bytes without splitting a UTF-8 sequence
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
