package taskrun

import (
	"context"

	"go_orchestrator/internal/model"
	"go_orchestrator/internal/nodeselect"
)

// NodeSelector finds an existing node for a task
type NodeSelector interface {
	Select(ctx context.Context, task *model.Task) (*nodeselect.Selection, error)
}

// NodeProvisioner creates compute for a node record. ProvisionNode is keyed by
// node.ID and must be idempotent so a resumed run can call it again.
type NodeProvisioner interface {
	ProvisionNode(ctx context.Context, node *model.Node) (providerID, ipAddress string, err error)
	WaitForNodeAgentReady(ctx context.Context, node *model.Node) error
}

// WorkspaceAgent is the workspace API exposed by the agent on each node
type WorkspaceAgent interface {
	CreateWorkspace(ctx context.Context, node *model.Node, ws *model.Workspace, callbackToken string) error
	WaitForWorkspaceReady(ctx context.Context, node *model.Node, workspaceID string) error
	StartAgentSession(ctx context.Context, node *model.Node, workspaceID, agentType, initialPrompt string) error
	StopWorkspace(ctx context.Context, node *model.Node, workspaceID string) error
}

// NodeLifecycle returns nodes to the warm pool or tears them down
type NodeLifecycle interface {
	MarkIdle(ctx context.Context, nodeID, userID string) error
	ForceDestroy(ctx context.Context, nodeID string, force bool) (bool, error)
}

// ChatSessions is the transcript service. Every call is best effort.
type ChatSessions interface {
	CreateSession(ctx context.Context, task *model.Task) (string, error)
	StopSession(ctx context.Context, sessionID string) error
}

// EventPublisher fans status events out to live subscribers
type EventPublisher interface {
	PublishTaskEvent(ev *model.TaskStatusEvent)
}

// TokenIssuer issues the token a workspace presents on its status callback
type TokenIssuer interface {
	IssueCallbackToken(workspaceID, taskID string) (string, error)
}

// Queue hands task IDs to engine workers
type Queue interface {
	Enqueue(ctx context.Context, taskID string) error
}
