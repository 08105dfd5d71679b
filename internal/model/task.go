package model

import "time"

// TaskStatus represents the externally visible status of a task run
type TaskStatus string

const (
	TaskStatusReady      TaskStatus = "ready"
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusDelegated  TaskStatus = "delegated"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// ExecutionStep is the checkpoint persisted before each long-running phase of a run
type ExecutionStep string

const (
	StepNodeSelection     ExecutionStep = "node_selection"
	StepNodeProvisioning  ExecutionStep = "node_provisioning"
	StepNodeAgentReady    ExecutionStep = "node_agent_ready"
	StepWorkspaceCreation ExecutionStep = "workspace_creation"
	StepWorkspaceReady    ExecutionStep = "workspace_ready"
	StepAgentSession      ExecutionStep = "agent_session"
	StepRunning           ExecutionStep = "running"
)

// Task represents one task run
type Task struct {
	BaseModel
	UserID                string         `gorm:"type:varchar(64);not null;index" json:"userId"`
	Title                 string         `gorm:"type:varchar(255);not null" json:"title"`
	Description           string         `gorm:"type:text" json:"description"`
	InitialPrompt         string         `gorm:"type:longtext" json:"initialPrompt"`
	AgentType             string         `gorm:"type:varchar(64);not null" json:"agentType"`
	Repository            string         `gorm:"type:varchar(512)" json:"repository"`
	Branch                string         `gorm:"type:varchar(255)" json:"branch"`
	OutputBranch          string         `gorm:"type:varchar(255)" json:"outputBranch"`
	PreferredNodeID       *string        `gorm:"type:varchar(64)" json:"preferredNodeId"`
	PreferredLocation     string         `gorm:"type:varchar(64)" json:"preferredLocation"`
	VMSize                VMSize         `gorm:"type:varchar(16)" json:"vmSize"`
	Status                TaskStatus     `gorm:"type:varchar(32);not null;index" json:"status"`
	ExecutionStep         *ExecutionStep `gorm:"type:varchar(32)" json:"executionStep"`
	WorkspaceID           *string        `gorm:"type:varchar(64);index" json:"workspaceId"`
	NodeID                *string        `gorm:"type:varchar(64);index" json:"nodeId"`
	AutoProvisionedNodeID *string        `gorm:"type:varchar(64)" json:"autoProvisionedNodeId"`
	StartedAt             *time.Time     `json:"startedAt"`
	CompletedAt           *time.Time     `json:"completedAt"`
	ErrorMessage          *string        `gorm:"type:varchar(2048)" json:"errorMessage"`
}

// TableName specifies the table name for Task
func (Task) TableName() string {
	return "tasks"
}
