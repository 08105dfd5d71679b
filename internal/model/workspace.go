package model

// WorkspaceStatus represents workspace status
type WorkspaceStatus string

const (
	WorkspaceStatusCreating WorkspaceStatus = "creating"
	WorkspaceStatusRunning  WorkspaceStatus = "running"
	WorkspaceStatusStopped  WorkspaceStatus = "stopped"
	WorkspaceStatusError    WorkspaceStatus = "error"
)

// ActiveWorkspaceStatuses are the statuses that occupy a node slot
var ActiveWorkspaceStatuses = []WorkspaceStatus{WorkspaceStatusCreating, WorkspaceStatusRunning}

// Workspace is an isolated working environment on a node, owned by one task
type Workspace struct {
	BaseModel
	NodeID        string          `gorm:"type:varchar(64);not null;index" json:"nodeId"`
	TaskID        string          `gorm:"type:varchar(64);not null;index" json:"taskId"`
	UserID        string          `gorm:"type:varchar(64);not null" json:"userId"`
	Status        WorkspaceStatus `gorm:"type:varchar(32);not null;default:'creating';index" json:"status"`
	Repository    string          `gorm:"type:varchar(512)" json:"repository"`
	Branch        string          `gorm:"type:varchar(255)" json:"branch"`
	OutputBranch  string          `gorm:"type:varchar(255)" json:"outputBranch"`
	ChatSessionID *string         `gorm:"type:varchar(128)" json:"chatSessionId"`
	ErrorMessage  *string         `gorm:"type:varchar(2048)" json:"errorMessage"`
}

// TableName specifies the table name for Workspace
func (Workspace) TableName() string {
	return "workspaces"
}
