package model

import "time"

// NodeStatus represents the control-plane view of a node
type NodeStatus string

const (
	NodeStatusProvisioning NodeStatus = "provisioning"
	NodeStatusRunning      NodeStatus = "running"
	NodeStatusStopped      NodeStatus = "stopped"
)

// HealthStatus represents the last observed agent health
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// VMSize is the node size class
type VMSize string

const (
	VMSizeSmall  VMSize = "small"
	VMSizeMedium VMSize = "medium"
	VMSizeLarge  VMSize = "large"
)

// Rank orders sizes, larger is bigger. Unknown sizes rank lowest.
func (s VMSize) Rank() int {
	switch s {
	case VMSizeSmall:
		return 1
	case VMSizeMedium:
		return 2
	case VMSizeLarge:
		return 3
	}
	return 0
}

// Node is the queryable mirror of a compute node. It may lag the
// authoritative NodeLifecycleState by one write.
type Node struct {
	BaseModel
	UserID             string       `gorm:"type:varchar(64);not null;index" json:"userId"`
	Name               string       `gorm:"type:varchar(128);not null" json:"name"`
	Status             NodeStatus   `gorm:"type:varchar(32);not null;default:'provisioning';index" json:"status"`
	HealthStatus       HealthStatus `gorm:"type:varchar(32);not null;default:'healthy'" json:"healthStatus"`
	VMSize             VMSize       `gorm:"type:varchar(16);not null" json:"vmSize"`
	Location           string       `gorm:"type:varchar(64)" json:"location"`
	CPUCores           int          `json:"cpuCores"`
	MemoryMB           int          `json:"memoryMb"`
	CPUUsagePercent    *float64     `json:"cpuUsagePercent"`
	MemoryUsagePercent *float64     `json:"memoryUsagePercent"`
	WarmSince          *time.Time   `gorm:"index" json:"warmSince"`
	AutoProvisioned    bool         `gorm:"not null;default:false" json:"autoProvisioned"`
	ProviderID         string       `gorm:"type:varchar(128)" json:"providerId"`
	IPAddress          string       `gorm:"type:varchar(64)" json:"ipAddress"`
	AgentPort          int          `gorm:"default:8443" json:"agentPort"`
	LastHeartbeatAt    *time.Time   `json:"lastHeartbeatAt"`
	HealthFailCount    int          `gorm:"not null;default:0" json:"healthFailCount"`
	LastHealthError    *string      `gorm:"type:varchar(255)" json:"lastHealthError"`
	ErrorMessage       *string      `gorm:"type:varchar(2048)" json:"errorMessage"`
}

// TableName specifies the table name for Node model
func (Node) TableName() string {
	return "nodes"
}
