package model

import "time"

// LifecycleStatus is the authoritative per-node pool state
type LifecycleStatus string

const (
	LifecycleWarm       LifecycleStatus = "warm"
	LifecycleActive     LifecycleStatus = "active"
	LifecycleDestroying LifecycleStatus = "destroying"
)

// NodeLifecycleState is the durable snapshot of a node lifecycle actor.
// Writes are conditional on Version, so replicas racing on the same node
// cannot both apply a transition.
type NodeLifecycleState struct {
	NodeID        string          `gorm:"type:varchar(64);primaryKey" json:"nodeId"`
	UserID        string          `gorm:"type:varchar(64)" json:"userId"`
	Status        LifecycleStatus `gorm:"type:varchar(32);not null" json:"status"`
	ClaimedByTask *string         `gorm:"type:varchar(64)" json:"claimedByTask"`
	WarmSince     *time.Time      `json:"warmSince"`
	WakeAt        *time.Time      `json:"wakeAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Version       int64           `gorm:"not null;default:0" json:"version"`
}

// TableName specifies the table name for NodeLifecycleState
func (NodeLifecycleState) TableName() string {
	return "node_lifecycle_states"
}
