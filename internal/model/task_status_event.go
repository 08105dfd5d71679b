package model

import (
	"time"

	"gorm.io/datatypes"
)

// ActorType identifies who caused a status transition
type ActorType string

const (
	ActorUser              ActorType = "user"
	ActorSystem            ActorType = "system"
	ActorWorkspaceCallback ActorType = "workspace_callback"
)

// TaskStatusEvent is an append-only record of one task status transition
type TaskStatusEvent struct {
	ID         string            `gorm:"type:varchar(64);primaryKey" json:"id"`
	TaskID     string            `gorm:"type:varchar(64);not null;index:idx_task_status_events_task_created,priority:1" json:"taskId"`
	FromStatus *TaskStatus       `gorm:"type:varchar(32)" json:"fromStatus"`
	ToStatus   TaskStatus        `gorm:"type:varchar(32);not null" json:"toStatus"`
	ActorType  ActorType         `gorm:"type:varchar(32);not null" json:"actorType"`
	ActorID    string            `gorm:"type:varchar(64)" json:"actorId"`
	Reason     *string           `gorm:"type:varchar(2048)" json:"reason"`
	Metadata   datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"index:idx_task_status_events_task_created,priority:2" json:"createdAt"`
}

// TableName specifies the table name for TaskStatusEvent
func (TaskStatusEvent) TableName() string {
	return "task_status_events"
}
