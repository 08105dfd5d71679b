package db

import (
	"fmt"

	"go_orchestrator/internal/model"

	"gorm.io/gorm"
)

// Models lists every table owned by the orchestrator
func Models() []interface{} {
	return []interface{}{
		&model.Task{},
		&model.TaskStatusEvent{},
		&model.Node{},
		&model.NodeLifecycleState{},
		&model.Workspace{},
	}
}

// Migrate runs database migrations for all models
func Migrate(db *gorm.DB) error {
	models := Models()
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}
