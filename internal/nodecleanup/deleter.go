package nodecleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"go_orchestrator/internal/model"
)

// ProviderClient deletes the compute behind a node. A server that is already
// gone must be reported as success.
type ProviderClient interface {
	DeleteNode(ctx context.Context, node *model.Node) error
}

// ResourceDeleter tears a node down: provider server first, then the node
// record and its workspaces. Every step tolerates having run before.
type ResourceDeleter struct {
	db       *gorm.DB
	provider ProviderClient
	logger   *logrus.Entry
	now      func() time.Time
}

// NewResourceDeleter creates a ResourceDeleter
func NewResourceDeleter(db *gorm.DB, provider ProviderClient, logger *logrus.Entry) *ResourceDeleter {
	return &ResourceDeleter{
		db:       db,
		provider: provider,
		logger:   logger.WithField("component", "node-deleter"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// DeleteNodeResources removes nodeID's server and marks its records stopped
func (d *ResourceDeleter) DeleteNodeResources(ctx context.Context, nodeID string) error {
	var node model.Node
	err := d.db.WithContext(ctx).Where("id = ?", nodeID).First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		d.logger.WithField("node_id", nodeID).Info("Node record already gone")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load node: %w", err)
	}

	if node.ProviderID != "" && d.provider != nil {
		if err := d.provider.DeleteNode(ctx, &node); err != nil {
			return fmt.Errorf("failed to delete server %s: %w", node.ProviderID, err)
		}
	}

	now := d.now()
	var stoppedWorkspaces int64
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&model.Node{}).
			Where("id = ?", nodeID).
			Updates(map[string]interface{}{
				"status":     model.NodeStatusStopped,
				"warm_since": nil,
				"updated_at": now,
			}).Error
		if err != nil {
			return err
		}
		res := tx.Model(&model.Workspace{}).
			Where("node_id = ? AND status IN ?", nodeID, model.ActiveWorkspaceStatuses).
			Updates(map[string]interface{}{
				"status":     model.WorkspaceStatusStopped,
				"updated_at": now,
			})
		stoppedWorkspaces = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return fmt.Errorf("failed to mark node %s stopped: %w", nodeID, err)
	}

	d.logger.WithFields(logrus.Fields{
		"node_id":            nodeID,
		"provider_id":        node.ProviderID,
		"stopped_workspaces": stoppedWorkspaces,
	}).Info("Node resources deleted")
	return nil
}
