package nodeselect

import (
	"context"
	"errors"

	"go_orchestrator/internal/model"

	"gorm.io/gorm"
)

// NodeReader is the read side of node records used by the selector
type NodeReader interface {
	GetNode(ctx context.Context, nodeID string) (*model.Node, error)
	ListWarmNodes(ctx context.Context, userID string) ([]model.Node, error)
	ListRunningNodes(ctx context.Context, userID string) ([]model.Node, error)
	CountActiveWorkspaces(ctx context.Context, nodeIDs []string) (map[string]int, error)
}

// GormReader reads node records from the orchestrator database
type GormReader struct {
	db *gorm.DB
}

// NewGormReader creates a GormReader
func NewGormReader(db *gorm.DB) *GormReader {
	return &GormReader{db: db}
}

// GetNode returns nil when the node does not exist
func (r *GormReader) GetNode(ctx context.Context, nodeID string) (*model.Node, error) {
	var node model.Node
	err := r.db.WithContext(ctx).Where("id = ?", nodeID).First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// ListWarmNodes lists running nodes of userID that the mirror shows as warm, oldest first
func (r *GormReader) ListWarmNodes(ctx context.Context, userID string) ([]model.Node, error) {
	var nodes []model.Node
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND warm_since IS NOT NULL", userID, model.NodeStatusRunning).
		Order("warm_since ASC").
		Find(&nodes).Error
	return nodes, err
}

// ListRunningNodes lists running nodes of userID
func (r *GormReader) ListRunningNodes(ctx context.Context, userID string) ([]model.Node, error) {
	var nodes []model.Node
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, model.NodeStatusRunning).
		Order("created_at ASC").
		Find(&nodes).Error
	return nodes, err
}

// CountActiveWorkspaces returns the number of creating or running workspaces per node
func (r *GormReader) CountActiveWorkspaces(ctx context.Context, nodeIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(nodeIDs))
	if len(nodeIDs) == 0 {
		return counts, nil
	}

	var rows []struct {
		NodeID string
		Total  int
	}
	err := r.db.WithContext(ctx).Model(&model.Workspace{}).
		Select("node_id, COUNT(*) AS total").
		Where("node_id IN ? AND status IN ?", nodeIDs, model.ActiveWorkspaceStatuses).
		Group("node_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		counts[row.NodeID] = row.Total
	}
	return counts, nil
}
