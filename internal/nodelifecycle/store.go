package nodelifecycle

import (
	"context"
	"errors"
	"time"

	"go_orchestrator/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrStaleState is returned by Save when another writer changed the snapshot
// since it was loaded
var ErrStaleState = errors.New("node lifecycle state changed concurrently")

// Store persists actor snapshots
type Store interface {
	Load(ctx context.Context, nodeID string) (*model.NodeLifecycleState, error)
	Save(ctx context.Context, state *model.NodeLifecycleState) error
	Delete(ctx context.Context, nodeID string) error
	ListByStatus(ctx context.Context, statuses ...model.LifecycleStatus) ([]model.NodeLifecycleState, error)
}

// Mirror writes the best-effort copy of lifecycle state into node records
type Mirror interface {
	SetWarmSince(ctx context.Context, nodeID string, warmSince *time.Time) error
	MarkStopped(ctx context.Context, nodeID string) error
}

// GormStore implements Store and Mirror on the orchestrator database
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore creates a GormStore
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Load returns nil when the node has no stored state
func (s *GormStore) Load(ctx context.Context, nodeID string) (*model.NodeLifecycleState, error) {
	var state model.NodeLifecycleState
	err := s.db.WithContext(ctx).Where("node_id = ?", nodeID).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Save writes the snapshot only if the stored version still equals
// state.Version, then bumps state.Version. Version 0 may also create the row.
// Losing either race yields ErrStaleState.
func (s *GormStore) Save(ctx context.Context, state *model.NodeLifecycleState) error {
	expected := state.Version
	res := s.db.WithContext(ctx).Model(&model.NodeLifecycleState{}).
		Where("node_id = ? AND version = ?", state.NodeID, expected).
		Updates(map[string]interface{}{
			"user_id":         state.UserID,
			"status":          state.Status,
			"claimed_by_task": state.ClaimedByTask,
			"warm_since":      state.WarmSince,
			"wake_at":         state.WakeAt,
			"updated_at":      state.UpdatedAt,
			"version":         expected + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 && expected == 0 {
		row := *state
		row.Version = 1
		res = s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&row)
		if res.Error != nil {
			return res.Error
		}
	}
	if res.RowsAffected == 0 {
		return ErrStaleState
	}
	state.Version = expected + 1
	return nil
}

// Delete removes the snapshot of a deleted node. Only a destroying snapshot
// is removed.
func (s *GormStore) Delete(ctx context.Context, nodeID string) error {
	return s.db.WithContext(ctx).
		Where("node_id = ? AND status = ?", nodeID, model.LifecycleDestroying).
		Delete(&model.NodeLifecycleState{}).Error
}

// ListByStatus lists snapshots in any of statuses
func (s *GormStore) ListByStatus(ctx context.Context, statuses ...model.LifecycleStatus) ([]model.NodeLifecycleState, error) {
	var states []model.NodeLifecycleState
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("node_id ASC").
		Find(&states).Error
	return states, err
}

// SetWarmSince mirrors the warm timestamp; nil takes the node out of the warm pool view
func (s *GormStore) SetWarmSince(ctx context.Context, nodeID string, warmSince *time.Time) error {
	return s.db.WithContext(ctx).Model(&model.Node{}).
		Where("id = ?", nodeID).
		Updates(map[string]interface{}{
			"warm_since": warmSince,
			"updated_at": s.now(),
		}).Error
}

// MarkStopped mirrors a node leaving the pool for deletion
func (s *GormStore) MarkStopped(ctx context.Context, nodeID string) error {
	return s.db.WithContext(ctx).Model(&model.Node{}).
		Where("id = ?", nodeID).
		Updates(map[string]interface{}{
			"status":     model.NodeStatusStopped,
			"warm_since": nil,
			"updated_at": s.now(),
		}).Error
}
