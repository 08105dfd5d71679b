// Package nodelifecycle keeps the authoritative warm/active/destroying state of
// every node. Each node gets its own actor goroutine and all mutations for that
// node run one at a time on it. Snapshots carry a version and every write is
// conditional on it, so TryClaim stays race free across replicas too.
package nodelifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"go_orchestrator/internal/model"
)

var (
	// ErrNodeDestroying is returned when an operation needs a node that is being torn down
	ErrNodeDestroying = errors.New("node is being destroyed")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("node lifecycle manager closed")
)

// NodeDeleter removes a node's compute resources. It must be idempotent.
type NodeDeleter interface {
	DeleteNodeResources(ctx context.Context, nodeID string) error
}

// ClaimResult is the outcome of TryClaim
type ClaimResult struct {
	Claimed bool
	State   *model.NodeLifecycleState
}

// Config holds the configuration for the manager
type Config struct {
	Store         Store
	Mirror        Mirror
	Deleter       NodeDeleter
	Logger        *logrus.Entry
	WarmTimeout   time.Duration
	DeleteTimeout time.Duration
	Now           func() time.Time
}

// Manager routes requests to per-node actors
type Manager struct {
	store         Store
	mirror        Mirror
	deleter       NodeDeleter
	logger        *logrus.Entry
	warmTimeout   time.Duration
	deleteTimeout time.Duration
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	actors map[string]*actor
}

// NewManager creates a manager. Actors are started lazily.
func NewManager(cfg *Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	deleteTimeout := cfg.DeleteTimeout
	if deleteTimeout <= 0 {
		deleteTimeout = 5 * time.Minute
	}
	return &Manager{
		store:         cfg.Store,
		mirror:        cfg.Mirror,
		deleter:       cfg.Deleter,
		logger:        cfg.Logger.WithField("component", "node-lifecycle"),
		warmTimeout:   cfg.WarmTimeout,
		deleteTimeout: deleteTimeout,
		now:           now,
		ctx:           ctx,
		cancel:        cancel,
		actors:        make(map[string]*actor),
	}
}

// Close stops every actor and waits for in-flight deletions
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	for _, a := range m.actors {
		a.stopAlarm()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// MarkIdle returns a node to the warm pool and arms its warm timeout.
func (m *Manager) MarkIdle(ctx context.Context, nodeID, userID string) error {
	return m.do(ctx, nodeID, func(ctx context.Context, a *actor) error {
		now := m.now()
		wakeAt := now.Add(m.warmTimeout)
		_, err := a.update(ctx, func(cur *model.NodeLifecycleState) (*model.NodeLifecycleState, error) {
			if cur != nil && cur.Status == model.LifecycleDestroying {
				return nil, ErrNodeDestroying
			}
			next := &model.NodeLifecycleState{
				NodeID:    nodeID,
				UserID:    userID,
				Status:    model.LifecycleWarm,
				WarmSince: &now,
				WakeAt:    &wakeAt,
				UpdatedAt: now,
			}
			if cur != nil {
				next.Version = cur.Version
				if userID == "" {
					next.UserID = cur.UserID
				}
			}
			return next, nil
		})
		if errors.Is(err, ErrNodeDestroying) {
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to persist warm state: %w", err)
		}
		a.schedule(wakeAt)

		if err := m.mirror.SetWarmSince(ctx, nodeID, &now); err != nil {
			m.logger.WithError(err).WithField("node_id", nodeID).Warn("Failed to mirror warm state to node record")
		}
		m.logger.WithFields(logrus.Fields{"node_id": nodeID, "wake_at": wakeAt}).Info("Node returned to warm pool")
		return nil
	})
}

// TryClaim claims a warm node for taskID. Only a node that is exactly warm can
// be claimed; every other state, including no stored state, yields
// Claimed=false without mutation. The claim is a conditional write, so of
// several replicas claiming the same node at most one succeeds.
func (m *Manager) TryClaim(ctx context.Context, nodeID, taskID string) (*ClaimResult, error) {
	var result *ClaimResult
	err := m.do(ctx, nodeID, func(ctx context.Context, a *actor) error {
		claimed, err := a.update(ctx, func(cur *model.NodeLifecycleState) (*model.NodeLifecycleState, error) {
			if cur == nil || cur.Status != model.LifecycleWarm {
				return nil, nil
			}
			cur.Status = model.LifecycleActive
			cur.ClaimedByTask = &taskID
			cur.WarmSince = nil
			cur.WakeAt = nil
			cur.UpdatedAt = m.now()
			return cur, nil
		})
		if err != nil {
			return fmt.Errorf("failed to persist claim: %w", err)
		}
		if claimed == nil {
			result = &ClaimResult{Claimed: false, State: a.snapshot()}
			return nil
		}
		a.stopAlarm()

		if err := m.mirror.SetWarmSince(ctx, nodeID, nil); err != nil {
			m.logger.WithError(err).WithField("node_id", nodeID).Warn("Failed to mirror claim to node record")
		}
		m.logger.WithFields(logrus.Fields{"node_id": nodeID, "task_id": taskID}).Info("Warm node claimed")
		result = &ClaimResult{Claimed: true, State: claimed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetStatus returns a copy of the node's state, or nil when none is stored
func (m *Manager) GetStatus(ctx context.Context, nodeID string) (*model.NodeLifecycleState, error) {
	var state *model.NodeLifecycleState
	err := m.do(ctx, nodeID, func(ctx context.Context, a *actor) error {
		if err := a.load(ctx); err != nil {
			return err
		}
		state = a.snapshot()
		return nil
	})
	return state, err
}

// ForceDestroy moves a node to destroying and hands it to the deleter. An
// active node is left alone unless force is set. It reports whether the node
// is now being destroyed.
func (m *Manager) ForceDestroy(ctx context.Context, nodeID string, force bool) (bool, error) {
	var destroying bool
	err := m.do(ctx, nodeID, func(ctx context.Context, a *actor) error {
		var already bool
		moved, err := a.beginDestroy(ctx, func(cur *model.NodeLifecycleState) bool {
			already = cur != nil && cur.Status == model.LifecycleDestroying
			if already {
				return false
			}
			return force || cur == nil || cur.Status != model.LifecycleActive
		})
		if err != nil {
			return err
		}
		if already {
			a.startDeletion()
		}
		destroying = moved || already
		return nil
	})
	return destroying, err
}

// Restore re-arms warm alarms and resumes interrupted deletions after a restart
func (m *Manager) Restore(ctx context.Context) error {
	states, err := m.store.ListByStatus(ctx, model.LifecycleWarm, model.LifecycleDestroying)
	if err != nil {
		return fmt.Errorf("failed to list lifecycle states: %w", err)
	}
	for _, st := range states {
		nodeID := st.NodeID
		err := m.do(ctx, nodeID, func(ctx context.Context, a *actor) error {
			if err := a.load(ctx); err != nil {
				return err
			}
			if a.state == nil {
				return nil
			}
			switch a.state.Status {
			case model.LifecycleWarm:
				wakeAt := m.now()
				if a.state.WakeAt != nil {
					wakeAt = *a.state.WakeAt
				}
				a.schedule(wakeAt)
			case model.LifecycleDestroying:
				a.startDeletion()
			}
			return nil
		})
		if err != nil {
			m.logger.WithError(err).WithField("node_id", nodeID).Error("Failed to restore node lifecycle")
		}
	}
	m.logger.Infof("Restored %d node lifecycle states", len(states))
	return nil
}

// RetryDestroying re-issues deletion for nodes stuck in destroying
func (m *Manager) RetryDestroying(ctx context.Context) (int, error) {
	states, err := m.store.ListByStatus(ctx, model.LifecycleDestroying)
	if err != nil {
		return 0, err
	}
	for _, st := range states {
		_, err := m.ForceDestroy(ctx, st.NodeID, false)
		if err != nil {
			m.logger.WithError(err).WithField("node_id", st.NodeID).Warn("Failed to retry node deletion")
		}
	}
	return len(states), nil
}

// fire runs the warm-timeout handler for nodeID now
func (m *Manager) fire(ctx context.Context, nodeID string) error {
	return m.do(ctx, nodeID, func(ctx context.Context, a *actor) error {
		return a.onWake(ctx)
	})
}

func (m *Manager) actorFor(nodeID string) (*actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return nil, ErrClosed
	}
	a, ok := m.actors[nodeID]
	if !ok {
		a = newActor(m, nodeID)
		m.actors[nodeID] = a
		go a.run()
	}
	return a, nil
}

func (m *Manager) retire(a *actor) {
	m.mu.Lock()
	if m.actors[a.nodeID] == a {
		delete(m.actors, a.nodeID)
	}
	m.mu.Unlock()
	a.stopAlarm()
	close(a.quit)
}

// do runs fn on the node's actor and waits for it. Once fn is accepted by the
// mailbox the caller waits for completion even if ctx ends, so a caller never
// misses the outcome of a mutation that did happen.
func (m *Manager) do(ctx context.Context, nodeID string, fn func(ctx context.Context, a *actor) error) error {
	for {
		a, err := m.actorFor(nodeID)
		if err != nil {
			return err
		}
		done := make(chan error, 1)
		job := func() { done <- fn(ctx, a) }

		select {
		case a.mailbox <- job:
		case <-a.quit:
			continue
		case <-ctx.Done():
			return ctx.Err()
		case <-m.ctx.Done():
			return ErrClosed
		}

		select {
		case err := <-done:
			return err
		case <-a.quit:
			select {
			case err := <-done:
				return err
			default:
				// retired before our job ran; the next actor reloads from the store
				continue
			}
		case <-m.ctx.Done():
			return ErrClosed
		}
	}
}

// post enqueues fn without waiting; used by timers and deletion goroutines
func (m *Manager) post(a *actor, fn func(ctx context.Context, a *actor) error) {
	go func() {
		job := func() {
			if err := fn(m.ctx, a); err != nil {
				m.logger.WithError(err).WithField("node_id", a.nodeID).Error("Node lifecycle callback failed")
			}
		}
		select {
		case a.mailbox <- job:
		case <-a.quit:
		case <-m.ctx.Done():
		}
	}()
}
