package nodelifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go_orchestrator/internal/model"
)

const (
	mailboxSize = 16
	// staleRetries bounds how often a write that lost to another replica is
	// re-evaluated against the fresh snapshot
	staleRetries = 3
)

// actor serializes the mutations of a single node within this process. Other
// replicas may run an actor for the same node, so every job re-reads the
// stored snapshot and writes it back conditionally. state and deleting are
// only touched from the run goroutine.
type actor struct {
	m       *Manager
	nodeID  string
	mailbox chan func()
	quit    chan struct{}

	state    *model.NodeLifecycleState
	deleting bool

	alarmMu sync.Mutex
	alarm   *time.Timer
}

func newActor(m *Manager, nodeID string) *actor {
	return &actor{
		m:       m,
		nodeID:  nodeID,
		mailbox: make(chan func(), mailboxSize),
		quit:    make(chan struct{}),
	}
}

func (a *actor) run() {
	for {
		// a retired actor must not run anything still sitting in its mailbox
		select {
		case <-a.quit:
			return
		case <-a.m.ctx.Done():
			return
		default:
		}

		select {
		case job := <-a.mailbox:
			job()
		case <-a.quit:
			return
		case <-a.m.ctx.Done():
			return
		}
	}
}

// load refreshes state from the store
func (a *actor) load(ctx context.Context) error {
	state, err := a.m.store.Load(ctx, a.nodeID)
	if err != nil {
		return err
	}
	a.state = state
	return nil
}

// update builds the next snapshot from the freshly loaded one and saves it
// conditionally. change returns nil to leave the node as it is. A save that
// lost the race reloads and asks change again.
func (a *actor) update(ctx context.Context, change func(cur *model.NodeLifecycleState) (*model.NodeLifecycleState, error)) (*model.NodeLifecycleState, error) {
	for attempt := 0; ; attempt++ {
		if err := a.load(ctx); err != nil {
			return nil, err
		}
		next, err := change(a.snapshot())
		if err != nil || next == nil {
			return nil, err
		}
		err = a.m.store.Save(ctx, next)
		if errors.Is(err, ErrStaleState) && attempt < staleRetries {
			continue
		}
		if err != nil {
			return nil, err
		}
		a.state = next
		return a.snapshot(), nil
	}
}

func (a *actor) snapshot() *model.NodeLifecycleState {
	if a.state == nil {
		return nil
	}
	cp := *a.state
	return &cp
}

// schedule replaces any pending alarm with one that fires at wakeAt
func (a *actor) schedule(wakeAt time.Time) {
	d := wakeAt.Sub(a.m.now())
	if d < 0 {
		d = 0
	}
	a.alarmMu.Lock()
	defer a.alarmMu.Unlock()
	if a.alarm != nil {
		a.alarm.Stop()
	}
	a.alarm = time.AfterFunc(d, func() {
		a.m.post(a, func(ctx context.Context, a *actor) error {
			return a.onWake(ctx)
		})
	})
}

func (a *actor) stopAlarm() {
	a.alarmMu.Lock()
	defer a.alarmMu.Unlock()
	if a.alarm != nil {
		a.alarm.Stop()
		a.alarm = nil
	}
}

// onWake handles the warm timeout. A stale alarm is a no-op: the state is
// re-checked here because a claim, here or on another replica, may have won
// the race with the timer.
func (a *actor) onWake(ctx context.Context) error {
	if err := a.load(ctx); err != nil {
		return err
	}
	if a.state == nil || a.state.Status != model.LifecycleWarm {
		return nil
	}
	if a.state.WakeAt != nil && a.m.now().Before(*a.state.WakeAt) {
		a.schedule(*a.state.WakeAt)
		return nil
	}
	destroying, err := a.beginDestroy(ctx, func(cur *model.NodeLifecycleState) bool {
		return cur != nil && cur.Status == model.LifecycleWarm &&
			(cur.WakeAt == nil || !a.m.now().Before(*cur.WakeAt))
	})
	if destroying {
		a.m.logger.WithField("node_id", a.nodeID).Info("Warm timeout reached, destroying node")
	}
	return err
}

// beginDestroy moves the node to destroying if allow accepts the current
// snapshot, and starts deletion. It reports whether the transition happened.
func (a *actor) beginDestroy(ctx context.Context, allow func(cur *model.NodeLifecycleState) bool) (bool, error) {
	next, err := a.update(ctx, func(cur *model.NodeLifecycleState) (*model.NodeLifecycleState, error) {
		if !allow(cur) {
			return nil, nil
		}
		next := &model.NodeLifecycleState{NodeID: a.nodeID}
		if cur != nil {
			next = cur
		}
		next.Status = model.LifecycleDestroying
		next.WarmSince = nil
		next.WakeAt = nil
		next.UpdatedAt = a.m.now()
		return next, nil
	})
	if err != nil || next == nil {
		return false, err
	}
	a.stopAlarm()

	if err := a.m.mirror.MarkStopped(ctx, a.nodeID); err != nil {
		a.m.logger.WithError(err).WithField("node_id", a.nodeID).Warn("Failed to mirror destroying state to node record")
	}
	a.startDeletion()
	return true, nil
}

// startDeletion runs the deleter off the actor goroutine. The result comes
// back through the mailbox.
func (a *actor) startDeletion() {
	if a.deleting || a.m.deleter == nil {
		return
	}
	a.deleting = true
	m := a.m
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.deleteTimeout)
		err := m.deleter.DeleteNodeResources(ctx, a.nodeID)
		cancel()

		m.post(a, func(ctx context.Context, a *actor) error {
			a.deleting = false
			if err != nil {
				m.logger.WithError(err).WithField("node_id", a.nodeID).Error("Node deletion failed, will retry on next sweep")
				return nil
			}
			if err := a.load(ctx); err != nil {
				return err
			}
			if a.state == nil || a.state.Status != model.LifecycleDestroying {
				return nil
			}
			if err := m.store.Delete(ctx, a.nodeID); err != nil {
				return err
			}
			a.state = nil
			m.logger.WithField("node_id", a.nodeID).Info("Node deleted")
			m.retire(a)
			return nil
		})
	}()
}
