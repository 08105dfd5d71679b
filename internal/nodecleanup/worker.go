// Package nodecleanup is the periodic backstop against orphaned nodes. It
// catches warm nodes whose alarm never fired, caps the lifetime of
// auto-provisioned nodes and retries interrupted deletions.
package nodecleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"go_orchestrator/internal/cache"
	"go_orchestrator/internal/model"
)

const lockKey = "sweep:node-cleanup"

// Destroyer is the node lifecycle API the sweep drives
type Destroyer interface {
	ForceDestroy(ctx context.Context, nodeID string, force bool) (bool, error)
	RetryDestroying(ctx context.Context) (int, error)
}

// Config holds the configuration for the cleanup worker. A zero
// MaxAutoNodeLifetime disables the lifetime cap.
type Config struct {
	DB                  *gorm.DB
	Lifecycle           Destroyer
	Locker              cache.Locker
	Logger              *logrus.Entry
	Interval            time.Duration
	WarmTimeout         time.Duration
	GracePeriod         time.Duration
	MaxAutoNodeLifetime time.Duration
	Now                 func() time.Time
}

// SweepReport summarises one sweep
type SweepReport struct {
	Skipped          bool `json:"skipped"`
	WarmExpired      int  `json:"warmExpired"`
	LifetimeExceeded int  `json:"lifetimeExceeded"`
	Retried          int  `json:"retried"`
	Errors           int  `json:"errors"`
}

// Worker runs the cleanup sweep
type Worker struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	logger *logrus.Entry
}

// NewWorker creates a cleanup worker
func NewWorker(cfg *Config) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	c := *cfg
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	return &Worker{
		ctx:    ctx,
		cancel: cancel,
		cfg:    c,
		logger: c.Logger.WithField("component", "node-cleanup"),
	}
}

// Start begins the periodic sweep
func (w *Worker) Start() {
	w.logger.Info("Starting node cleanup worker...")
	ticker := time.NewTicker(w.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := w.RunOnce(w.ctx); err != nil {
					w.logger.WithError(err).Error("Node cleanup sweep failed")
				}
			case <-w.ctx.Done():
				w.logger.Info("Stopping node cleanup worker...")
				return
			}
		}
	}()
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.cancel()
}

// RunOnce performs a single sweep
func (w *Worker) RunOnce(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}
	if w.cfg.Locker != nil {
		ok, err := w.cfg.Locker.TryLock(ctx, lockKey, w.cfg.Interval)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire sweep lock: %w", err)
		}
		if !ok {
			report.Skipped = true
			return report, nil
		}
	}
	now := w.cfg.Now()

	expired, err := w.expiredWarmNodes(ctx, now.Add(-(w.cfg.WarmTimeout + w.cfg.GracePeriod)))
	if err != nil {
		return nil, err
	}
	for _, id := range expired {
		destroying, err := w.cfg.Lifecycle.ForceDestroy(ctx, id, false)
		if err != nil {
			w.logger.WithError(err).WithField("node_id", id).Error("Failed to destroy expired warm node")
			report.Errors++
			continue
		}
		if destroying {
			report.WarmExpired++
			w.logger.WithField("node_id", id).Warn("Destroying warm node past its timeout")
		}
	}

	if w.cfg.MaxAutoNodeLifetime > 0 {
		var ids []string
		err := w.cfg.DB.WithContext(ctx).Model(&model.Node{}).
			Where("auto_provisioned = ? AND status <> ? AND created_at < ?",
				true, model.NodeStatusStopped, now.Add(-w.cfg.MaxAutoNodeLifetime)).
			Pluck("id", &ids).Error
		if err != nil {
			return nil, fmt.Errorf("failed to list aged nodes: %w", err)
		}
		for _, id := range ids {
			if _, err := w.cfg.Lifecycle.ForceDestroy(ctx, id, true); err != nil {
				w.logger.WithError(err).WithField("node_id", id).Error("Failed to destroy node past max lifetime")
				report.Errors++
				continue
			}
			report.LifetimeExceeded++
			w.logger.WithField("node_id", id).Warn("Destroying auto-provisioned node past its max lifetime")
		}
	}

	retried, err := w.cfg.Lifecycle.RetryDestroying(ctx)
	if err != nil {
		w.logger.WithError(err).Error("Failed to retry pending node deletions")
		report.Errors++
	}
	report.Retried = retried

	if report.WarmExpired+report.LifetimeExceeded+report.Errors > 0 {
		w.logger.WithFields(logrus.Fields{
			"warm_expired":      report.WarmExpired,
			"lifetime_exceeded": report.LifetimeExceeded,
			"retried":           report.Retried,
			"errors":            report.Errors,
		}).Info("Node cleanup sweep finished")
	}
	return report, nil
}

// expiredWarmNodes merges the node mirror with the authoritative lifecycle
// rows, since either may hold a warm timestamp the other lost.
func (w *Worker) expiredWarmNodes(ctx context.Context, cutoff time.Time) ([]string, error) {
	var fromNodes []string
	err := w.cfg.DB.WithContext(ctx).Model(&model.Node{}).
		Where("status = ? AND warm_since IS NOT NULL AND warm_since < ?", model.NodeStatusRunning, cutoff).
		Pluck("id", &fromNodes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list warm nodes: %w", err)
	}

	var fromStates []string
	err = w.cfg.DB.WithContext(ctx).Model(&model.NodeLifecycleState{}).
		Where("status = ? AND warm_since IS NOT NULL AND warm_since < ?", model.LifecycleWarm, cutoff).
		Pluck("node_id", &fromStates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list warm lifecycle states: %w", err)
	}

	seen := make(map[string]bool, len(fromNodes)+len(fromStates))
	ids := make([]string, 0, len(fromNodes)+len(fromStates))
	for _, id := range append(fromNodes, fromStates...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}
