// Package nodehealth polls node agents and records utilisation and health on
// the node records the selector reads.
package nodehealth

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"go_orchestrator/internal/model"
	"go_orchestrator/internal/nodeagent"
)

// Pinger reports node agent health
type Pinger interface {
	Ping(ctx context.Context, node *model.Node) (*nodeagent.Health, error)
}

// Worker for node health checks
type Worker struct {
	ctx                  context.Context
	cancel               context.CancelFunc
	db                   *gorm.DB
	agent                Pinger
	logger               *logrus.Entry
	interval             time.Duration
	timeout              time.Duration
	offlineFailThreshold int
	concurrency          int
	now                  func() time.Time
}

// Config holds the configuration for the health check worker
type Config struct {
	DB                   *gorm.DB
	Agent                Pinger
	Logger               *logrus.Entry
	IntervalSec          int
	TimeoutSec           int
	OfflineFailThreshold int
	Concurrency          int
}

// CheckResult holds the result of a single manual health check
type CheckResult struct {
	NodeID       string             `json:"nodeId"`
	OK           bool               `json:"ok"`
	HealthStatus model.HealthStatus `json:"healthStatus"`
	LastSeenAt   *time.Time         `json:"lastSeenAt"`
	Error        string             `json:"error"`
}

// NewWorker creates a new health check worker
func NewWorker(cfg *Config) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		ctx:                  ctx,
		cancel:               cancel,
		db:                   cfg.DB,
		agent:                cfg.Agent,
		logger:               cfg.Logger.WithField("component", "node-health-worker"),
		interval:             time.Duration(cfg.IntervalSec) * time.Second,
		timeout:              time.Duration(cfg.TimeoutSec) * time.Second,
		offlineFailThreshold: cfg.OfflineFailThreshold,
		concurrency:          cfg.Concurrency,
		now:                  func() time.Time { return time.Now().UTC() },
	}
	if w.interval <= 0 {
		w.interval = 30 * time.Second
	}
	if w.timeout <= 0 {
		w.timeout = 5 * time.Second
	}
	if w.concurrency < 1 {
		w.concurrency = 1
	}
	if w.offlineFailThreshold < 1 {
		w.offlineFailThreshold = 1
	}
	return w
}

// Start begins the periodic health checks
func (w *Worker) Start() {
	w.logger.Info("Starting node health worker...")
	ticker := time.NewTicker(w.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.RunOnce(w.ctx)
			case <-w.ctx.Done():
				w.logger.Info("Stopping node health worker...")
				return
			}
		}
	}()
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.cancel()
}

// RunOnce checks every running node once
func (w *Worker) RunOnce(ctx context.Context) {
	var nodes []model.Node
	if err := w.db.WithContext(ctx).Where("status = ?", model.NodeStatusRunning).Find(&nodes).Error; err != nil {
		w.logger.Errorf("Failed to fetch nodes for health check: %v", err)
		return
	}

	if len(nodes) == 0 {
		return
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, w.concurrency)

	for _, node := range nodes {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(n model.Node) {
			defer wg.Done()
			defer func() { <-semaphore }()
			w.checkNode(ctx, &n)
		}(node)
	}

	wg.Wait()
}

func (w *Worker) checkNode(ctx context.Context, node *model.Node) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	health, err := w.agent.Ping(ctx, node)
	if err != nil {
		w.handleFailure(node, err)
		return
	}
	if health.Status != nodeagent.HealthStatusOK {
		w.handleFailure(node, &statusError{status: health.Status})
		return
	}
	w.handleSuccess(node, health)
}

type statusError struct{ status string }

func (e *statusError) Error() string { return "agent reported status " + e.status }

func (w *Worker) handleSuccess(node *model.Node, health *nodeagent.Health) {
	now := w.now()
	updates := map[string]interface{}{
		"last_heartbeat_at": now,
		"last_health_error": nil,
		"health_fail_count": 0,
		"health_status":     model.HealthStatusHealthy,
		"updated_at":        now,
	}
	if health.CPUUsagePercent != nil {
		updates["cpu_usage_percent"] = *health.CPUUsagePercent
	}
	if health.MemoryUsagePercent != nil {
		updates["memory_usage_percent"] = *health.MemoryUsagePercent
	}

	if err := w.db.Model(&model.Node{}).Where("id = ?", node.ID).Updates(updates).Error; err != nil {
		w.logger.Errorf("Failed to update node %s on success: %v", node.ID, err)
	}
	if node.HealthStatus == model.HealthStatusUnhealthy {
		w.logger.WithField("node_id", node.ID).Info("Node is healthy again")
	}
}

func (w *Worker) handleFailure(node *model.Node, err error) {
	errorMsg := err.Error()
	if len(errorMsg) > 255 {
		errorMsg = errorMsg[:255]
	}

	newFailCount := node.HealthFailCount + 1
	updates := map[string]interface{}{
		"last_health_error": &errorMsg,
		"health_fail_count": newFailCount,
		"updated_at":        w.now(),
	}

	if newFailCount >= w.offlineFailThreshold {
		updates["health_status"] = model.HealthStatusUnhealthy
		if node.HealthStatus != model.HealthStatusUnhealthy {
			w.logger.WithFields(logrus.Fields{"node_id": node.ID, "fail_count": newFailCount}).
				Warnf("Node marked unhealthy: %s", errorMsg)
		}
	}

	if err := w.db.Model(&model.Node{}).Where("id = ?", node.ID).Updates(updates).Error; err != nil {
		w.logger.Errorf("Failed to update node %s on failure: %v", node.ID, err)
	}
}

// CheckNodes performs an immediate health check on a list of nodes
func (w *Worker) CheckNodes(ctx context.Context, nodeIDs []string) []CheckResult {
	var nodes []model.Node
	if err := w.db.WithContext(ctx).Where("id IN ?", nodeIDs).Find(&nodes).Error; err != nil {
		w.logger.Errorf("Failed to fetch nodes for manual check: %v", err)
		return nil
	}

	var wg sync.WaitGroup
	resultChan := make(chan CheckResult, len(nodes))

	for _, node := range nodes {
		wg.Add(1)
		go func(n model.Node) {
			defer wg.Done()
			w.checkNode(ctx, &n)

			// Re-fetch node to get updated status
			var updated model.Node
			if err := w.db.Where("id = ?", n.ID).First(&updated).Error; err != nil {
				resultChan <- CheckResult{NodeID: n.ID, Error: err.Error()}
				return
			}

			result := CheckResult{
				NodeID:       updated.ID,
				HealthStatus: updated.HealthStatus,
				LastSeenAt:   updated.LastHeartbeatAt,
				Error:        model.StrVal(updated.LastHealthError),
			}
			result.OK = result.Error == ""
			resultChan <- result
		}(node)
	}

	wg.Wait()
	close(resultChan)

	results := make([]CheckResult, 0, len(nodes))
	for res := range resultChan {
		results = append(results, res)
	}
	return results
}
