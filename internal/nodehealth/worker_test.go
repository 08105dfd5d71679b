package nodehealth

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"go_orchestrator/internal/dbtest"
	"go_orchestrator/internal/logging"
	"go_orchestrator/internal/model"
	"go_orchestrator/internal/nodeagent"
)

type fakePinger struct {
	mu      sync.Mutex
	results map[string]*nodeagent.Health
	pinged  []string
}

func (p *fakePinger) Ping(ctx context.Context, node *model.Node) (*nodeagent.Health, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pinged = append(p.pinged, node.ID)
	h, ok := p.results[node.ID]
	if !ok {
		return nil, errors.New("dial tcp: connection refused")
	}
	return h, nil
}

func pct(v float64) *float64 { return &v }

func seed(t *testing.T, gdb *gorm.DB, id string, status model.NodeStatus, fails int) {
	t.Helper()
	require.NoError(t, gdb.Create(&model.Node{
		BaseModel:       model.BaseModel{ID: id},
		UserID:          "user-1",
		Name:            id,
		Status:          status,
		HealthStatus:    model.HealthStatusHealthy,
		VMSize:          model.VMSizeSmall,
		HealthFailCount: fails,
	}).Error)
}

func load(t *testing.T, gdb *gorm.DB, id string) model.Node {
	t.Helper()
	var n model.Node
	require.NoError(t, gdb.Where("id = ?", id).First(&n).Error)
	return n
}

func newTestWorker(gdb *gorm.DB, p Pinger) *Worker {
	return NewWorker(&Config{
		DB:                   gdb,
		Agent:                p,
		Logger:               logging.Discard(),
		IntervalSec:          30,
		TimeoutSec:           1,
		OfflineFailThreshold: 3,
		Concurrency:          2,
	})
}

func TestRunOnce(t *testing.T) {
	gdb := dbtest.Open(t)
	seed(t, gdb, "ok", model.NodeStatusRunning, 2)
	seed(t, gdb, "flaky", model.NodeStatusRunning, 0)
	seed(t, gdb, "down", model.NodeStatusRunning, 2)
	seed(t, gdb, "starting", model.NodeStatusRunning, 2)
	seed(t, gdb, "stopped", model.NodeStatusStopped, 0)

	p := &fakePinger{results: map[string]*nodeagent.Health{
		"ok":       {Status: nodeagent.HealthStatusOK, CPUUsagePercent: pct(20), MemoryUsagePercent: pct(30)},
		"starting": {Status: "starting"},
	}}
	newTestWorker(gdb, p).RunOnce(context.Background())

	assert.NotContains(t, p.pinged, "stopped")

	ok := load(t, gdb, "ok")
	assert.Equal(t, model.HealthStatusHealthy, ok.HealthStatus)
	assert.Equal(t, 0, ok.HealthFailCount)
	assert.NotNil(t, ok.LastHeartbeatAt)
	require.NotNil(t, ok.CPUUsagePercent)
	assert.Equal(t, 20.0, *ok.CPUUsagePercent)
	assert.Equal(t, 30.0, *ok.MemoryUsagePercent)

	flaky := load(t, gdb, "flaky")
	assert.Equal(t, model.HealthStatusHealthy, flaky.HealthStatus, "below threshold stays healthy")
	assert.Equal(t, 1, flaky.HealthFailCount)
	assert.Contains(t, model.StrVal(flaky.LastHealthError), "connection refused")

	down := load(t, gdb, "down")
	assert.Equal(t, model.HealthStatusUnhealthy, down.HealthStatus)
	assert.Equal(t, 3, down.HealthFailCount)

	starting := load(t, gdb, "starting")
	assert.Equal(t, model.HealthStatusUnhealthy, starting.HealthStatus)
	assert.Contains(t, model.StrVal(starting.LastHealthError), "starting")
}

func TestRecovery(t *testing.T) {
	gdb := dbtest.Open(t)
	seed(t, gdb, "node-1", model.NodeStatusRunning, 5)
	require.NoError(t, gdb.Model(&model.Node{}).Where("id = ?", "node-1").
		Update("health_status", model.HealthStatusUnhealthy).Error)

	p := &fakePinger{results: map[string]*nodeagent.Health{"node-1": {Status: nodeagent.HealthStatusOK}}}
	results := newTestWorker(gdb, p).CheckNodes(context.Background(), []string{"node-1", "missing"})

	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.Equal(t, model.HealthStatusHealthy, results[0].HealthStatus)

	n := load(t, gdb, "node-1")
	assert.Equal(t, 0, n.HealthFailCount)
	assert.Nil(t, n.LastHealthError)
}
