// Package admin exposes operator endpoints for the background sweeps.
package admin

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"go_orchestrator/internal/httpx"
	"go_orchestrator/internal/nodecleanup"
	"go_orchestrator/internal/recovery"
)

// StuckTaskSweeper is the stuck task recovery API
type StuckTaskSweeper interface {
	RunOnce(ctx context.Context) (*recovery.SweepReport, error)
	ListStuck(ctx context.Context) ([]recovery.StuckTask, error)
	ListRecentFailures(ctx context.Context, since time.Time, limit int) ([]recovery.FailureSummary, error)
}

// NodeSweeper is the node cleanup API
type NodeSweeper interface {
	RunOnce(ctx context.Context) (*nodecleanup.SweepReport, error)
}

// FailuresRequest represents list recent failures request
type FailuresRequest struct {
	SinceHours int `form:"sinceHours"`
	Limit      int `form:"limit"`
}

// Handler handles admin API
type Handler struct {
	recovery StuckTaskSweeper
	cleanup  NodeSweeper
	now      func() time.Time
}

// NewHandler creates a new admin handler
func NewHandler(recovery StuckTaskSweeper, cleanup NodeSweeper) *Handler {
	return &Handler{
		recovery: recovery,
		cleanup:  cleanup,
		now:      time.Now,
	}
}

// ListStuck handles GET /api/v1/admin/tasks/stuck
func (h *Handler) ListStuck(c *gin.Context) {
	stuck, err := h.recovery.ListStuck(c.Request.Context())
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to list stuck tasks", err))
		return
	}
	httpx.OK(c, gin.H{"items": stuck})
}

// ListFailures handles GET /api/v1/admin/tasks/failures
func (h *Handler) ListFailures(c *gin.Context) {
	var req FailuresRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}
	if req.SinceHours <= 0 {
		req.SinceHours = 24
	}

	since := h.now().Add(-time.Duration(req.SinceHours) * time.Hour)
	failures, err := h.recovery.ListRecentFailures(c.Request.Context(), since, req.Limit)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to list failures", err))
		return
	}
	httpx.OK(c, gin.H{"items": failures})
}

// RunRecovery handles POST /api/v1/admin/sweeps/stuck-tasks
func (h *Handler) RunRecovery(c *gin.Context) {
	report, err := h.recovery.RunOnce(c.Request.Context())
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("stuck task sweep failed", err))
		return
	}
	httpx.OK(c, report)
}

// RunNodeCleanup handles POST /api/v1/admin/sweeps/node-cleanup
func (h *Handler) RunNodeCleanup(c *gin.Context) {
	report, err := h.cleanup.RunOnce(c.Request.Context())
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("node cleanup sweep failed", err))
		return
	}
	httpx.OK(c, report)
}
