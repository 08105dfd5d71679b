package tasks

import (
	"github.com/gin-gonic/gin"

	"go_orchestrator/api/v1/middleware"
	"go_orchestrator/internal/httpx"
	"go_orchestrator/internal/taskrun"
)

// WorkspaceCallback handles POST /api/v1/workspaces/:id/callback.
// The route is guarded by middleware.CallbackAuth.
func (h *Handler) WorkspaceCallback(c *gin.Context) {
	var req taskrun.CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	workspaceID := c.GetString(middleware.KeyWorkspaceID)
	task, err := h.engine.HandleWorkspaceCallback(c.Request.Context(), workspaceID, req)
	if err != nil {
		httpx.FailErr(c, toAppError(err))
		return
	}
	httpx.OK(c, gin.H{
		"taskId": task.ID,
		"status": task.Status,
	})
}
