package nodes

import (
	"context"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"go_orchestrator/api/v1/middleware"
	"go_orchestrator/internal/httpx"
	"go_orchestrator/internal/model"
	"go_orchestrator/internal/nodehealth"
)

// Lifecycle is the node pool API used by the handler
type Lifecycle interface {
	GetStatus(ctx context.Context, nodeID string) (*model.NodeLifecycleState, error)
	ForceDestroy(ctx context.Context, nodeID string, force bool) (bool, error)
}

// HealthChecker probes nodes on demand
type HealthChecker interface {
	CheckNodes(ctx context.Context, nodeIDs []string) []nodehealth.CheckResult
}

// ListRequest represents list nodes request
type ListRequest struct {
	Page     int    `form:"page"`
	PageSize int    `form:"pageSize"`
	Status   string `form:"status"`
	UserID   string `form:"userId"`
}

// DestroyRequest represents destroy node request
type DestroyRequest struct {
	Force bool `json:"force"`
}

// CheckRequest represents an on-demand health check
type CheckRequest struct {
	NodeIDs []string `json:"nodeIds" binding:"required,min=1"`
}

// NodeDetail is a node with its pool state
type NodeDetail struct {
	model.Node
	Lifecycle *model.NodeLifecycleState `json:"lifecycle"`
}

// Handler handles nodes API
type Handler struct {
	db        *gorm.DB
	lifecycle Lifecycle
	health    HealthChecker
}

// NewHandler creates a new nodes handler
func NewHandler(db *gorm.DB, lifecycle Lifecycle, health HealthChecker) *Handler {
	return &Handler{
		db:        db,
		lifecycle: lifecycle,
		health:    health,
	}
}

// List handles GET /api/v1/nodes
func (h *Handler) List(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	// Set defaults
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 {
		req.PageSize = 15
	}

	// Build query
	query := h.db.WithContext(c.Request.Context()).Model(&model.Node{})

	// Non-admins only see their own nodes
	if middleware.IsAdmin(c) {
		if req.UserID != "" {
			query = query.Where("user_id = ?", req.UserID)
		}
	} else {
		query = query.Where("user_id = ?", middleware.UserID(c))
	}

	// Status filter
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to count nodes", err))
		return
	}

	var nodes []model.Node
	offset := (req.Page - 1) * req.PageSize
	if err := query.Order("created_at DESC").Offset(offset).Limit(req.PageSize).Find(&nodes).Error; err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query nodes", err))
		return
	}

	httpx.OKItems(c, nodes, total, req.Page, req.PageSize)
}

// Get handles GET /api/v1/nodes/:id
func (h *Handler) Get(c *gin.Context) {
	node, ok := h.loadOwned(c)
	if !ok {
		return
	}

	state, err := h.lifecycle.GetStatus(c.Request.Context(), node.ID)
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to load node lifecycle", err))
		return
	}
	httpx.OK(c, NodeDetail{Node: *node, Lifecycle: state})
}

// Destroy handles POST /api/v1/nodes/:id/destroy
func (h *Handler) Destroy(c *gin.Context) {
	var req DestroyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
			return
		}
	}
	node, ok := h.loadOwned(c)
	if !ok {
		return
	}

	destroying, err := h.lifecycle.ForceDestroy(c.Request.Context(), node.ID, req.Force)
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to destroy node", err))
		return
	}
	if !destroying {
		httpx.FailErr(c, httpx.ErrStateConflict("node is serving a task; pass force to destroy it anyway"))
		return
	}
	httpx.OKMsg(c, "node is being destroyed", gin.H{"nodeId": node.ID})
}

// Check handles POST /api/v1/admin/nodes/check
func (h *Handler) Check(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}
	httpx.OK(c, gin.H{"items": h.health.CheckNodes(c.Request.Context(), req.NodeIDs)})
}

func (h *Handler) loadOwned(c *gin.Context) (*model.Node, bool) {
	var node model.Node
	err := h.db.WithContext(c.Request.Context()).Where("id = ?", c.Param("id")).First(&node).Error
	if err == gorm.ErrRecordNotFound {
		httpx.FailErr(c, httpx.ErrNotFound("node not found"))
		return nil, false
	}
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query node", err))
		return nil, false
	}
	if node.UserID != middleware.UserID(c) && !middleware.IsAdmin(c) {
		httpx.FailErr(c, httpx.ErrNotFound("node not found"))
		return nil, false
	}
	return &node, true
}
