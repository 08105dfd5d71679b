package tasks

import (
	"github.com/gin-gonic/gin"

	"go_orchestrator/api/v1/middleware"
	"go_orchestrator/internal/httpx"
	"go_orchestrator/internal/model"
	"go_orchestrator/internal/taskrun"
)

// SubmitRequest represents submit task request
type SubmitRequest struct {
	Title             string `json:"title" binding:"required"`
	Description       string `json:"description"`
	InitialPrompt     string `json:"initialPrompt"`
	AgentType         string `json:"agentType" binding:"required"`
	Repository        string `json:"repository"`
	Branch            string `json:"branch"`
	OutputBranch      string `json:"outputBranch"`
	PreferredNodeID   string `json:"preferredNodeId"`
	PreferredLocation string `json:"preferredLocation"`
	VMSize            string `json:"vmSize"`
}

// ListRequest represents list tasks request
type ListRequest struct {
	Page     int    `form:"page"`
	PageSize int    `form:"pageSize"`
	Status   string `form:"status"`
	UserID   string `form:"userId"`
}

// UpdateStatusRequest represents a user requested status change
type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// Handler handles tasks API
type Handler struct {
	service *taskrun.Service
	engine  *taskrun.Engine
}

// NewHandler creates a new tasks handler
func NewHandler(service *taskrun.Service, engine *taskrun.Engine) *Handler {
	return &Handler{service: service, engine: engine}
}

// Submit handles POST /api/v1/tasks/submit
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	task, err := h.service.SubmitTask(c.Request.Context(), taskrun.SubmitRequest{
		UserID:            middleware.UserID(c),
		Title:             req.Title,
		Description:       req.Description,
		InitialPrompt:     req.InitialPrompt,
		AgentType:         req.AgentType,
		Repository:        req.Repository,
		Branch:            req.Branch,
		OutputBranch:      req.OutputBranch,
		PreferredNodeID:   req.PreferredNodeID,
		PreferredLocation: req.PreferredLocation,
		VMSize:            model.VMSize(req.VMSize),
	})
	if err != nil {
		httpx.FailErr(c, toAppError(err))
		return
	}
	httpx.OK(c, task)
}

// List handles GET /api/v1/tasks
func (h *Handler) List(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	// Admins may look at any user; everyone else only sees their own tasks
	userID := middleware.UserID(c)
	if middleware.IsAdmin(c) {
		userID = req.UserID
	}

	tasks, total, err := h.service.ListTasks(c.Request.Context(), taskrun.ListFilter{
		UserID:   userID,
		Status:   model.TaskStatus(req.Status),
		Page:     req.Page,
		PageSize: req.PageSize,
	})
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to list tasks", err))
		return
	}

	page, pageSize := req.Page, req.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	httpx.OKItems(c, tasks, total, page, pageSize)
}

// Get handles GET /api/v1/tasks/:id
func (h *Handler) Get(c *gin.Context) {
	task, ok := h.loadOwned(c)
	if !ok {
		return
	}
	httpx.OK(c, task)
}

// Events handles GET /api/v1/tasks/:id/events
func (h *Handler) Events(c *gin.Context) {
	task, ok := h.loadOwned(c)
	if !ok {
		return
	}
	events, err := h.service.ListEvents(c.Request.Context(), task.ID)
	if err != nil {
		httpx.FailErr(c, toAppError(err))
		return
	}
	httpx.OK(c, gin.H{"items": events})
}

// UpdateStatus handles POST /api/v1/tasks/:id/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}
	task, ok := h.loadOwned(c)
	if !ok {
		return
	}

	actor := taskrun.Actor{Type: model.ActorUser, ID: middleware.UserID(c)}
	task, err := h.service.SetTaskStatus(c.Request.Context(), task.ID, model.TaskStatus(req.Status), actor, req.Reason)
	if err != nil {
		httpx.FailErr(c, toAppError(err))
		return
	}
	httpx.OK(c, task)
}

// loadOwned loads the :id task and hides other users' tasks from non-admins
func (h *Handler) loadOwned(c *gin.Context) (*model.Task, bool) {
	task, err := h.service.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpx.FailErr(c, toAppError(err))
		return nil, false
	}
	if task.UserID != middleware.UserID(c) && !middleware.IsAdmin(c) {
		httpx.FailErr(c, httpx.ErrNotFound("task not found"))
		return nil, false
	}
	return task, true
}
