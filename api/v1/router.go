package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"go_orchestrator/api/v1/admin"
	"go_orchestrator/api/v1/middleware"
	"go_orchestrator/api/v1/nodes"
	"go_orchestrator/api/v1/tasks"
	"go_orchestrator/internal/httpx"
	"go_orchestrator/internal/taskrun"
)

// Deps are the services behind the API v1 routes. Socket is optional.
type Deps struct {
	DB        *gorm.DB
	Tasks     *taskrun.Service
	Engine    *taskrun.Engine
	Lifecycle nodes.Lifecycle
	Health    nodes.HealthChecker
	Recovery  admin.StuckTaskSweeper
	Cleanup   admin.NodeSweeper
	Socket    http.Handler
}

// SetupRouter sets up the API v1 routes
func SetupRouter(r *gin.Engine, deps *Deps) {
	if deps.Socket != nil {
		r.GET("/socket.io/*any", gin.WrapH(deps.Socket))
		r.POST("/socket.io/*any", gin.WrapH(deps.Socket))
	}

	v1 := r.Group("/api/v1")
	{
		// Public routes (no authentication required)
		v1.GET("/ping", pingHandler)

		tasksHandler := tasks.NewHandler(deps.Tasks, deps.Engine)

		// Workspace callbacks authenticate with a per-workspace token
		v1.POST("/workspaces/:id/callback", middleware.CallbackAuth(), tasksHandler.WorkspaceCallback)

		// Protected routes (authentication required)
		protected := v1.Group("")
		protected.Use(middleware.AuthRequired())
		{
			protected.GET("/me", meHandler)

			tasksGroup := protected.Group("/tasks")
			{
				tasksGroup.POST("/submit", tasksHandler.Submit)
				tasksGroup.GET("", tasksHandler.List)
				tasksGroup.GET("/:id", tasksHandler.Get)
				tasksGroup.GET("/:id/events", tasksHandler.Events)
				tasksGroup.POST("/:id/status", tasksHandler.UpdateStatus)
			}

			nodesHandler := nodes.NewHandler(deps.DB, deps.Lifecycle, deps.Health)
			nodesGroup := protected.Group("/nodes")
			{
				nodesGroup.GET("", nodesHandler.List)
				nodesGroup.GET("/:id", nodesHandler.Get)
				nodesGroup.POST("/:id/destroy", nodesHandler.Destroy)
			}

			adminHandler := admin.NewHandler(deps.Recovery, deps.Cleanup)
			adminGroup := protected.Group("/admin")
			adminGroup.Use(middleware.AdminRequired())
			{
				adminGroup.GET("/tasks/stuck", adminHandler.ListStuck)
				adminGroup.GET("/tasks/failures", adminHandler.ListFailures)
				adminGroup.POST("/sweeps/stuck-tasks", adminHandler.RunRecovery)
				adminGroup.POST("/sweeps/node-cleanup", adminHandler.RunNodeCleanup)
				adminGroup.POST("/nodes/check", nodesHandler.Check)
			}
		}
	}
}

// pingHandler handles the ping request using unified response
func pingHandler(c *gin.Context) {
	httpx.OK(c, gin.H{
		"pong": true,
	})
}

// meHandler returns current user information
func meHandler(c *gin.Context) {
	httpx.OK(c, gin.H{
		"userId": middleware.UserID(c),
		"role":   c.GetString(middleware.KeyRole),
	})
}
