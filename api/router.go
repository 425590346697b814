package api

import (
	"backend/api/handlers/workflows"
	"backend/internal/notification"
	"backend/internal/workflow"
	"backend/internal/workflow/collab"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Dependencies 路由装配所需的服务
type Dependencies struct {
	DB          *gorm.DB
	Engine      *workflow.Engine
	Coordinator *collab.Coordinator
	Hub         *notification.Hub
}

// SetupRouter 装配全部路由
func SetupRouter(deps *Dependencies) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(), CORS())

	// 探针与指标不走身份中间件
	r.GET("/health", HealthCheck())
	r.GET("/ready", ReadinessCheck())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	templateHandler := workflows.NewTemplateHandler(deps.Engine.Templates())
	workflowHandler := workflows.NewWorkflowHandler(deps.Engine)
	taskHandler := workflows.NewTaskHandler(deps.Engine)
	commentHandler := workflows.NewCommentHandler(deps.Engine)
	collabHandler := workflows.NewCollabHandler(deps.Coordinator, deps.Hub)

	v1 := r.Group("/api/v1", IdentityContext())
	{
		templates := v1.Group("/workflows/templates")
		{
			templates.POST("", templateHandler.CreateTemplate)
			templates.GET("", templateHandler.ListTemplates)
			templates.GET("/:id", templateHandler.GetTemplate)
			templates.PUT("/:id", templateHandler.UpdateTemplate)
			templates.DELETE("/:id", templateHandler.DeactivateTemplate)
		}

		wf := v1.Group("/workflows")
		{
			wf.POST("", workflowHandler.StartWorkflow)
			wf.GET("", workflowHandler.ListWorkflows)
			wf.GET("/:id", workflowHandler.GetWorkflow)
			wf.POST("/:id/transition", workflowHandler.Transition)
			wf.GET("/:id/actions", workflowHandler.ListActions)
			wf.GET("/:id/activity", workflowHandler.ListActivity)

			wf.POST("/:id/assignments", workflowHandler.Assign)
			wf.GET("/:id/assignments", workflowHandler.ListAssignments)

			wf.POST("/:id/tasks", taskHandler.CreateTask)
			wf.GET("/:id/tasks", taskHandler.ListTasks)

			wf.POST("/:id/comments", commentHandler.AddComment)
			wf.GET("/:id/comments", commentHandler.ListComments)

			wf.POST("/:id/collab/join", collabHandler.Join)
			wf.POST("/:id/collab/leave", collabHandler.Leave)
			wf.POST("/:id/collab/status", collabHandler.UpdateStatus)
			wf.GET("/:id/collab/active", collabHandler.ActiveUsers)
			wf.GET("/:id/conflicts", collabHandler.ListConflicts)

			wf.POST("/:id/stages/:stageId/lock", collabHandler.AcquireLock)
			wf.PUT("/:id/stages/:stageId/lock", collabHandler.RenewLock)
			wf.DELETE("/:id/stages/:stageId/lock", collabHandler.ReleaseLock)
		}

		v1.PATCH("/assignments/:id", workflowHandler.UpdateAssignment)

		v1.PATCH("/tasks/:id", taskHandler.UpdateTaskStatus)
		v1.PATCH("/tasks/:id/checklist/:itemId", taskHandler.ToggleChecklistItem)

		v1.PUT("/comments/:id", commentHandler.EditComment)
		v1.DELETE("/comments/:id", commentHandler.DeleteComment)
		v1.POST("/comments/:id/resolve", commentHandler.ResolveComment)
		v1.POST("/comments/:id/reactions", commentHandler.ToggleReaction)

		v1.POST("/conflicts/:id/resolve", collabHandler.ResolveConflict)

		v1.GET("/notifications", workflowHandler.ListNotifications)
		v1.POST("/notifications/:id/read", workflowHandler.MarkNotificationRead)

		v1.GET("/ws", collabHandler.WebSocket)
	}

	return r
}
