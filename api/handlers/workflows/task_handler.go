package workflows

import (
	"net/http"

	"backend/api/handlers/common"
	"backend/internal/workflow"

	"github.com/gin-gonic/gin"
)

// TaskHandler 子任务处理器
type TaskHandler struct {
	engine *workflow.Engine
}

// NewTaskHandler 创建子任务处理器
func NewTaskHandler(engine *workflow.Engine) *TaskHandler {
	return &TaskHandler{engine: engine}
}

// CreateTask 创建任务
// POST /api/v1/workflows/:id/tasks
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req workflow.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "无效的请求参数")
		return
	}
	req.WorkflowID = c.Param("id")

	task, err := h.engine.CreateTask(c.Request.Context(), &req, c.GetString("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, common.APIResponse{Success: true, Data: task})
}

// ListTasks 查询任务
// GET /api/v1/workflows/:id/tasks?stage_id=review
func (h *TaskHandler) ListTasks(c *gin.Context) {
	tasks, err := h.engine.ListTasks(c.Request.Context(), c.Param("id"), c.Query("stage_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: tasks})
}

// ToggleChecklistItem 切换清单项完成状态
// PATCH /api/v1/tasks/:id/checklist/:itemId
func (h *TaskHandler) ToggleChecklistItem(c *gin.Context) {
	var req struct {
		Completed bool `json:"completed"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "无效的请求参数")
		return
	}

	task, err := h.engine.ToggleChecklistItem(c.Request.Context(), c.Param("id"), c.Param("itemId"), req.Completed)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: task})
}

// UpdateTaskStatus 任务状态迁移
// PATCH /api/v1/tasks/:id
func (h *TaskHandler) UpdateTaskStatus(c *gin.Context) {
	var req struct {
		Status workflow.TaskStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "无效的请求参数")
		return
	}

	taskID := c.Param("id")
	switch req.Status {
	case workflow.TaskInProgress:
		if err := h.engine.StartTask(c.Request.Context(), taskID); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, common.APIResponse{Success: true})
	case workflow.TaskCompleted:
		task, err := h.engine.CompleteTask(c.Request.Context(), taskID, c.GetString("user_id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: task})
	case workflow.TaskCancelled:
		if err := h.engine.CancelTask(c.Request.Context(), taskID); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, common.APIResponse{Success: true})
	default:
		respondBadRequest(c, "不支持的任务状态")
	}
}
