package workflows

import (
	"net/http"

	"backend/api/handlers/common"
	"backend/internal/workflow"

	"github.com/gin-gonic/gin"
)

// WorkflowHandler 工作流实例处理器
type WorkflowHandler struct {
	engine *workflow.Engine
}

// NewWorkflowHandler 创建实例处理器
func NewWorkflowHandler(engine *workflow.Engine) *WorkflowHandler {
	return &WorkflowHandler{engine: engine}
}

// StartWorkflow 启动工作流
// POST /api/v1/workflows
func (h *WorkflowHandler) StartWorkflow(c *gin.Context) {
	var req StartWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "无效的请求参数")
		return
	}

	inst, err := h.engine.StartWorkflow(c.Request.Context(),
		c.GetString("tenant_id"), req.TemplateID, req.ContentID, c.GetString("user_id"),
		&workflow.StartOptions{
			Title:      req.Title,
			Priority:   req.Priority,
			DueDate:    req.DueDate,
			AssignedTo: req.AssignedTo,
			Tags:       req.Tags,
			Settings:   req.Settings,
		})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, common.APIResponse{Success: true, Data: inst})
}

// GetWorkflow 获取实例详情
// GET /api/v1/workflows/:id
func (h *WorkflowHandler) GetWorkflow(c *gin.Context) {
	inst, err := h.engine.GetInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: inst})
}

// ListWorkflows 分页查询实例
// GET /api/v1/workflows?status=in_review&page=1
func (h *WorkflowHandler) ListWorkflows(c *gin.Context) {
	var filter workflow.InstanceFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		respondBadRequest(c, "无效的查询参数")
		return
	}

	instances, total, err := h.engine.ListInstances(c.Request.Context(), c.GetString("tenant_id"), &filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{
		Success: true,
		Data:    common.NewListResponse(instances, filter.GetPage(), filter.GetPageSize(), total),
	})
}

// Transition 执行流转
// POST /api/v1/workflows/:id/transition
func (h *WorkflowHandler) Transition(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "无效的请求参数")
		return
	}

	inst, err := h.engine.Transition(c.Request.Context(),
		c.Param("id"), req.FromStageID, req.ToStageID, req.Action, c.GetString("user_id"),
		&workflow.TransitionOptions{
			Comment:      req.Comment,
			Attachments:  req.Attachments,
			NewAssignees: req.NewAssignees,
		})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: inst})
}

// ListActions 查询操作轨迹
// GET /api/v1/workflows/:id/actions
func (h *WorkflowHandler) ListActions(c *gin.Context) {
	actions, err := h.engine.ListActions(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: actions})
}

// ListActivity 查询活动流水
// GET /api/v1/workflows/:id/activity
func (h *WorkflowHandler) ListActivity(c *gin.Context) {
	entries, err := h.engine.ListActivity(c.Request.Context(), c.Param("id"), 50)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: entries})
}

// Assign 指派阶段负责人
// POST /api/v1/workflows/:id/assignments
func (h *WorkflowHandler) Assign(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "无效的请求参数")
		return
	}

	assignment, err := h.engine.Assign(c.Request.Context(),
		c.Param("id"), req.StageID, req.AssigneeID, c.GetString("user_id"),
		&workflow.AssignOptions{
			DueDate:        req.DueDate,
			EstimatedHours: req.EstimatedHours,
		})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, common.APIResponse{Success: true, Data: assignment})
}

// ListAssignments 查询指派记录
// GET /api/v1/workflows/:id/assignments?stage_id=review
func (h *WorkflowHandler) ListAssignments(c *gin.Context) {
	assignments, err := h.engine.ListAssignments(c.Request.Context(), c.Param("id"), c.Query("stage_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: assignments})
}

// UpdateAssignment 指派状态迁移（接受/拒绝/完成）
// PATCH /api/v1/assignments/:id
func (h *WorkflowHandler) UpdateAssignment(c *gin.Context) {
	var req struct {
		Status      workflow.AssignmentStatus `json:"status" binding:"required"`
		ActualHours float64                   `json:"actualHours,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "无效的请求参数")
		return
	}

	userID := c.GetString("user_id")
	assignmentID := c.Param("id")
	var err error
	switch req.Status {
	case workflow.AssignmentAccepted:
		err = h.engine.AcceptAssignment(c.Request.Context(), assignmentID, userID)
	case workflow.AssignmentDeclined:
		err = h.engine.DeclineAssignment(c.Request.Context(), assignmentID, userID)
	case workflow.AssignmentCompleted:
		err = h.engine.CompleteAssignment(c.Request.Context(), assignmentID, userID, req.ActualHours)
	default:
		respondBadRequest(c, "不支持的指派状态")
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true})
}

// ListNotifications 查询当前用户的通知
// GET /api/v1/notifications?unread_only=true
func (h *WorkflowHandler) ListNotifications(c *gin.Context) {
	notifications, err := h.engine.ListNotifications(c.Request.Context(), &workflow.ListNotificationsRequest{
		TenantID:   c.GetString("tenant_id"),
		Recipient:  c.GetString("user_id"),
		OnlyUnread: c.Query("unread_only") == "true",
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: notifications})
}

// MarkNotificationRead 标记通知已读
// POST /api/v1/notifications/:id/read
func (h *WorkflowHandler) MarkNotificationRead(c *gin.Context) {
	if err := h.engine.MarkNotificationRead(c.Request.Context(), c.Param("id"), c.GetString("user_id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true})
}
