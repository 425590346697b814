package workflows

import (
	"net/http"
	"time"

	"backend/api/handlers/common"
	"backend/internal/workflow"

	"github.com/gin-gonic/gin"
)

// respondError 将领域错误映射为 HTTP 状态码与统一错误结构
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	switch err.(type) {
	case *workflow.ValidationError:
		status = http.StatusBadRequest
		code = "validation_failed"
	case *workflow.PermissionError:
		status = http.StatusForbidden
		code = "permission_denied"
	case *workflow.NotFoundError:
		status = http.StatusNotFound
		code = "not_found"
	case *workflow.InvalidTransitionError:
		status = http.StatusConflict
		code = "invalid_transition"
	case *workflow.ConcurrentModificationError:
		status = http.StatusConflict
		code = "concurrent_modification"
	case *workflow.LockConflictError:
		status = http.StatusLocked
		code = "lock_conflict"
	}

	c.JSON(status, common.ErrorResponse{
		Success: false,
		Code:    code,
		Message: err.Error(),
	})
}

func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, common.ErrorResponse{
		Success: false,
		Code:    "bad_request",
		Message: message,
	})
}

// StartWorkflowRequest 启动工作流请求
type StartWorkflowRequest struct {
	TemplateID string                     `json:"templateId" binding:"required"`
	ContentID  string                     `json:"contentId" binding:"required"`
	Title      string                     `json:"title,omitempty"`
	Priority   workflow.Priority          `json:"priority,omitempty"`
	DueDate    *time.Time                 `json:"dueDate,omitempty"`
	AssignedTo []string                   `json:"assignedTo,omitempty"`
	Tags       []string                   `json:"tags,omitempty"`
	Settings   *workflow.InstanceSettings `json:"settings,omitempty"`
}

// TransitionRequest 流转请求
type TransitionRequest struct {
	FromStageID  string              `json:"fromStageId" binding:"required"`
	ToStageID    string              `json:"toStageId" binding:"required"`
	Action       workflow.ActionType `json:"action" binding:"required"`
	Comment      string              `json:"comment,omitempty"`
	Attachments  []string            `json:"attachments,omitempty"`
	NewAssignees []string            `json:"newAssignees,omitempty"`
}

// AssignRequest 指派请求
type AssignRequest struct {
	StageID        string     `json:"stageId" binding:"required"`
	AssigneeID     string     `json:"assigneeId" binding:"required"`
	DueDate        *time.Time `json:"dueDate,omitempty"`
	EstimatedHours float64    `json:"estimatedHours,omitempty"`
}
