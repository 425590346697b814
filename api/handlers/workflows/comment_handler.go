package workflows

import (
	"net/http"

	"backend/api/handlers/common"
	"backend/internal/workflow"

	"github.com/gin-gonic/gin"
)

// CommentHandler 工作流评论处理器
type CommentHandler struct {
	engine *workflow.Engine
}

// NewCommentHandler 创建评论处理器
func NewCommentHandler(engine *workflow.Engine) *CommentHandler {
	return &CommentHandler{engine: engine}
}

// AddComment 新增评论
// POST /api/v1/workflows/:id/comments
func (h *CommentHandler) AddComment(c *gin.Context) {
	var req workflow.AddCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "无效的请求参数")
		return
	}
	req.WorkflowID = c.Param("id")

	comment, err := h.engine.AddComment(c.Request.Context(), &req, c.GetString("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, common.APIResponse{Success: true, Data: comment})
}

// ListComments 查询评论
// GET /api/v1/workflows/:id/comments?include_internal=true
func (h *CommentHandler) ListComments(c *gin.Context) {
	comments, err := h.engine.ListComments(c.Request.Context(), c.Param("id"),
		c.Query("include_internal") == "true")
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: comments})
}

// EditComment 编辑评论
// PUT /api/v1/comments/:id
func (h *CommentHandler) EditComment(c *gin.Context) {
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "无效的请求参数")
		return
	}

	comment, err := h.engine.EditComment(c.Request.Context(), c.Param("id"), c.GetString("user_id"), req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: comment})
}

// DeleteComment 删除评论
// DELETE /api/v1/comments/:id
func (h *CommentHandler) DeleteComment(c *gin.Context) {
	if err := h.engine.DeleteComment(c.Request.Context(), c.Param("id"), c.GetString("user_id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true})
}

// ResolveComment 标记评论已解决
// POST /api/v1/comments/:id/resolve
func (h *CommentHandler) ResolveComment(c *gin.Context) {
	if err := h.engine.ResolveComment(c.Request.Context(), c.Param("id"), c.GetString("user_id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true})
}

// ToggleReaction 切换表态
// POST /api/v1/comments/:id/reactions
func (h *CommentHandler) ToggleReaction(c *gin.Context) {
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "无效的请求参数")
		return
	}

	comment, err := h.engine.ToggleReaction(c.Request.Context(), c.Param("id"), c.GetString("user_id"), req.Emoji)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: comment})
}
