package workflows

import (
	"io"
	"net/http"
	"time"

	"backend/api/handlers/common"
	"backend/internal/notification"
	"backend/internal/workflow/collab"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 源校验交给 CORS 中间件
	CheckOrigin: func(r *http.Request) bool { return true },
}

// CollabHandler 协作处理器
type CollabHandler struct {
	coordinator *collab.Coordinator
	hub         *notification.Hub
}

// NewCollabHandler 创建协作处理器
func NewCollabHandler(coordinator *collab.Coordinator, hub *notification.Hub) *CollabHandler {
	return &CollabHandler{coordinator: coordinator, hub: hub}
}

// Join 加入协作会话
// POST /api/v1/workflows/:id/collab/join
func (h *CollabHandler) Join(c *gin.Context) {
	user, err := h.coordinator.JoinWorkflow(c.Request.Context(), c.Param("id"), c.GetString("user_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: user})
}

// Leave 离开协作会话
// POST /api/v1/workflows/:id/collab/leave
func (h *CollabHandler) Leave(c *gin.Context) {
	h.coordinator.LeaveWorkflow(c.Request.Context(), c.Param("id"), c.GetString("user_id"))
	c.JSON(http.StatusOK, common.APIResponse{Success: true})
}

// UpdateStatus 刷新状态与编辑游标（心跳）
// POST /api/v1/workflows/:id/collab/status
func (h *CollabHandler) UpdateStatus(c *gin.Context) {
	var req struct {
		Status        collab.UserStatus `json:"status" binding:"required"`
		IsEditing     bool              `json:"isEditing"`
		CursorStageID string            `json:"cursorStageId,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "无效的请求参数")
		return
	}

	if err := h.coordinator.UpdateUserStatus(c.Request.Context(),
		c.Param("id"), c.GetString("user_id"), req.Status, req.IsEditing, req.CursorStageID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true})
}

// ActiveUsers 查询在线用户
// GET /api/v1/workflows/:id/collab/active
func (h *CollabHandler) ActiveUsers(c *gin.Context) {
	users := h.coordinator.GetActiveUsers(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{
		"users": users,
		"total": len(users),
	})
}

// AcquireLock 获取阶段锁
// POST /api/v1/workflows/:id/stages/:stageId/lock
func (h *CollabHandler) AcquireLock(c *gin.Context) {
	var req struct {
		Type       collab.LockType `json:"type,omitempty"`
		TTLSeconds int             `json:"ttlSeconds,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		respondBadRequest(c, "无效的请求参数")
		return
	}
	if req.Type == "" {
		req.Type = collab.LockExclusive
	}

	lock, err := h.coordinator.AcquireLock(c.Request.Context(),
		c.Param("id"), c.Param("stageId"), c.GetString("user_id"),
		req.Type, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: lock})
}

// RenewLock 续期阶段锁
// PUT /api/v1/workflows/:id/stages/:stageId/lock
func (h *CollabHandler) RenewLock(c *gin.Context) {
	var req struct {
		TTLSeconds int `json:"ttlSeconds,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		respondBadRequest(c, "无效的请求参数")
		return
	}

	lock, err := h.coordinator.RenewLock(c.Request.Context(),
		c.Param("id"), c.Param("stageId"), c.GetString("user_id"),
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: lock})
}

// ReleaseLock 释放阶段锁
// DELETE /api/v1/workflows/:id/stages/:stageId/lock
func (h *CollabHandler) ReleaseLock(c *gin.Context) {
	released := h.coordinator.ReleaseLock(c.Request.Context(),
		c.Param("id"), c.Param("stageId"), c.GetString("user_id"))
	c.JSON(http.StatusOK, common.APIResponse{Success: released})
}

// ListConflicts 查询待处理冲突
// GET /api/v1/workflows/:id/conflicts
func (h *CollabHandler) ListConflicts(c *gin.Context) {
	conflicts, err := h.coordinator.Conflicts().ListPending(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: conflicts})
}

// ResolveConflict 关闭冲突
// POST /api/v1/conflicts/:id/resolve
func (h *CollabHandler) ResolveConflict(c *gin.Context) {
	var req struct {
		Resolution string `json:"resolution" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "无效的请求参数")
		return
	}

	if err := h.coordinator.Conflicts().Resolve(c.Request.Context(),
		c.Param("id"), c.GetString("user_id"), req.Resolution); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true})
}

// WebSocket 建立事件推送连接
// GET /api/v1/ws?workflow_id=xxx
func (h *CollabHandler) WebSocket(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	userID := c.GetString("user_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	var workflows []string
	if wid := c.Query("workflow_id"); wid != "" {
		workflows = []string{wid}
	}
	h.hub.Register(tenantID, userID, conn, workflows)

	// 读循环只用于感知断连
	go func() {
		defer func() {
			h.hub.Unregister(tenantID, userID, conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
