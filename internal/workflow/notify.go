package workflow

import (
	"context"
	"fmt"
	"time"

	"backend/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

// fanOutNotifications 为一次动作向接收者扇出通知
// 扇出对 (action_id, recipient) 幂等：唯一索引加 DoNothing，
// 重放同一动作不会产生重复通知。动作执行者本人被排除。
func (e *Engine) fanOutNotifications(ctx context.Context, inst *WorkflowInstance, action *WorkflowAction, typ NotificationType, title, message string, recipients []string) {
	if !inst.Settings.NotificationsEnabled {
		return
	}

	seen := make(map[string]bool, len(recipients))
	now := time.Now().UTC()
	rows := make([]*WorkflowNotification, 0, len(recipients))
	for _, recipient := range recipients {
		if recipient == "" || recipient == action.PerformedBy || seen[recipient] {
			continue
		}
		seen[recipient] = true
		rows = append(rows, &WorkflowNotification{
			ID:         uuid.New().String(),
			TenantID:   inst.TenantID,
			WorkflowID: inst.ID,
			ActionID:   action.ID,
			Recipient:  recipient,
			Type:       typ,
			Title:      title,
			Message:    message,
			ActionURL:  fmt.Sprintf("/workflows/%s", inst.ID),
			Priority:   inst.Priority,
			Channels:   []string{"websocket", "email"},
			CreatedAt:  now,
		})
	}
	if len(rows) == 0 {
		return
	}

	// 幂等写入：重复的 (action_id, recipient) 直接忽略
	res := e.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "action_id"}, {Name: "recipient"}},
			DoNothing: true,
		}).
		Create(&rows)
	if res.Error != nil {
		e.logger.Error("通知扇出失败",
			zap.String("workflow_id", inst.ID),
			zap.String("action_id", action.ID),
			zap.Error(res.Error))
		return
	}
	metrics.NotificationsTotal.WithLabelValues(string(typ)).Add(float64(res.RowsAffected))

	// 实时推送（尽力执行），重放时 RowsAffected 为 0，不再推送
	if e.pusher != nil && res.RowsAffected > 0 {
		for _, row := range rows {
			e.pusher.Push(inst.TenantID, row.Recipient, row)
		}
	}
}

// notifyUsers 向指定用户集合扇出通知，供自动化动作与指派使用
func (e *Engine) notifyUsers(ctx context.Context, inst *WorkflowInstance, action *WorkflowAction, typ NotificationType, title, message string, userIDs []string) {
	e.fanOutNotifications(ctx, inst, action, typ, title, message, userIDs)
}

// ListNotificationsRequest 查询通知列表请求
type ListNotificationsRequest struct {
	TenantID   string
	Recipient  string
	OnlyUnread bool
	Limit      int
}

// ListNotifications 查询用户的通知
func (e *Engine) ListNotifications(ctx context.Context, req *ListNotificationsRequest) ([]*WorkflowNotification, error) {
	query := e.db.WithContext(ctx).
		Model(&WorkflowNotification{}).
		Where("recipient = ?", req.Recipient)
	if req.TenantID != "" {
		query = query.Where("tenant_id = ?", req.TenantID)
	}
	if req.OnlyUnread {
		query = query.Where("is_read = ?", false)
	}
	limit := req.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var rows []*WorkflowNotification
	if err := query.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询通知失败: %w", err)
	}
	return rows, nil
}

// MarkNotificationRead 标记通知已读
func (e *Engine) MarkNotificationRead(ctx context.Context, notificationID, userID string) error {
	now := time.Now().UTC()
	res := e.db.WithContext(ctx).
		Model(&WorkflowNotification{}).
		Where("id = ? AND recipient = ?", notificationID, userID).
		Updates(map[string]any{"is_read": true, "read_at": now})
	if res.Error != nil {
		return fmt.Errorf("标记通知已读失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{Kind: "notification", ID: notificationID}
	}
	return nil
}
