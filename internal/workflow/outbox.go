package workflow

import (
	"context"
	"fmt"
	"time"

	"backend/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const outboxMaxAttempts = 5

// DrainOutbox 重放滞留的出站副作用
// 同步分发失败的记录停留在 pending，由 worker 周期性调用本方法
// 补偿。分发本身幂等（通知有唯一索引，内容发布可重复），
// 超过最大尝试次数的记录标记 failed 不再重试。返回成功分发数。
func (e *Engine) DrainOutbox(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []*OutboxEntry
	if err := e.db.WithContext(ctx).
		Where("status = ?", OutboxPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return 0, fmt.Errorf("查询出站记录失败: %w", err)
	}

	dispatched := 0
	for _, entry := range entries {
		if err := e.dispatchOutboxEntry(ctx, entry); err != nil {
			e.logger.Warn("出站记录分发失败",
				zap.String("outbox_id", entry.ID),
				zap.String("kind", entry.Kind),
				zap.Int("attempts", entry.Attempts+1),
				zap.Error(err))
			status := OutboxPending
			if entry.Attempts+1 >= outboxMaxAttempts {
				status = OutboxFailed
			}
			e.db.WithContext(ctx).
				Model(&OutboxEntry{}).
				Where("id = ?", entry.ID).
				Updates(map[string]any{
					"status":   status,
					"attempts": gorm.Expr("attempts + 1"),
					"last_err": truncate(err.Error(), 500),
				})
			continue
		}
		now := time.Now().UTC()
		e.db.WithContext(ctx).
			Model(&OutboxEntry{}).
			Where("id = ?", entry.ID).
			Updates(map[string]any{
				"status":        OutboxDispatched,
				"attempts":      gorm.Expr("attempts + 1"),
				"dispatched_at": now,
			})
		dispatched++
	}

	var pending int64
	if err := e.db.WithContext(ctx).
		Model(&OutboxEntry{}).
		Where("status = ?", OutboxPending).
		Count(&pending).Error; err == nil {
		metrics.OutboxPendingGauge.Set(float64(pending))
	}
	return dispatched, nil
}

func (e *Engine) dispatchOutboxEntry(ctx context.Context, entry *OutboxEntry) error {
	inst, err := e.GetInstance(ctx, entry.WorkflowID)
	if err != nil {
		return err
	}

	switch entry.Kind {
	case "notify":
		var action WorkflowAction
		if err := e.db.WithContext(ctx).
			Where("id = ?", entry.ActionID).
			First(&action).Error; err != nil {
			return fmt.Errorf("查询动作记录失败: %w", err)
		}
		toStage, _ := entry.Payload["to_stage"].(string)
		e.fanOutNotifications(ctx, inst, &action, NotifyStageChanged,
			"工作流阶段变更",
			fmt.Sprintf("%s 已进入阶段 %s", inst.Title, toStage),
			inst.AssignedTo)
		return nil

	case "publish_content":
		actor, _ := entry.Payload["actor"].(string)
		if _, err := e.contents.PublishContent(ctx, inst.ContentID, actor); err != nil {
			return fmt.Errorf("触发内容发布失败: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("未知出站类型: %s", entry.Kind)
	}
}

// CheckDeadline 截止时间到期检查，由 worker 在 DueDate 时刻触发
// 实例仍未终态时记一条 deadline 冲突、通知负责人，并评估当前
// 阶段的 deadline_approaching 规则。
func (e *Engine) CheckDeadline(ctx context.Context, workflowID string) error {
	inst, err := e.GetInstance(ctx, workflowID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() || inst.DueDate == nil {
		return nil
	}
	if time.Now().UTC().Before(*inst.DueDate) {
		return nil
	}

	tpl, err := e.templates.GetTemplate(ctx, inst.TenantID, inst.TemplateID)
	if err != nil {
		return err
	}
	stage := tpl.StageByID(inst.CurrentStageID)
	if stage == nil {
		return &NotFoundError{Kind: "stage", ID: inst.CurrentStageID}
	}

	e.recordConflict(ctx, inst, stage.ID, ConflictDeadline, inst.AssignedTo,
		fmt.Sprintf("工作流 %s 已超过截止时间，仍停留在阶段 %s", inst.Title, stage.Name))

	// 阶段级超时交给冲突检测器，UpdatedAt 即上次流转时间
	if e.conflicts != nil {
		if _, err := e.conflicts.CheckDeadlineConflict(ctx, inst, stage, inst.UpdatedAt); err != nil {
			e.logger.Warn("阶段超时检测失败",
				zap.String("workflow_id", inst.ID),
				zap.Error(err))
		}
	}

	now := time.Now().UTC()
	actionRec := &WorkflowAction{
		ID:          uuid.New().String(),
		TenantID:    inst.TenantID,
		WorkflowID:  inst.ID,
		StageID:     stage.ID,
		Action:      ActionTypeEscalate,
		PerformedBy: "system",
		Comment:     "截止时间已过",
		IsAutomated: true,
		CreatedAt:   now,
	}
	if err := e.db.WithContext(ctx).Create(actionRec).Error; err != nil {
		e.logger.Warn("记录截止动作失败", zap.String("workflow_id", inst.ID), zap.Error(err))
	}
	e.notifyUsers(ctx, inst, actionRec, NotifyDeadline,
		"工作流已到截止时间",
		fmt.Sprintf("%s 已超过截止时间，请尽快处理", inst.Title),
		inst.AssignedTo)

	budget := e.stepBudget
	e.runAutomation(ctx, inst, tpl, stage, TriggerDeadlineApproaching, actionRec, &budget)
	return nil
}
