package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"backend/internal/worker/tasks"
	"backend/internal/workflow"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// WorkflowHandler 工作流后台任务处理器
type WorkflowHandler struct {
	engine *workflow.Engine
	logger *zap.Logger
}

// NewWorkflowHandler 创建处理器
func NewWorkflowHandler(engine *workflow.Engine, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{engine: engine, logger: logger}
}

// HandleRunRule 执行到期的延迟自动化规则
func (h *WorkflowHandler) HandleRunRule(ctx context.Context, task *asynq.Task) error {
	var payload tasks.RunRulePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("解析规则载荷失败: %w", err)
	}

	h.logger.Info("执行延迟自动化规则",
		zap.String("workflow_id", payload.WorkflowID),
		zap.String("stage_id", payload.StageID),
		zap.String("rule_id", payload.RuleID))

	err := h.engine.RunScheduledRule(ctx, payload.WorkflowID, payload.StageID, payload.RuleID)
	if err != nil {
		// 实例或规则已不存在时没有重试的意义
		if _, gone := err.(*workflow.NotFoundError); gone {
			h.logger.Warn("延迟规则的目标已不存在，丢弃任务",
				zap.String("workflow_id", payload.WorkflowID),
				zap.String("rule_id", payload.RuleID))
			return nil
		}
		return err
	}
	return nil
}

// HandleDeadlineCheck 执行截止时间检查
func (h *WorkflowHandler) HandleDeadlineCheck(ctx context.Context, task *asynq.Task) error {
	var payload tasks.DeadlineCheckPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("解析截止检查载荷失败: %w", err)
	}

	err := h.engine.CheckDeadline(ctx, payload.WorkflowID)
	if err != nil {
		if _, gone := err.(*workflow.NotFoundError); gone {
			return nil
		}
		return err
	}
	return nil
}

// HandleDrainOutbox 补偿滞留的出站副作用
func (h *WorkflowHandler) HandleDrainOutbox(ctx context.Context, task *asynq.Task) error {
	var payload tasks.DrainOutboxPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("解析出站补偿载荷失败: %w", err)
	}

	dispatched, err := h.engine.DrainOutbox(ctx, payload.Limit)
	if err != nil {
		return err
	}
	if dispatched > 0 {
		h.logger.Info("出站补偿完成", zap.Int("dispatched", dispatched))
	}
	return nil
}
