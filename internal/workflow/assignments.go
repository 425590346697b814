package workflow

import (
	"context"
	"fmt"
	"time"

	"backend/internal/identity"
	"backend/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AssignOptions 指派的可选参数
type AssignOptions struct {
	DueDate        *time.Time
	EstimatedHours float64
	Automated      bool // 引擎内部或自动化规则发起，跳过权限检查
}

// Assign 为工作流阶段创建指派记录
// 需要 assign_workflow 能力；被指派人无法解析时返回 NotFoundError。
// 同一阶段已有同一被指派人的未完成记录时落一条指派冲突。
func (e *Engine) Assign(ctx context.Context, workflowID, stageID, assigneeID, assignerID string, opts *AssignOptions) (*WorkflowAssignment, error) {
	if opts == nil {
		opts = &AssignOptions{}
	}

	inst, err := e.GetInstance(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if !opts.Automated {
		ok, err := e.identity.HasPermission(ctx, assignerID, identity.CapAssignWorkflow)
		if err != nil {
			return nil, fmt.Errorf("权限检查失败: %w", err)
		}
		if !ok {
			return nil, &PermissionError{UserID: assignerID, Capability: identity.CapAssignWorkflow}
		}
	}

	user, err := e.identity.GetUserByID(ctx, assigneeID)
	if err != nil {
		return nil, fmt.Errorf("解析被指派人失败: %w", err)
	}
	if user == nil {
		return nil, &NotFoundError{Kind: "user", ID: assigneeID}
	}

	now := time.Now().UTC()

	// 重复指派检测：同阶段同人的未完成记录视为指派冲突
	var existing int64
	if err := e.db.WithContext(ctx).
		Model(&WorkflowAssignment{}).
		Where("workflow_id = ? AND stage_id = ? AND assigned_to = ? AND status IN ?",
			workflowID, stageID, assigneeID,
			[]AssignmentStatus{AssignmentPending, AssignmentAccepted}).
		Count(&existing).Error; err == nil && existing > 0 {
		e.recordConflict(ctx, inst, stageID, ConflictAssignment,
			[]string{assigneeID, assignerID},
			fmt.Sprintf("用户 %s 在阶段 %s 已有未完成指派", user.DisplayName, stageID))
	}

	assignment := &WorkflowAssignment{
		ID:             uuid.New().String(),
		TenantID:       inst.TenantID,
		WorkflowID:     workflowID,
		StageID:        stageID,
		AssignedTo:     assigneeID,
		AssignedBy:     assignerID,
		Status:         AssignmentPending,
		DueDate:        opts.DueDate,
		EstimatedHours: opts.EstimatedHours,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	actionRec := &WorkflowAction{
		ID:          uuid.New().String(),
		TenantID:    inst.TenantID,
		WorkflowID:  workflowID,
		StageID:     stageID,
		Action:      ActionTypeReassign,
		PerformedBy: assignerID,
		AssignedTo:  assigneeID,
		IsAutomated: opts.Automated,
		CreatedAt:   now,
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(assignment).Error; err != nil {
			return fmt.Errorf("创建指派记录失败: %w", err)
		}
		if err := tx.Create(actionRec).Error; err != nil {
			return fmt.Errorf("记录指派动作失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 同步实例级负责人列表（尽力执行，输掉版本竞争时放弃）
	if !inst.IsAssignee(assigneeID) {
		assignees := append(append([]string(nil), inst.AssignedTo...), assigneeID)
		res := e.db.WithContext(ctx).
			Model(&WorkflowInstance{}).
			Where("id = ? AND version = ?", inst.ID, inst.Version).
			Select("assigned_to", "version", "updated_at").
			Updates(&WorkflowInstance{
				AssignedTo: assignees,
				Version:    inst.Version + 1,
				UpdatedAt:  now,
			})
		if res.Error == nil && res.RowsAffected > 0 {
			inst.AssignedTo = assignees
			inst.Version++
		} else {
			e.logger.Debug("同步实例负责人时输掉版本竞争，跳过",
				zap.String("workflow_id", inst.ID))
		}
	}

	e.appendActivity(ctx, inst, assignerID, "assigned",
		fmt.Sprintf("将阶段 %s 指派给 %s", stageID, user.DisplayName))
	e.notifyUsers(ctx, inst, actionRec, NotifyAssigned,
		"新的工作流指派",
		fmt.Sprintf("%s 的阶段 %s 已指派给你", inst.Title, stageID),
		[]string{assigneeID})

	return assignment, nil
}

// AcceptAssignment 接受指派
func (e *Engine) AcceptAssignment(ctx context.Context, assignmentID, userID string) error {
	return e.updateAssignmentStatus(ctx, assignmentID, userID, AssignmentPending, AssignmentAccepted, func(updates map[string]any, now time.Time) {
		updates["accepted_at"] = now
	})
}

// DeclineAssignment 拒绝指派
func (e *Engine) DeclineAssignment(ctx context.Context, assignmentID, userID string) error {
	return e.updateAssignmentStatus(ctx, assignmentID, userID, AssignmentPending, AssignmentDeclined, nil)
}

// CompleteAssignment 完成指派并记录实际工时
func (e *Engine) CompleteAssignment(ctx context.Context, assignmentID, userID string, actualHours float64) error {
	return e.updateAssignmentStatus(ctx, assignmentID, userID, AssignmentAccepted, AssignmentCompleted, func(updates map[string]any, now time.Time) {
		updates["completed_at"] = now
		if actualHours > 0 {
			updates["actual_hours"] = actualHours
		}
	})
}

// updateAssignmentStatus 指派状态迁移的公共路径
// 仅允许被指派人本人操作，且当前状态必须与期望一致。
func (e *Engine) updateAssignmentStatus(ctx context.Context, assignmentID, userID string, expect, next AssignmentStatus, mutate func(map[string]any, time.Time)) error {
	var assignment WorkflowAssignment
	err := e.db.WithContext(ctx).Where("id = ?", assignmentID).First(&assignment).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return &NotFoundError{Kind: "assignment", ID: assignmentID}
		}
		return fmt.Errorf("查询指派记录失败: %w", err)
	}
	if assignment.AssignedTo != userID {
		return &PermissionError{UserID: userID, Capability: "assignment_owner"}
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"status":     next,
		"updated_at": now,
	}
	if mutate != nil {
		mutate(updates, now)
	}

	res := e.db.WithContext(ctx).
		Model(&WorkflowAssignment{}).
		Where("id = ? AND status = ?", assignmentID, expect).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("更新指派状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &ValidationError{Reason: fmt.Sprintf("指派 %s 当前状态不允许迁移到 %s", assignmentID, next)}
	}
	return nil
}

// ListAssignments 查询阶段或工作流的指派记录
func (e *Engine) ListAssignments(ctx context.Context, workflowID, stageID string) ([]*WorkflowAssignment, error) {
	query := e.db.WithContext(ctx).Where("workflow_id = ?", workflowID)
	if stageID != "" {
		query = query.Where("stage_id = ?", stageID)
	}
	var assignments []*WorkflowAssignment
	if err := query.Order("created_at ASC").Find(&assignments).Error; err != nil {
		return nil, fmt.Errorf("查询指派记录失败: %w", err)
	}
	return assignments, nil
}

// recordConflict 落一条协作冲突记录（尽力执行）
func (e *Engine) recordConflict(ctx context.Context, inst *WorkflowInstance, stageID string, typ ConflictType, users []string, description string) {
	conflict := &WorkflowConflict{
		ID:            uuid.New().String(),
		TenantID:      inst.TenantID,
		WorkflowID:    inst.ID,
		StageID:       stageID,
		Type:          typ,
		AffectedUsers: users,
		Severity:      SeverityMedium,
		Status:        ConflictPending,
		Description:   truncate(description, 500),
		DetectedAt:    time.Now().UTC(),
	}
	if err := e.db.WithContext(ctx).Create(conflict).Error; err != nil {
		e.logger.Warn("记录协作冲突失败",
			zap.String("workflow_id", inst.ID),
			zap.String("type", string(typ)),
			zap.Error(err))
		return
	}
	metrics.ConflictsDetectedTotal.WithLabelValues(string(typ)).Inc()
}
