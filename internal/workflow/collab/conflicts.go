package collab

import (
	"context"
	"fmt"
	"time"

	"backend/internal/metrics"
	"backend/internal/workflow"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ConflictDetector 协作冲突检测
// 检出的冲突以 pending 状态落库，等待人工或升级处理。
type ConflictDetector struct {
	db     *gorm.DB
	window time.Duration // 视为"同时"的时间窗口
	clock  Clock
	logger *zap.Logger
}

var _ workflow.ConflictObserver = (*ConflictDetector)(nil)

// NewConflictDetector 创建冲突检测器
func NewConflictDetector(db *gorm.DB, window time.Duration, clock Clock, logger *zap.Logger) *ConflictDetector {
	if window <= 0 {
		window = 30 * time.Second
	}
	if clock == nil {
		clock = realClock{}
	}
	return &ConflictDetector{db: db, window: window, clock: clock, logger: logger}
}

// CheckApprovalConflict 检测同一阶段窗口内的相反审批动作
// action 为刚提交的动作；窗口内存在相反方向（approve 对 reject）
// 的其他用户动作时记一条 approval_conflict。
func (d *ConflictDetector) CheckApprovalConflict(ctx context.Context, inst *workflow.WorkflowInstance, action *workflow.WorkflowAction) (*workflow.WorkflowConflict, error) {
	var opposite workflow.ActionType
	switch action.Action {
	case workflow.ActionTypeApprove:
		opposite = workflow.ActionTypeReject
	case workflow.ActionTypeReject:
		opposite = workflow.ActionTypeApprove
	default:
		return nil, nil
	}

	since := action.CreatedAt.Add(-d.window)
	var conflicting []*workflow.WorkflowAction
	err := d.db.WithContext(ctx).
		Where("workflow_id = ? AND stage_id = ? AND action = ? AND performed_by <> ? AND created_at >= ?",
			action.WorkflowID, action.StageID, opposite, action.PerformedBy, since).
		Find(&conflicting).Error
	if err != nil {
		return nil, fmt.Errorf("查询相反动作失败: %w", err)
	}
	if len(conflicting) == 0 {
		return nil, nil
	}

	users := []string{action.PerformedBy}
	for _, c := range conflicting {
		users = append(users, c.PerformedBy)
	}
	return d.record(ctx, inst, action.StageID, workflow.ConflictApproval, workflow.SeverityHigh, users,
		fmt.Sprintf("阶段 %s 在 %s 窗口内出现相反的审批动作", action.StageID, d.window))
}

// CheckConcurrentEdit 检测同一阶段上多个用户同时处于编辑态
func (d *ConflictDetector) CheckConcurrentEdit(ctx context.Context, inst *workflow.WorkflowInstance, stageID string, active []*ActiveUser) (*workflow.WorkflowConflict, error) {
	var editors []string
	for _, u := range active {
		if u.IsEditing && u.CursorStageID == stageID {
			editors = append(editors, u.UserID)
		}
	}
	if len(editors) < 2 {
		return nil, nil
	}
	return d.record(ctx, inst, stageID, workflow.ConflictConcurrentEdit, workflow.SeverityMedium, editors,
		fmt.Sprintf("阶段 %s 上有 %d 个用户同时处于编辑态", stageID, len(editors)))
}

// CheckDeadlineConflict 检测阶段停留时长超过模板配置的超时
// enteredAt 为实例进入当前阶段的时间。
func (d *ConflictDetector) CheckDeadlineConflict(ctx context.Context, inst *workflow.WorkflowInstance, stage *workflow.Stage, enteredAt time.Time) (*workflow.WorkflowConflict, error) {
	if stage.TimeoutHours <= 0 {
		return nil, nil
	}
	deadline := enteredAt.Add(time.Duration(stage.TimeoutHours) * time.Hour)
	if d.clock.Now().Before(deadline) {
		return nil, nil
	}
	return d.record(ctx, inst, stage.ID, workflow.ConflictDeadline, workflow.SeverityHigh, inst.AssignedTo,
		fmt.Sprintf("阶段 %s 停留已超过 %d 小时", stage.Name, stage.TimeoutHours))
}

// ListPending 返回工作流上待处理的冲突
func (d *ConflictDetector) ListPending(ctx context.Context, workflowID string) ([]*workflow.WorkflowConflict, error) {
	var conflicts []*workflow.WorkflowConflict
	if err := d.db.WithContext(ctx).
		Where("workflow_id = ? AND status = ?", workflowID, workflow.ConflictPending).
		Order("detected_at ASC").
		Find(&conflicts).Error; err != nil {
		return nil, fmt.Errorf("查询冲突失败: %w", err)
	}
	return conflicts, nil
}

// Resolve 关闭一条冲突
func (d *ConflictDetector) Resolve(ctx context.Context, conflictID, resolverID, resolution string) error {
	now := d.clock.Now()
	res := d.db.WithContext(ctx).
		Model(&workflow.WorkflowConflict{}).
		Where("id = ? AND status = ?", conflictID, workflow.ConflictPending).
		Updates(map[string]any{
			"status":      workflow.ConflictResolved,
			"resolved_by": resolverID,
			"resolved_at": now,
			"resolution":  resolution,
		})
	if res.Error != nil {
		return fmt.Errorf("关闭冲突失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &workflow.NotFoundError{Kind: "conflict", ID: conflictID}
	}
	return nil
}

func (d *ConflictDetector) record(ctx context.Context, inst *workflow.WorkflowInstance, stageID string, typ workflow.ConflictType, severity workflow.ConflictSeverity, users []string, description string) (*workflow.WorkflowConflict, error) {
	conflict := &workflow.WorkflowConflict{
		ID:            uuid.New().String(),
		TenantID:      inst.TenantID,
		WorkflowID:    inst.ID,
		StageID:       stageID,
		Type:          typ,
		AffectedUsers: dedupe(users),
		Severity:      severity,
		Status:        workflow.ConflictPending,
		Description:   description,
		DetectedAt:    d.clock.Now(),
	}
	if err := d.db.WithContext(ctx).Create(conflict).Error; err != nil {
		return nil, fmt.Errorf("记录冲突失败: %w", err)
	}
	metrics.ConflictsDetectedTotal.WithLabelValues(string(typ)).Inc()
	d.logger.Info("检出协作冲突",
		zap.String("workflow_id", inst.ID),
		zap.String("type", string(typ)),
		zap.Strings("users", conflict.AffectedUsers))
	return conflict, nil
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
