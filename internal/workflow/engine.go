package workflow

import (
	"context"
	"fmt"
	"time"

	"backend/internal/content"
	"backend/internal/identity"
	"backend/internal/logger"
	"backend/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Pusher 实时推送接口，由 WebSocket Hub 实现
type Pusher interface {
	Push(tenantID, userID string, payload any)
}

// RuleScheduler 延迟规则与截止时间检查的调度接口，由任务队列客户端实现
type RuleScheduler interface {
	// ScheduleRule 延迟 delay 后触发指定阶段规则
	ScheduleRule(workflowID, stageID, ruleID string, delay time.Duration) error
	// ScheduleDeadlineCheck 安排一次截止时间检查
	ScheduleDeadlineCheck(workflowID string, delay time.Duration) error
}

// ConflictObserver 协作冲突检测接口，由 collab.ConflictDetector 实现
// 引擎在审批动作提交后与截止检查时回调，检测失败只记日志。
type ConflictObserver interface {
	CheckApprovalConflict(ctx context.Context, inst *WorkflowInstance, action *WorkflowAction) (*WorkflowConflict, error)
	CheckDeadlineConflict(ctx context.Context, inst *WorkflowInstance, stage *Stage, enteredAt time.Time) (*WorkflowConflict, error)
}

// Engine 工作流实例状态机
// 所有实例变更都通过带版本条件的更新提交，输掉竞争的一方
// 得到 ConcurrentModificationError。状态机提交后的副作用
// （通知、自动化、活动流水）尽力执行，失败只记日志不回滚。
type Engine struct {
	db        *gorm.DB
	templates *TemplateService
	identity  identity.Resolver
	contents  content.Store
	pusher    Pusher
	scheduler RuleScheduler
	conflicts ConflictObserver
	logger    *zap.Logger

	stepBudget int // 单事件自动化步数上限
}

// EngineOption 自定义引擎配置
type EngineOption func(*Engine)

// WithPusher 注入实时推送
func WithPusher(p Pusher) EngineOption {
	return func(e *Engine) { e.pusher = p }
}

// WithScheduler 注入延迟调度
func WithScheduler(s RuleScheduler) EngineOption {
	return func(e *Engine) { e.scheduler = s }
}

// WithConflictObserver 注入协作冲突检测
func WithConflictObserver(o ConflictObserver) EngineOption {
	return func(e *Engine) { e.conflicts = o }
}

// WithStepBudget 设置单事件自动化步数上限
func WithStepBudget(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.stepBudget = n
		}
	}
}

// WithEngineLogger 注入自定义日志器
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine 创建工作流引擎
func NewEngine(db *gorm.DB, resolver identity.Resolver, store content.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		db:         db,
		templates:  NewTemplateService(db),
		identity:   resolver,
		contents:   store,
		logger:     logger.Get(),
		stepBudget: 16,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Templates 返回模板服务
func (e *Engine) Templates() *TemplateService {
	return e.templates
}

// StartOptions 启动工作流的可选参数
type StartOptions struct {
	Title      string
	Priority   Priority
	DueDate    *time.Time
	AssignedTo []string
	Tags       []string
	Settings   *InstanceSettings
}

// StartWorkflow 将模板应用到内容，创建实例
// 实例落在 stages[0]，状态 draft，并记录一条自动化的 submit 动作。
// 模板启用自动指派时为初始阶段负责人创建指派记录，随后触发启动通知。
func (e *Engine) StartWorkflow(ctx context.Context, tenantID, templateID, contentID, initiatorID string, opts *StartOptions) (*WorkflowInstance, error) {
	if opts == nil {
		opts = &StartOptions{}
	}

	// 1. 解析模板与内容
	tpl, err := e.templates.GetTemplate(ctx, tenantID, templateID)
	if err != nil {
		return nil, err
	}
	if !tpl.IsActive {
		return nil, &ValidationError{Reason: "模板已停用"}
	}
	item, err := e.contents.GetContent(ctx, contentID)
	if err != nil {
		return nil, fmt.Errorf("查询内容失败: %w", err)
	}
	if item == nil {
		return nil, &NotFoundError{Kind: "content", ID: contentID}
	}
	if !tpl.AppliesTo(item.Type) {
		return nil, &ValidationError{Reason: fmt.Sprintf("模板不适用于内容类型 %s", item.Type)}
	}

	// 2. 权限检查
	ok, err := e.identity.HasPermission(ctx, initiatorID, identity.CapStartWorkflow)
	if err != nil {
		return nil, fmt.Errorf("权限检查失败: %w", err)
	}
	if !ok {
		return nil, &PermissionError{UserID: initiatorID, Capability: identity.CapStartWorkflow}
	}

	initial := tpl.InitialStage()
	now := time.Now().UTC()

	title := opts.Title
	if title == "" {
		title = item.Title
	}
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	settings := InstanceSettings{NotificationsEnabled: true, CommentsEnabled: true}
	if opts.Settings != nil {
		settings = *opts.Settings
	}

	assignees := opts.AssignedTo
	if len(assignees) == 0 && tpl.Settings.AutoAssignReviewers {
		assignees = append([]string(nil), initial.Assignees...)
	}

	inst := &WorkflowInstance{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		TemplateID:     tpl.ID,
		ContentID:      contentID,
		ContentType:    item.Type,
		Title:          title,
		CurrentStageID: initial.ID,
		Status:         StatusDraft,
		InitiatedBy:    initiatorID,
		AssignedTo:     assignees,
		DueDate:        opts.DueDate,
		Priority:       priority,
		Settings:       settings,
		Tags:           opts.Tags,
		Version:        0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	action := &WorkflowAction{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		WorkflowID:  inst.ID,
		StageID:     initial.ID,
		Action:      ActionTypeSubmit,
		PerformedBy: initiatorID,
		IsAutomated: true,
		CreatedAt:   now,
	}

	// 3. 实例与动作记录同事务创建
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(inst).Error; err != nil {
			return fmt.Errorf("创建实例失败: %w", err)
		}
		if err := tx.Create(action).Error; err != nil {
			return fmt.Errorf("记录启动动作失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.InstancesActive.WithLabelValues(tenantID).Inc()

	// 4. 自动指派初始阶段负责人（尽力执行）
	if tpl.Settings.AutoAssignReviewers {
		for _, assignee := range initial.Assignees {
			if _, err := e.Assign(ctx, inst.ID, initial.ID, assignee, initiatorID, &AssignOptions{Automated: true}); err != nil {
				e.logger.Warn("自动指派失败",
					zap.String("workflow_id", inst.ID),
					zap.String("assignee", assignee),
					zap.Error(err))
			}
		}
	}

	// 5. 启动通知与活动流水（尽力执行）
	e.appendActivity(ctx, inst, initiatorID, "started", fmt.Sprintf("启动了工作流 %s", inst.Title))
	e.fanOutNotifications(ctx, inst, action, NotifyWorkflowStarted,
		"工作流已启动",
		fmt.Sprintf("%s 进入了审批流程", inst.Title),
		inst.AssignedTo)

	// 6. 初始阶段自动化（入场触发）
	budget := e.stepBudget
	e.runAutomation(ctx, inst, tpl, initial, TriggerStageEntered, action, &budget)

	// 7. 截止时间检查
	e.scheduleDeadline(inst, tpl)

	return inst, nil
}

// TransitionOptions 流转的可选参数
type TransitionOptions struct {
	Comment        string
	Attachments    []string
	AssigneeTarget string   // reassign 等动作的目标用户
	NewAssignees   []string // 覆盖目标阶段负责人
	Automated      bool     // 自动化规则发起的流转，跳过权限检查
}

// Transition 核心流转操作
// 步骤 1-3（存在性、权限、边合法性）失败时不产生任何变更；
// 版本条件更新提交后，下游副作用失败只记日志不回滚。
func (e *Engine) Transition(ctx context.Context, workflowID, fromStageID, toStageID string, action ActionType, actorID string, opts *TransitionOptions) (*WorkflowInstance, error) {
	budget := e.stepBudget
	return e.transition(ctx, workflowID, fromStageID, toStageID, action, actorID, opts, &budget)
}

func (e *Engine) transition(ctx context.Context, workflowID, fromStageID, toStageID string, action ActionType, actorID string, opts *TransitionOptions, budget *int) (*WorkflowInstance, error) {
	if opts == nil {
		opts = &TransitionOptions{}
	}

	// 1. 重新读取实例
	inst, err := e.GetInstance(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if inst.CurrentStageID != fromStageID {
		// 调用方持有的是过期视图
		return nil, &ConcurrentModificationError{WorkflowID: workflowID, Version: inst.Version}
	}

	tpl, err := e.templates.GetTemplate(ctx, inst.TenantID, inst.TemplateID)
	if err != nil {
		return nil, err
	}
	fromStage := tpl.StageByID(fromStageID)
	if fromStage == nil {
		return nil, &NotFoundError{Kind: "stage", ID: fromStageID}
	}

	// 2. 权限检查（自动化流转豁免）
	if !opts.Automated {
		if err := e.checkTransitionPermission(ctx, inst, fromStage, action, actorID); err != nil {
			metrics.TransitionFailuresTotal.WithLabelValues("permission").Inc()
			return nil, err
		}
	}

	// 3. 边合法性
	if !tpl.IsSuccessor(fromStageID, toStageID) {
		metrics.TransitionFailuresTotal.WithLabelValues("invalid_transition").Inc()
		return nil, &InvalidTransitionError{WorkflowID: workflowID, FromStage: fromStageID, ToStage: toStageID}
	}
	toStage := tpl.StageByID(toStageID)

	// 4. 计算新状态
	newStatus := deriveStatus(action, toStage)
	now := time.Now().UTC()

	newAssignees := inst.AssignedTo
	if opts.NewAssignees != nil {
		newAssignees = opts.NewAssignees
	} else if tpl.Settings.AutoAssignReviewers && len(toStage.Assignees) > 0 {
		newAssignees = append([]string(nil), toStage.Assignees...)
	}

	actionRec := &WorkflowAction{
		ID:          uuid.New().String(),
		TenantID:    inst.TenantID,
		WorkflowID:  inst.ID,
		StageID:     fromStageID,
		Action:      action,
		PerformedBy: actorID,
		AssignedTo:  opts.AssigneeTarget,
		Comment:     opts.Comment,
		Attachments: opts.Attachments,
		IsAutomated: opts.Automated,
		CreatedAt:   now,
	}

	// JSON 列必须走结构体更新路径，map 更新会绕过 serializer
	instUpdate := &WorkflowInstance{
		CurrentStageID: toStageID,
		Status:         newStatus,
		AssignedTo:     newAssignees,
		Version:        inst.Version + 1,
		UpdatedAt:      now,
	}
	columns := []string{"current_stage_id", "status", "assigned_to", "version", "updated_at"}
	var completedAt *time.Time
	if newStatus.IsTerminal() {
		completedAt = &now
		instUpdate.CompletedAt = completedAt
		columns = append(columns, "completed_at")
	}

	// 5-6. 版本条件更新 + 动作记录 + 出站意图，同一事务提交
	outbox := e.buildOutboxEntries(inst, actionRec, toStage, newStatus)
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&WorkflowInstance{}).
			Where("id = ? AND version = ?", inst.ID, inst.Version).
			Select(columns).
			Updates(instUpdate)
		if res.Error != nil {
			return fmt.Errorf("更新实例失败: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return &ConcurrentModificationError{WorkflowID: inst.ID, Version: inst.Version}
		}
		if err := tx.Create(actionRec).Error; err != nil {
			return fmt.Errorf("记录流转动作失败: %w", err)
		}
		if len(outbox) > 0 {
			if err := tx.Create(&outbox).Error; err != nil {
				return fmt.Errorf("写入出站记录失败: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		if _, conflict := err.(*ConcurrentModificationError); conflict {
			metrics.TransitionFailuresTotal.WithLabelValues("concurrent_modification").Inc()
		}
		return nil, err
	}

	// 提交成功，刷新内存视图
	inst.CurrentStageID = toStageID
	inst.Status = newStatus
	inst.AssignedTo = newAssignees
	inst.Version++
	inst.UpdatedAt = now
	inst.CompletedAt = completedAt

	metrics.TransitionsTotal.WithLabelValues(string(action), string(newStatus)).Inc()
	if newStatus.IsTerminal() {
		metrics.InstancesActive.WithLabelValues(inst.TenantID).Dec()
	}

	// 7. 活动流水（尽力执行）
	e.appendActivity(ctx, inst, actorID, "transitioned",
		fmt.Sprintf("%s: %s -> %s", action, fromStage.Name, toStage.Name))

	// 8. 阶段进出副作用：进入发布阶段且状态为已发布时触发内容发布
	if toStage.Type == StageTypePublication && newStatus == StatusPublished {
		if _, err := e.contents.PublishContent(ctx, inst.ContentID, actorID); err != nil {
			e.logger.Error("触发内容发布失败",
				zap.String("workflow_id", inst.ID),
				zap.String("content_id", inst.ContentID),
				zap.Error(err))
		}
	}

	// 9. 审批动作提交后检测窗口内的相反动作（尽力执行）
	if e.conflicts != nil && (action == ActionTypeApprove || action == ActionTypeReject) {
		if _, err := e.conflicts.CheckApprovalConflict(ctx, inst, actionRec); err != nil {
			e.logger.Warn("审批冲突检测失败",
				zap.String("workflow_id", inst.ID),
				zap.Error(err))
		}
	}

	// 10. 通知扇出：除操作者外的全部实例负责人
	e.fanOutNotifications(ctx, inst, actionRec, NotifyStageChanged,
		"工作流阶段变更",
		fmt.Sprintf("%s 已进入阶段 %s", inst.Title, toStage.Name),
		inst.AssignedTo)
	e.markOutboxDispatched(ctx, outbox)

	// 11. 自动化：先评估旧阶段的完成触发，再评估新阶段的入场触发
	e.runAutomation(ctx, inst, tpl, fromStage, TriggerStageCompleted, actionRec, budget)
	e.runAutomation(ctx, inst, tpl, toStage, TriggerStageEntered, actionRec, budget)

	return inst, nil
}

// checkTransitionPermission 校验操作者在 fromStage 对该动作的权限
// 操作者必须是阶段负责人、实例负责人或持有 manage_workflow 兜底能力，
// 且动作对应的阶段权限开关必须打开。
func (e *Engine) checkTransitionPermission(ctx context.Context, inst *WorkflowInstance, stage *Stage, action ActionType, actorID string) error {
	isStageAssignee := false
	for _, a := range stage.Assignees {
		if a == actorID {
			isStageAssignee = true
			break
		}
	}
	if !isStageAssignee && !inst.IsAssignee(actorID) && inst.InitiatedBy != actorID {
		admin, err := e.identity.HasPermission(ctx, actorID, identity.CapManageWorkflow)
		if err != nil {
			return fmt.Errorf("权限检查失败: %w", err)
		}
		if !admin {
			return &PermissionError{UserID: actorID, Capability: "stage_assignee"}
		}
	}

	// 动作级权限开关
	switch action {
	case ActionTypeApprove:
		if !stage.Permissions.CanApprove {
			return &PermissionError{UserID: actorID, Capability: "canApprove"}
		}
	case ActionTypeReject:
		if !stage.Permissions.CanReject {
			return &PermissionError{UserID: actorID, Capability: "canReject"}
		}
	case ActionTypeReassign:
		if !stage.Permissions.CanReassign {
			return &PermissionError{UserID: actorID, Capability: "canReassign"}
		}
	}
	return nil
}

// deriveStatus 由动作类型与目标阶段类型推导新状态
func deriveStatus(action ActionType, toStage *Stage) InstanceStatus {
	switch action {
	case ActionTypeApprove:
		if toStage.Type == StageTypePublication {
			return StatusPublished
		}
		if len(toStage.NextStages) == 0 {
			// 批准进入终点阶段即整体通过
			return StatusApproved
		}
		return StatusInReview
	case ActionTypeReject:
		return StatusRejected
	case ActionTypePublish:
		return StatusPublished
	case ActionTypeArchive:
		return StatusArchived
	case ActionTypeEscalate:
		return StatusEscalated
	default:
		return StatusInReview
	}
}

// buildOutboxEntries 为本次流转构造出站副作用意图
func (e *Engine) buildOutboxEntries(inst *WorkflowInstance, action *WorkflowAction, toStage *Stage, newStatus InstanceStatus) []*OutboxEntry {
	entries := []*OutboxEntry{
		{
			ID:         uuid.New().String(),
			TenantID:   inst.TenantID,
			WorkflowID: inst.ID,
			ActionID:   action.ID,
			Kind:       "notify",
			Payload: map[string]any{
				"to_stage": toStage.ID,
				"status":   string(newStatus),
			},
			Status:    OutboxPending,
			CreatedAt: action.CreatedAt,
		},
	}
	if toStage.Type == StageTypePublication && newStatus == StatusPublished {
		entries = append(entries, &OutboxEntry{
			ID:         uuid.New().String(),
			TenantID:   inst.TenantID,
			WorkflowID: inst.ID,
			ActionID:   action.ID,
			Kind:       "publish_content",
			Payload:    map[string]any{"content_id": inst.ContentID, "actor": action.PerformedBy},
			Status:     OutboxPending,
			CreatedAt:  action.CreatedAt,
		})
	}
	return entries
}

// markOutboxDispatched 同步分发完成后回写出站状态（尽力执行）
func (e *Engine) markOutboxDispatched(ctx context.Context, entries []*OutboxEntry) {
	if len(entries) == 0 {
		return
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
	}
	now := time.Now().UTC()
	if err := e.db.WithContext(ctx).
		Model(&OutboxEntry{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"status":        OutboxDispatched,
			"dispatched_at": now,
			"attempts":      gorm.Expr("attempts + 1"),
		}).Error; err != nil {
		e.logger.Warn("回写出站状态失败", zap.Error(err))
	}
}

// GetInstance 查询单个实例
func (e *Engine) GetInstance(ctx context.Context, workflowID string) (*WorkflowInstance, error) {
	var inst WorkflowInstance
	err := e.db.WithContext(ctx).
		Where("id = ?", workflowID).
		First(&inst).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &NotFoundError{Kind: "instance", ID: workflowID}
		}
		return nil, fmt.Errorf("查询实例失败: %w", err)
	}
	return &inst, nil
}

// ListActions 按时间顺序返回实例的操作轨迹
func (e *Engine) ListActions(ctx context.Context, workflowID string) ([]*WorkflowAction, error) {
	var actions []*WorkflowAction
	if err := e.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at ASC").
		Find(&actions).Error; err != nil {
		return nil, fmt.Errorf("查询操作轨迹失败: %w", err)
	}
	return actions, nil
}

// appendActivity 追加活动流水，长描述截断到 200 字符
func (e *Engine) appendActivity(ctx context.Context, inst *WorkflowInstance, actorID, kind, description string) {
	entry := &ActivityLog{
		ID:          uuid.New().String(),
		TenantID:    inst.TenantID,
		WorkflowID:  inst.ID,
		ActorID:     actorID,
		Kind:        kind,
		Description: truncate(description, 200),
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.db.WithContext(ctx).Create(entry).Error; err != nil {
		e.logger.Warn("写入活动流水失败",
			zap.String("workflow_id", inst.ID),
			zap.String("kind", kind),
			zap.Error(err))
	}
}

// scheduleDeadline 按实例截止时间安排检查任务
func (e *Engine) scheduleDeadline(inst *WorkflowInstance, tpl *WorkflowTemplate) {
	if e.scheduler == nil || !tpl.Settings.DeadlinesEnabled || inst.DueDate == nil {
		return
	}
	delay := time.Until(*inst.DueDate)
	if delay < 0 {
		delay = 0
	}
	if err := e.scheduler.ScheduleDeadlineCheck(inst.ID, delay); err != nil {
		e.logger.Warn("安排截止时间检查失败",
			zap.String("workflow_id", inst.ID),
			zap.Error(err))
	}
}

// truncate 按 rune 截断，超长补省略号
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
