package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"backend/internal/metrics"

	"github.com/Knetic/govaluate"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// runAutomation 评估某阶段在指定触发器下的自动化规则
// 规则按模板声明顺序执行；带延迟的规则交给调度器，到期后由
// worker 回调 RunScheduledRule。budget 为单事件步数上限的剩余值，
// 每执行一个动作扣减一步，耗尽后立即停止并记日志，防止
// transition_stage 动作造成的规则级联无限循环。
func (e *Engine) runAutomation(ctx context.Context, inst *WorkflowInstance, tpl *WorkflowTemplate, stage *Stage, trigger RuleTrigger, action *WorkflowAction, budget *int) {
	for i := range stage.AutomationRules {
		rule := &stage.AutomationRules[i]
		if !rule.IsActive || rule.Trigger != trigger {
			continue
		}

		if rule.DelayMinutes > 0 {
			if e.scheduler == nil {
				e.logger.Warn("缺少调度器，跳过延迟规则",
					zap.String("workflow_id", inst.ID),
					zap.String("rule_id", rule.ID))
				continue
			}
			delay := time.Duration(rule.DelayMinutes) * time.Minute
			if err := e.scheduler.ScheduleRule(inst.ID, stage.ID, rule.ID, delay); err != nil {
				e.logger.Warn("调度延迟规则失败",
					zap.String("workflow_id", inst.ID),
					zap.String("rule_id", rule.ID),
					zap.Error(err))
			}
			continue
		}

		e.executeRule(ctx, inst, tpl, stage, rule, action, budget)
	}
}

// RunScheduledRule 执行一条到期的延迟规则，由 worker 调用
// 规则调度后实例可能已经离开该阶段，此时静默跳过。
func (e *Engine) RunScheduledRule(ctx context.Context, workflowID, stageID, ruleID string) error {
	inst, err := e.GetInstance(ctx, workflowID)
	if err != nil {
		return err
	}
	if inst.CurrentStageID != stageID {
		e.logger.Debug("延迟规则到期时实例已离开阶段，跳过",
			zap.String("workflow_id", workflowID),
			zap.String("stage_id", stageID),
			zap.String("rule_id", ruleID))
		return nil
	}
	tpl, err := e.templates.GetTemplate(ctx, inst.TenantID, inst.TemplateID)
	if err != nil {
		return err
	}
	stage := tpl.StageByID(stageID)
	if stage == nil {
		return &NotFoundError{Kind: "stage", ID: stageID}
	}

	for i := range stage.AutomationRules {
		rule := &stage.AutomationRules[i]
		if rule.ID != ruleID {
			continue
		}
		if !rule.IsActive {
			return nil
		}
		budget := e.stepBudget
		e.executeRule(ctx, inst, tpl, stage, rule, nil, &budget)
		return nil
	}
	return &NotFoundError{Kind: "rule", ID: ruleID}
}

// executeRule 条件求值后按声明顺序执行规则动作
// 单个动作失败只记日志并继续后续动作，互不影响。
func (e *Engine) executeRule(ctx context.Context, inst *WorkflowInstance, tpl *WorkflowTemplate, stage *Stage, rule *AutomationRule, action *WorkflowAction, budget *int) {
	matched, err := e.evaluateConditions(inst, stage, rule, action)
	if err != nil {
		e.logger.Warn("规则条件求值失败",
			zap.String("workflow_id", inst.ID),
			zap.String("rule_id", rule.ID),
			zap.Error(err))
		return
	}
	if !matched {
		return
	}

	for i := range rule.Actions {
		if *budget <= 0 {
			e.logger.Warn("自动化步数预算耗尽，停止执行",
				zap.String("workflow_id", inst.ID),
				zap.String("rule_id", rule.ID),
				zap.Int("limit", e.stepBudget))
			metrics.AutomationActionsTotal.WithLabelValues("budget_exhausted", "halted").Inc()
			return
		}
		*budget--

		act := &rule.Actions[i]
		if err := e.executeAction(ctx, inst, stage, rule, act, budget); err != nil {
			metrics.AutomationActionsTotal.WithLabelValues(string(act.Type), "failure").Inc()
			e.logger.Warn("自动化动作执行失败",
				zap.String("workflow_id", inst.ID),
				zap.String("rule_id", rule.ID),
				zap.String("action", string(act.Type)),
				zap.Error(err))
			continue
		}
		metrics.AutomationActionsTotal.WithLabelValues(string(act.Type), "success").Inc()
	}
}

// evaluateConditions 按 Logic 组合求值规则的全部条件
// and 遇假短路，or 遇真短路；没有条件视为恒真。
func (e *Engine) evaluateConditions(inst *WorkflowInstance, stage *Stage, rule *AutomationRule, action *WorkflowAction) (bool, error) {
	if len(rule.Conditions) == 0 {
		return true, nil
	}
	logic := rule.Logic
	if logic == "" {
		logic = LogicAnd
	}

	for i := range rule.Conditions {
		cond := &rule.Conditions[i]
		ok, err := e.evaluateCondition(inst, stage, cond, action)
		if err != nil {
			return false, fmt.Errorf("条件 %d 求值失败: %w", i, err)
		}
		if logic == LogicAnd && !ok {
			return false, nil
		}
		if logic == LogicOr && ok {
			return true, nil
		}
	}
	return logic == LogicAnd, nil
}

// evaluateCondition 单条件求值
func (e *Engine) evaluateCondition(inst *WorkflowInstance, stage *Stage, cond *RuleCondition, action *WorkflowAction) (bool, error) {
	if cond.Operator == "expression" {
		return e.evaluateExpression(inst, stage, cond, action)
	}

	actual, ok := conditionField(inst, stage, action, cond.Field)
	if !ok {
		return false, fmt.Errorf("未知条件字段: %s", cond.Field)
	}

	switch cond.Operator {
	case "eq":
		return valuesEqual(actual, cond.Value), nil
	case "ne":
		return !valuesEqual(actual, cond.Value), nil
	case "gt", "gte", "lt", "lte":
		left, lok := toFloat(actual)
		right, rok := toFloat(cond.Value)
		if !lok || !rok {
			return false, fmt.Errorf("操作符 %s 要求数值，得到 %v 与 %v", cond.Operator, actual, cond.Value)
		}
		switch cond.Operator {
		case "gt":
			return left > right, nil
		case "gte":
			return left >= right, nil
		case "lt":
			return left < right, nil
		default:
			return left <= right, nil
		}
	case "in":
		items, ok := cond.Value.([]any)
		if !ok {
			return false, fmt.Errorf("操作符 in 要求数组值")
		}
		for _, item := range items {
			if valuesEqual(actual, item) {
				return true, nil
			}
		}
		return false, nil
	case "contains":
		switch v := actual.(type) {
		case string:
			return strings.Contains(v, fmt.Sprint(cond.Value)), nil
		case []string:
			want := fmt.Sprint(cond.Value)
			for _, item := range v {
				if item == want {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, fmt.Errorf("操作符 contains 不支持字段类型 %T", actual)
		}
	case "regex":
		pattern, ok := cond.Value.(string)
		if !ok {
			return false, fmt.Errorf("操作符 regex 要求字符串模式")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("正则编译失败: %w", err)
		}
		return re.MatchString(fmt.Sprint(actual)), nil
	default:
		return false, fmt.Errorf("未知操作符: %s", cond.Operator)
	}
}

// evaluateExpression 用 govaluate 求值复合表达式
// 表达式可引用 conditionField 暴露的全部字段名。
func (e *Engine) evaluateExpression(inst *WorkflowInstance, stage *Stage, cond *RuleCondition, action *WorkflowAction) (bool, error) {
	src, ok := cond.Value.(string)
	if !ok {
		return false, fmt.Errorf("expression 操作符要求字符串表达式")
	}
	expr, err := govaluate.NewEvaluableExpression(src)
	if err != nil {
		return false, fmt.Errorf("解析表达式失败: %w", err)
	}

	params := map[string]any{
		"status":       string(inst.Status),
		"priority":     string(inst.Priority),
		"content_type": inst.ContentType,
		"stage_id":     inst.CurrentStageID,
		"stage_type":   string(stage.Type),
		"title":        inst.Title,
		"version":      float64(inst.Version),
		"age_hours":    time.Since(inst.CreatedAt).Hours(),
	}
	if action != nil {
		params["action"] = string(action.Action)
		params["actor"] = action.PerformedBy
		params["automated"] = action.IsAutomated
	}
	for k, v := range inst.Settings.CustomFields {
		params[k] = v
	}

	result, err := expr.Evaluate(params)
	if err != nil {
		return false, fmt.Errorf("表达式求值失败: %w", err)
	}
	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("表达式结果不是布尔值: %v", result)
	}
	return matched, nil
}

// conditionField 解析条件字段在当前上下文中的取值
func conditionField(inst *WorkflowInstance, stage *Stage, action *WorkflowAction, field string) (any, bool) {
	switch field {
	case "status":
		return string(inst.Status), true
	case "priority":
		return string(inst.Priority), true
	case "content_type":
		return inst.ContentType, true
	case "title":
		return inst.Title, true
	case "stage_id":
		return inst.CurrentStageID, true
	case "stage_type":
		return string(stage.Type), true
	case "tags":
		return inst.Tags, true
	case "assignee_count":
		return len(inst.AssignedTo), true
	case "version":
		return inst.Version, true
	case "age_hours":
		return time.Since(inst.CreatedAt).Hours(), true
	case "action":
		if action == nil {
			return "", true
		}
		return string(action.Action), true
	case "actor":
		if action == nil {
			return "", true
		}
		return action.PerformedBy, true
	}
	if v, ok := inst.Settings.CustomFields[field]; ok {
		return v, true
	}
	return nil, false
}

// executeAction 执行单个自动化动作
func (e *Engine) executeAction(ctx context.Context, inst *WorkflowInstance, stage *Stage, rule *AutomationRule, act *RuleAction, budget *int) error {
	switch act.Type {
	case ActionAssignUser:
		userID := paramString(act.Params, "user_id")
		if userID == "" {
			return fmt.Errorf("assign_user 缺少 user_id 参数")
		}
		_, err := e.Assign(ctx, inst.ID, stage.ID, userID, "system", &AssignOptions{Automated: true})
		return err

	case ActionSendNotification:
		recipients := paramStrings(act.Params, "recipients")
		if len(recipients) == 0 {
			recipients = inst.AssignedTo
		}
		title := paramString(act.Params, "title")
		if title == "" {
			title = "工作流自动通知"
		}
		actionRec := &WorkflowAction{
			ID:          uuid.New().String(),
			TenantID:    inst.TenantID,
			WorkflowID:  inst.ID,
			StageID:     stage.ID,
			Action:      ActionTypeComment,
			PerformedBy: "system",
			IsAutomated: true,
			CreatedAt:   time.Now().UTC(),
		}
		e.notifyUsers(ctx, inst, actionRec, NotifyStageChanged,
			title, paramString(act.Params, "message"), recipients)
		return nil

	case ActionTransitionStage:
		target := paramString(act.Params, "target_stage")
		if target == "" {
			return fmt.Errorf("transition_stage 缺少 target_stage 参数")
		}
		transitionAction := ActionType(paramString(act.Params, "action"))
		if transitionAction == "" {
			transitionAction = ActionTypeApprove
		}
		_, err := e.transition(ctx, inst.ID, inst.CurrentStageID, target, transitionAction, "system",
			&TransitionOptions{Comment: fmt.Sprintf("自动化规则 %s 触发", rule.ID), Automated: true}, budget)
		if err == nil {
			// 流转成功后当前上下文的实例视图已过期，刷新供后续动作使用
			if fresh, ferr := e.GetInstance(ctx, inst.ID); ferr == nil {
				*inst = *fresh
			}
		}
		return err

	case ActionUpdateField:
		return e.applyFieldUpdate(ctx, inst, act.Params)

	case ActionCreateTask:
		title := paramString(act.Params, "title")
		if title == "" {
			return fmt.Errorf("create_task 缺少 title 参数")
		}
		task := &WorkflowTask{
			ID:         uuid.New().String(),
			TenantID:   inst.TenantID,
			WorkflowID: inst.ID,
			StageID:    stage.ID,
			Title:      title,
			AssignedTo: paramString(act.Params, "assigned_to"),
			CreatedBy:  "system",
			Priority:   inst.Priority,
			Status:     TaskPending,
			CreatedAt:  time.Now().UTC(),
			UpdatedAt:  time.Now().UTC(),
		}
		if err := e.db.WithContext(ctx).Create(task).Error; err != nil {
			return fmt.Errorf("创建自动化任务失败: %w", err)
		}
		return nil

	case ActionEscalate:
		return e.escalate(ctx, inst, stage, paramStrings(act.Params, "escalate_to"))

	default:
		return fmt.Errorf("未知动作类型: %s", act.Type)
	}
}

// applyFieldUpdate 更新实例上允许自动化修改的字段
// 仅白名单内的字段可写，更新带版本条件。
func (e *Engine) applyFieldUpdate(ctx context.Context, inst *WorkflowInstance, params map[string]any) error {
	field := paramString(params, "field")
	value := params["value"]

	// JSON 列走结构体更新以应用 serializer
	update := &WorkflowInstance{
		Version:   inst.Version + 1,
		UpdatedAt: time.Now().UTC(),
	}
	columns := []string{"version", "updated_at"}
	switch field {
	case "priority":
		update.Priority = Priority(fmt.Sprint(value))
		columns = append(columns, "priority")
	case "title":
		update.Title = fmt.Sprint(value)
		columns = append(columns, "title")
	case "tags":
		update.Tags = toStrings(value)
		columns = append(columns, "tags")
	default:
		if field == "" {
			return fmt.Errorf("update_field 缺少 field 参数")
		}
		settings := inst.Settings
		if settings.CustomFields == nil {
			settings.CustomFields = make(map[string]any)
		}
		settings.CustomFields[field] = value
		update.Settings = settings
		columns = append(columns, "settings")
	}

	res := e.db.WithContext(ctx).
		Model(&WorkflowInstance{}).
		Where("id = ? AND version = ?", inst.ID, inst.Version).
		Select(columns).
		Updates(update)
	if res.Error != nil {
		return fmt.Errorf("更新实例字段失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &ConcurrentModificationError{WorkflowID: inst.ID, Version: inst.Version}
	}
	inst.Version++
	return nil
}

// escalate 升级实例：状态置为 escalated 并通知升级目标
// 空目标时回退通知全部实例负责人。
func (e *Engine) escalate(ctx context.Context, inst *WorkflowInstance, stage *Stage, escalateTo []string) error {
	now := time.Now().UTC()
	res := e.db.WithContext(ctx).
		Model(&WorkflowInstance{}).
		Where("id = ? AND version = ?", inst.ID, inst.Version).
		Updates(map[string]any{
			"status":     StatusEscalated,
			"version":    inst.Version + 1,
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("升级实例失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &ConcurrentModificationError{WorkflowID: inst.ID, Version: inst.Version}
	}
	inst.Status = StatusEscalated
	inst.Version++

	actionRec := &WorkflowAction{
		ID:          uuid.New().String(),
		TenantID:    inst.TenantID,
		WorkflowID:  inst.ID,
		StageID:     stage.ID,
		Action:      ActionTypeEscalate,
		PerformedBy: "system",
		IsAutomated: true,
		CreatedAt:   now,
	}
	if err := e.db.WithContext(ctx).Create(actionRec).Error; err != nil {
		e.logger.Warn("记录升级动作失败", zap.String("workflow_id", inst.ID), zap.Error(err))
	}

	recipients := escalateTo
	if len(recipients) == 0 {
		recipients = inst.AssignedTo
	}
	e.notifyUsers(ctx, inst, actionRec, NotifyEscalated,
		"工作流已升级",
		fmt.Sprintf("%s 在阶段 %s 被升级处理", inst.Title, stage.Name),
		recipients)
	e.appendActivity(ctx, inst, "system", "escalated",
		fmt.Sprintf("阶段 %s 触发升级", stage.Name))
	return nil
}

// paramString 从动作参数中取字符串
func paramString(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// paramStrings 从动作参数中取字符串数组，兼容 []any 与 []string
func paramStrings(params map[string]any, key string) []string {
	if params == nil {
		return nil
	}
	return toStrings(params[key])
}

func toStrings(v any) []string {
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

// valuesEqual 字符串化后比较，数值优先按数值比较
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// toFloat 宽松数值转换，JSON 反序列化的数值统一是 float64
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
