package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingScheduler 记录调度请求的假调度器
type recordingScheduler struct {
	rules     []scheduledRuleCall
	deadlines []string
}

type scheduledRuleCall struct {
	workflowID string
	stageID    string
	ruleID     string
	delay      time.Duration
}

func (s *recordingScheduler) ScheduleRule(workflowID, stageID, ruleID string, delay time.Duration) error {
	s.rules = append(s.rules, scheduledRuleCall{workflowID, stageID, ruleID, delay})
	return nil
}

func (s *recordingScheduler) ScheduleDeadlineCheck(workflowID string, _ time.Duration) error {
	s.deadlines = append(s.deadlines, workflowID)
	return nil
}

// pingPongStages 两个互相流转的阶段，用于验证规则级联被步数预算拦截
func pingPongStages() []Stage {
	return []Stage{
		{
			ID: "ping", Name: "乒", Type: StageTypeCustom, NextStages: []string{"pong"},
			AutomationRules: []AutomationRule{{
				ID: "to-pong", Trigger: TriggerStageEntered, IsActive: true,
				Actions: []RuleAction{{
					Type:   ActionTransitionStage,
					Params: map[string]any{"target_stage": "pong"},
				}},
			}},
		},
		{
			ID: "pong", Name: "乓", Type: StageTypeCustom, NextStages: []string{"ping"},
			AutomationRules: []AutomationRule{{
				ID: "to-ping", Trigger: TriggerStageEntered, IsActive: true,
				Actions: []RuleAction{{
					Type:   ActionTransitionStage,
					Params: map[string]any{"target_stage": "ping"},
				}},
			}},
		},
	}
}

func TestAutomationCascadeHaltsOnStepBudget(t *testing.T) {
	e, resolver, store := newTestEngine(t, WithStepBudget(4))
	seedUsers(resolver)
	seedContent(store, "content-1")
	ctx := context.Background()

	tpl, err := e.Templates().CreateTemplate(ctx, &CreateTemplateRequest{
		TenantID: testTenant,
		Name:     "循环流转",
		Stages:   pingPongStages(),
	})
	require.NoError(t, err)

	inst, err := e.StartWorkflow(ctx, testTenant, tpl.ID, "content-1", "author-1", nil)
	require.NoError(t, err)

	// 每次自动流转消耗一步预算，级联在预算耗尽处停止
	var automated int64
	require.NoError(t, e.db.Model(&WorkflowAction{}).
		Where("workflow_id = ? AND action = ? AND is_automated = ?", inst.ID, ActionTypeApprove, true).
		Count(&automated).Error)
	require.Equal(t, int64(4), automated)

	fresh, err := e.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, 4, fresh.Version)
}

func TestDelayedRuleGoesToScheduler(t *testing.T) {
	scheduler := &recordingScheduler{}
	e, resolver, store := newTestEngine(t, WithScheduler(scheduler))
	seedUsers(resolver)
	seedContent(store, "content-1")
	ctx := context.Background()

	stages := editorialStages()
	stages[0].AutomationRules = []AutomationRule{{
		ID: "nudge", Trigger: TriggerStageEntered, DelayMinutes: 30, IsActive: true,
		Actions: []RuleAction{{
			Type:   ActionSendNotification,
			Params: map[string]any{"recipients": []any{"author-1"}, "message": "别忘了提交"},
		}},
	}}
	tpl, err := e.Templates().CreateTemplate(ctx, &CreateTemplateRequest{
		TenantID: testTenant, Name: "带催办", Stages: stages,
	})
	require.NoError(t, err)

	inst, err := e.StartWorkflow(ctx, testTenant, tpl.ID, "content-1", "author-1", nil)
	require.NoError(t, err)

	require.Len(t, scheduler.rules, 1)
	require.Equal(t, inst.ID, scheduler.rules[0].workflowID)
	require.Equal(t, "draft", scheduler.rules[0].stageID)
	require.Equal(t, "nudge", scheduler.rules[0].ruleID)
	require.Equal(t, 30*time.Minute, scheduler.rules[0].delay)

	// 延迟规则不会立即执行
	var notifications int64
	require.NoError(t, e.db.Model(&WorkflowNotification{}).Count(&notifications).Error)
	require.Zero(t, notifications)
}

func TestRunScheduledRuleSkipsWhenStageLeft(t *testing.T) {
	scheduler := &recordingScheduler{}
	e, resolver, store := newTestEngine(t, WithScheduler(scheduler))
	seedUsers(resolver)
	seedContent(store, "content-1")
	ctx := context.Background()

	stages := editorialStages()
	stages[0].AutomationRules = []AutomationRule{{
		ID: "nudge", Trigger: TriggerStageEntered, DelayMinutes: 30, IsActive: true,
		Actions: []RuleAction{{
			Type:   ActionSendNotification,
			Params: map[string]any{"recipients": []any{"author-1"}},
		}},
	}}
	tpl, err := e.Templates().CreateTemplate(ctx, &CreateTemplateRequest{
		TenantID: testTenant, Name: "带催办", Stages: stages,
	})
	require.NoError(t, err)

	inst, err := e.StartWorkflow(ctx, testTenant, tpl.ID, "content-1", "author-1", nil)
	require.NoError(t, err)
	_, err = e.Transition(ctx, inst.ID, "draft", "review", ActionTypeSubmit, "author-1", nil)
	require.NoError(t, err)

	// 到期时实例已离开 draft，静默跳过
	require.NoError(t, e.RunScheduledRule(ctx, inst.ID, "draft", "nudge"))

	var notifications int64
	require.NoError(t, e.db.Model(&WorkflowNotification{}).
		Where("type = ?", NotifyStageChanged).Count(&notifications).Error)
	require.Zero(t, notifications)
}

func TestStageEnteredRuleRunsActions(t *testing.T) {
	e, resolver, store := newTestEngine(t)
	seedUsers(resolver)
	seedContent(store, "content-1")
	ctx := context.Background()

	stages := editorialStages()
	stages[1].AutomationRules = []AutomationRule{{
		ID: "on-review", Trigger: TriggerStageEntered, IsActive: true,
		Actions: []RuleAction{
			{
				Type:   ActionSendNotification,
				Params: map[string]any{"recipients": []any{"editor-9"}, "title": "待审阅", "message": "有新稿件"},
			},
			{
				Type:   ActionCreateTask,
				Params: map[string]any{"title": "核对署名与配图"},
			},
		},
	}}
	tpl, err := e.Templates().CreateTemplate(ctx, &CreateTemplateRequest{
		TenantID: testTenant, Name: "带自动化", Stages: stages,
	})
	require.NoError(t, err)

	inst, err := e.StartWorkflow(ctx, testTenant, tpl.ID, "content-1", "author-1", nil)
	require.NoError(t, err)
	_, err = e.Transition(ctx, inst.ID, "draft", "review", ActionTypeSubmit, "author-1", nil)
	require.NoError(t, err)

	var notified int64
	require.NoError(t, e.db.Model(&WorkflowNotification{}).
		Where("recipient = ? AND title = ?", "editor-9", "待审阅").
		Count(&notified).Error)
	require.Equal(t, int64(1), notified)

	tasks, err := e.ListTasks(ctx, inst.ID, "review")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "核对署名与配图", tasks[0].Title)
	require.Equal(t, "system", tasks[0].CreatedBy)
}

func TestEvaluateConditionOperators(t *testing.T) {
	e, _, _ := newTestEngine(t)
	inst := &WorkflowInstance{
		Status:         StatusInReview,
		Priority:       PriorityHigh,
		ContentType:    "article",
		Title:          "秋季专题报道",
		CurrentStageID: "review",
		Tags:           []string{"news", "feature"},
		Version:        3,
		Settings:       InstanceSettings{CustomFields: map[string]any{"word_count": 1200.0}},
		CreatedAt:      time.Now().UTC().Add(-2 * time.Hour),
	}
	stage := &Stage{ID: "review", Type: StageTypeReview}
	action := &WorkflowAction{Action: ActionTypeApprove, PerformedBy: "reviewer-1"}

	cases := []struct {
		name string
		cond RuleCondition
		want bool
	}{
		{"eq", RuleCondition{Field: "priority", Operator: "eq", Value: "high"}, true},
		{"ne", RuleCondition{Field: "status", Operator: "ne", Value: "draft"}, true},
		{"gt", RuleCondition{Field: "version", Operator: "gt", Value: 2}, true},
		{"gte边界", RuleCondition{Field: "version", Operator: "gte", Value: 3}, true},
		{"lt不满足", RuleCondition{Field: "version", Operator: "lt", Value: 3}, false},
		{"lte自定义字段", RuleCondition{Field: "word_count", Operator: "lte", Value: 1200}, true},
		{"in", RuleCondition{Field: "status", Operator: "in", Value: []any{"draft", "in_review"}}, true},
		{"contains标签", RuleCondition{Field: "tags", Operator: "contains", Value: "news"}, true},
		{"contains标题", RuleCondition{Field: "title", Operator: "contains", Value: "秋季"}, true},
		{"regex", RuleCondition{Field: "title", Operator: "regex", Value: "^秋季"}, true},
		{"age_hours", RuleCondition{Field: "age_hours", Operator: "gt", Value: 1}, true},
		{"actor", RuleCondition{Field: "actor", Operator: "eq", Value: "reviewer-1"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.evaluateCondition(inst, stage, &tc.cond, action)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	_, err := e.evaluateCondition(inst, stage, &RuleCondition{Field: "nope", Operator: "eq", Value: 1}, action)
	require.Error(t, err)
	_, err = e.evaluateCondition(inst, stage, &RuleCondition{Field: "status", Operator: "between", Value: 1}, action)
	require.Error(t, err)
}

func TestEvaluateExpressionCondition(t *testing.T) {
	e, _, _ := newTestEngine(t)
	inst := &WorkflowInstance{
		Status:   StatusInReview,
		Priority: PriorityHigh,
		Version:  3,
		Settings: InstanceSettings{CustomFields: map[string]any{"word_count": 1200.0}},
	}
	stage := &Stage{ID: "review", Type: StageTypeReview}

	cond := &RuleCondition{Operator: "expression", Value: "priority == 'high' && version >= 2"}
	got, err := e.evaluateCondition(inst, stage, cond, nil)
	require.NoError(t, err)
	require.True(t, got)

	cond = &RuleCondition{Operator: "expression", Value: "word_count / 2"}
	_, err = e.evaluateCondition(inst, stage, cond, nil)
	require.Error(t, err) // 结果不是布尔值
}

func TestEvaluateConditionsLogic(t *testing.T) {
	e, _, _ := newTestEngine(t)
	inst := &WorkflowInstance{Status: StatusDraft, Priority: PriorityHigh}
	stage := &Stage{ID: "draft"}

	conds := []RuleCondition{
		{Field: "status", Operator: "eq", Value: "in_review"}, // 假
		{Field: "priority", Operator: "eq", Value: "high"},    // 真
	}

	got, err := e.evaluateConditions(inst, stage, &AutomationRule{Conditions: conds, Logic: LogicOr}, nil)
	require.NoError(t, err)
	require.True(t, got)

	got, err = e.evaluateConditions(inst, stage, &AutomationRule{Conditions: conds, Logic: LogicAnd}, nil)
	require.NoError(t, err)
	require.False(t, got)

	// 没有条件视为恒真
	got, err = e.evaluateConditions(inst, stage, &AutomationRule{}, nil)
	require.NoError(t, err)
	require.True(t, got)
}

func TestUpdateFieldActionWhitelist(t *testing.T) {
	e, resolver, store := newTestEngine(t)
	_, inst := startEditorialWorkflow(t, e, resolver, store)
	ctx := context.Background()
	stage := &Stage{ID: "draft"}
	rule := &AutomationRule{ID: "r1"}
	budget := 10

	require.NoError(t, e.executeAction(ctx, inst, stage, rule,
		&RuleAction{Type: ActionUpdateField, Params: map[string]any{"field": "priority", "value": "urgent"}}, &budget))
	require.NoError(t, e.executeAction(ctx, inst, stage, rule,
		&RuleAction{Type: ActionUpdateField, Params: map[string]any{"field": "channel", "value": "app"}}, &budget))
	require.NoError(t, e.executeAction(ctx, inst, stage, rule,
		&RuleAction{Type: ActionUpdateField, Params: map[string]any{"field": "tags", "value": []any{"热点", "加急"}}}, &budget))

	fresh, err := e.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, PriorityUrgent, fresh.Priority)
	require.Equal(t, "app", fresh.Settings.CustomFields["channel"])
	require.Equal(t, []string{"热点", "加急"}, fresh.Tags)
	require.Equal(t, 3, fresh.Version)

	err = e.executeAction(ctx, inst, stage, rule,
		&RuleAction{Type: ActionUpdateField, Params: map[string]any{"value": "x"}}, &budget)
	require.Error(t, err) // 缺少 field 参数
}

func TestEscalateActionNotifiesTargets(t *testing.T) {
	e, resolver, store := newTestEngine(t)
	_, inst := startEditorialWorkflow(t, e, resolver, store)
	ctx := context.Background()
	stage := &Stage{ID: "draft", Name: "起草"}
	budget := 10

	require.NoError(t, e.executeAction(ctx, inst, stage, &AutomationRule{ID: "r1"},
		&RuleAction{Type: ActionEscalate, Params: map[string]any{"escalate_to": []any{"admin-1"}}}, &budget))

	fresh, err := e.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, StatusEscalated, fresh.Status)

	var notified int64
	require.NoError(t, e.db.Model(&WorkflowNotification{}).
		Where("recipient = ? AND type = ?", "admin-1", NotifyEscalated).
		Count(&notified).Error)
	require.Equal(t, int64(1), notified)
}
