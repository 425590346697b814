package workflow

import (
	"fmt"
)

// ValidateTemplate 校验模板的阶段图
// 合法条件：
//  1. 至少包含一个阶段，stages[0] 作为实例化时的初始阶段
//  2. 阶段 ID 全局唯一且非空
//  3. 每个阶段的 NextStages 只能引用同一模板内存在的阶段 ID
//  4. 自动化规则的触发器与动作类型必须是已知枚举
//
// 校验失败返回 *ValidationError，并指明出错的阶段。
func ValidateTemplate(t *WorkflowTemplate) error {
	if len(t.Stages) == 0 {
		return &ValidationError{Reason: "模板至少需要一个阶段"}
	}

	// 1. 阶段 ID 唯一性
	stageIDs := make(map[string]bool, len(t.Stages))
	for _, stage := range t.Stages {
		if stage.ID == "" {
			return &ValidationError{Reason: "阶段 ID 不能为空"}
		}
		if stageIDs[stage.ID] {
			return &ValidationError{StageID: stage.ID, Reason: "阶段 ID 重复"}
		}
		stageIDs[stage.ID] = true
	}

	// 2. 出边有效性与规则枚举
	for _, stage := range t.Stages {
		for _, next := range stage.NextStages {
			if !stageIDs[next] {
				return &ValidationError{
					StageID: stage.ID,
					Reason:  fmt.Sprintf("后继阶段 %s 在模板中不存在", next),
				}
			}
		}
		for _, rule := range stage.AutomationRules {
			if err := validateRule(stage.ID, rule); err != nil {
				return err
			}
		}
	}

	return nil
}

var knownTriggers = map[RuleTrigger]bool{
	TriggerStageEntered:        true,
	TriggerStageCompleted:      true,
	TriggerTimeElapsed:         true,
	TriggerDeadlineApproaching: true,
	TriggerUserAction:          true,
	TriggerContentUpdated:      true,
}

var knownActions = map[RuleActionType]bool{
	ActionAssignUser:       true,
	ActionSendNotification: true,
	ActionTransitionStage:  true,
	ActionUpdateField:      true,
	ActionCreateTask:       true,
	ActionEscalate:         true,
}

func validateRule(stageID string, rule AutomationRule) error {
	if !knownTriggers[rule.Trigger] {
		return &ValidationError{
			StageID: stageID,
			Reason:  fmt.Sprintf("规则 %s 的触发器 %s 未知", rule.ID, rule.Trigger),
		}
	}
	if rule.Logic != "" && rule.Logic != LogicAnd && rule.Logic != LogicOr {
		return &ValidationError{
			StageID: stageID,
			Reason:  fmt.Sprintf("规则 %s 的条件组合方式 %s 未知", rule.ID, rule.Logic),
		}
	}
	for _, action := range rule.Actions {
		if !knownActions[action.Type] {
			return &ValidationError{
				StageID: stageID,
				Reason:  fmt.Sprintf("规则 %s 的动作类型 %s 未知", rule.ID, action.Type),
			}
		}
	}
	return nil
}

// ValidateTaskDependencies 校验任务依赖无环
// tasks 为同一工作流下的全部任务（含待保存的），依赖指向不存在的任务同样视为非法。
func ValidateTaskDependencies(tasks []*WorkflowTask) error {
	byID := make(map[string]*WorkflowTask, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}

	const (
		white = 0 // 未访问
		gray  = 1 // 访问中
		black = 2 // 已完成
	)
	color := make(map[string]int, len(tasks))

	var visit func(id string) error
	visit = func(id string) error {
		task, ok := byID[id]
		if !ok {
			return &ValidationError{Reason: fmt.Sprintf("依赖的任务 %s 不存在", id)}
		}
		switch color[id] {
		case gray:
			return &ValidationError{Reason: fmt.Sprintf("任务依赖存在环: %s", id)}
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range task.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for _, task := range tasks {
		if err := visit(task.ID); err != nil {
			return err
		}
	}
	return nil
}
