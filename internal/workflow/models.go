package workflow

import (
	"time"
)

// StageType 阶段类型枚举
type StageType string

const (
	StageTypeReview        StageType = "review"         // 内容审阅
	StageTypeApproval      StageType = "approval"       // 审批
	StageTypeEditing       StageType = "editing"        // 编辑修改
	StageTypeLegal         StageType = "legal"          // 法务审核
	StageTypeFinalApproval StageType = "final_approval" // 终审
	StageTypePublication   StageType = "publication"    // 发布
	StageTypeCustom        StageType = "custom"         // 自定义
)

// StagePermissions 阶段权限开关
type StagePermissions struct {
	CanEdit           bool `json:"canEdit"`
	CanComment        bool `json:"canComment"`
	CanApprove        bool `json:"canApprove"`
	CanReject         bool `json:"canReject"`
	CanReassign       bool `json:"canReassign"`
	CanSkip           bool `json:"canSkip"`
	CanViewComments   bool `json:"canViewComments"`
	CanAddAttachments bool `json:"canAddAttachments"`
}

// Stage 工作流模板中的一个阶段节点
type Stage struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Type              StageType        `json:"type"`
	Assignees         []string         `json:"assignees,omitempty"`         // 阶段默认负责人
	RequiredApprovals int              `json:"requiredApprovals,omitempty"` // 需要的审批数
	Optional          bool             `json:"optional,omitempty"`          // 可跳过阶段
	TimeoutHours      int              `json:"timeoutHours,omitempty"`      // 阶段超时（小时），0 表示不限
	NextStages        []string         `json:"nextStages,omitempty"`        // 出边：合法的后继阶段 ID
	Permissions       StagePermissions `json:"permissions"`
	AutomationRules   []AutomationRule `json:"automationRules,omitempty"` // 有序自动化规则
}

// TemplateSettings 模板级全局设置
type TemplateSettings struct {
	AllowParallelStages  bool `json:"allowParallelStages,omitempty"`
	RequireAllApprovals  bool `json:"requireAllApprovals,omitempty"`
	AutoAssignReviewers  bool `json:"autoAssignReviewers,omitempty"`
	DeadlinesEnabled     bool `json:"deadlinesEnabled,omitempty"`
	CollaborationEnabled bool `json:"collaborationEnabled,omitempty"`
}

// WorkflowTemplate 工作流模板
// 一旦被运行中的实例引用，阶段图即冻结，只允许修改非图元数据。
type WorkflowTemplate struct {
	ID          string `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID    string `json:"tenantId" gorm:"type:uuid;index"`
	Name        string `json:"name" gorm:"size:255;not null"`
	Description string `json:"description" gorm:"type:text"`

	// 阶段图（JSONB），stages[0] 恒为实例化时的初始阶段
	Stages []Stage `json:"stages" gorm:"type:jsonb;not null;serializer:json"`

	// 全局设置
	Settings TemplateSettings `json:"settings" gorm:"type:jsonb;serializer:json"`

	// 适用的内容类型，空表示不限
	ContentTypes []string `json:"contentTypes,omitempty" gorm:"type:jsonb;serializer:json"`

	IsActive  bool   `json:"isActive" gorm:"default:true"`
	CreatedBy string `json:"createdBy" gorm:"size:100"`

	CreatedAt time.Time  `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time  `json:"updatedAt" gorm:"not null;autoUpdateTime"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" gorm:"index"`
}

func (WorkflowTemplate) TableName() string {
	return "workflow_templates"
}

// StageByID 按 ID 查找阶段，找不到返回 nil
func (t *WorkflowTemplate) StageByID(stageID string) *Stage {
	for i := range t.Stages {
		if t.Stages[i].ID == stageID {
			return &t.Stages[i]
		}
	}
	return nil
}

// InitialStage 返回模板的初始阶段（stages[0]）
func (t *WorkflowTemplate) InitialStage() *Stage {
	if len(t.Stages) == 0 {
		return nil
	}
	return &t.Stages[0]
}

// IsSuccessor 判断 to 是否为 from 的直接后继
func (t *WorkflowTemplate) IsSuccessor(fromStageID, toStageID string) bool {
	from := t.StageByID(fromStageID)
	if from == nil {
		return false
	}
	for _, next := range from.NextStages {
		if next == toStageID {
			return true
		}
	}
	return false
}

// RuleTrigger 自动化规则触发器类型
type RuleTrigger string

const (
	TriggerStageEntered        RuleTrigger = "stage_entered"
	TriggerStageCompleted      RuleTrigger = "stage_completed"
	TriggerTimeElapsed         RuleTrigger = "time_elapsed"
	TriggerDeadlineApproaching RuleTrigger = "deadline_approaching"
	TriggerUserAction          RuleTrigger = "user_action"
	TriggerContentUpdated      RuleTrigger = "content_updated"
)

// ConditionLogic 条件组合方式
type ConditionLogic string

const (
	LogicAnd ConditionLogic = "and"
	LogicOr  ConditionLogic = "or"
)

// RuleCondition 规则条件（字段/操作符/值三元组）
// Operator 支持 eq、ne、gt、gte、lt、lte、in、contains、regex，
// 以及 expression（Field 留空，Value 为 govaluate 表达式）。
type RuleCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// RuleActionType 自动化动作类型
type RuleActionType string

const (
	ActionAssignUser       RuleActionType = "assign_user"
	ActionSendNotification RuleActionType = "send_notification"
	ActionTransitionStage  RuleActionType = "transition_stage"
	ActionUpdateField      RuleActionType = "update_field"
	ActionCreateTask       RuleActionType = "create_task"
	ActionEscalate         RuleActionType = "escalate"
)

// RuleAction 自动化动作，按声明顺序执行
type RuleAction struct {
	Type   RuleActionType `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// AutomationRule 阶段自动化规则
type AutomationRule struct {
	ID           string          `json:"id"`
	Name         string          `json:"name,omitempty"`
	Trigger      RuleTrigger     `json:"trigger"`
	DelayMinutes int             `json:"delayMinutes,omitempty"` // 延迟触发（分钟）
	Conditions   []RuleCondition `json:"conditions,omitempty"`
	Logic        ConditionLogic  `json:"logic,omitempty"` // 默认 and
	Actions      []RuleAction    `json:"actions,omitempty"`
	IsActive     bool            `json:"isActive"`
}
