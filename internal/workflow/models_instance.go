package workflow

import (
	"time"
)

// InstanceStatus 实例状态枚举
type InstanceStatus string

const (
	StatusDraft     InstanceStatus = "draft"
	StatusInReview  InstanceStatus = "in_review"
	StatusApproved  InstanceStatus = "approved"
	StatusRejected  InstanceStatus = "rejected"
	StatusPublished InstanceStatus = "published"
	StatusArchived  InstanceStatus = "archived"
	StatusScheduled InstanceStatus = "scheduled"
	StatusEscalated InstanceStatus = "escalated"
)

// IsTerminal 终态判断（published / archived / rejected）
// rejected 的实例仍可通过普通流转重新进入较早阶段，由模板边决定。
func (s InstanceStatus) IsTerminal() bool {
	return s == StatusPublished || s == StatusArchived || s == StatusRejected
}

// Priority 实例优先级
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// InstanceSettings 实例级设置
type InstanceSettings struct {
	NotificationsEnabled bool           `json:"notificationsEnabled"`
	CommentsEnabled      bool           `json:"commentsEnabled"`
	IsPublic             bool           `json:"isPublic,omitempty"`
	CustomFields         map[string]any `json:"customFields,omitempty"`
}

// WorkflowInstance 运行中的工作流实例
// 不变式：CurrentStageID 必须是所属模板阶段集合的成员。
// 实例永不硬删除，只能归档。
type WorkflowInstance struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID   string `json:"tenantId" gorm:"type:uuid;index"`
	TemplateID string `json:"templateId" gorm:"type:uuid;not null;index"`

	// 绑定的内容
	ContentID   string `json:"contentId" gorm:"type:uuid;not null;index"`
	ContentType string `json:"contentType" gorm:"size:100"`
	Title       string `json:"title" gorm:"size:255;not null"`

	// 状态机
	CurrentStageID string         `json:"currentStageId" gorm:"size:100;not null;index"`
	Status         InstanceStatus `json:"status" gorm:"size:20;not null;default:draft;index"`

	InitiatedBy string   `json:"initiatedBy" gorm:"type:uuid;not null"`
	AssignedTo  []string `json:"assignedTo" gorm:"type:jsonb;serializer:json"`

	DueDate     *time.Time `json:"dueDate"`
	CompletedAt *time.Time `json:"completedAt"`

	Priority Priority         `json:"priority" gorm:"size:10;not null;default:normal"`
	Settings InstanceSettings `json:"settings" gorm:"type:jsonb;serializer:json"`
	Tags     []string         `json:"tags,omitempty" gorm:"type:jsonb;serializer:json"`

	// 乐观锁版本号，所有实例更新必须带版本条件
	Version int `json:"version" gorm:"not null;default:0"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

func (WorkflowInstance) TableName() string {
	return "workflow_instances"
}

// IsAssignee 判断用户是否为实例级负责人
func (i *WorkflowInstance) IsAssignee(userID string) bool {
	for _, a := range i.AssignedTo {
		if a == userID {
			return true
		}
	}
	return false
}

// ActionType 工作流动作类型
type ActionType string

const (
	ActionTypeSubmit         ActionType = "submit"
	ActionTypeApprove        ActionType = "approve"
	ActionTypeReject         ActionType = "reject"
	ActionTypeRequestChanges ActionType = "request_changes"
	ActionTypeReassign       ActionType = "reassign"
	ActionTypeEscalate       ActionType = "escalate"
	ActionTypePublish        ActionType = "publish"
	ActionTypeArchive        ActionType = "archive"
	ActionTypeComment        ActionType = "comment"
	ActionTypeMention        ActionType = "mention"
)

// WorkflowAction 只追加的审计事件，按时间排序构成实例的操作轨迹
type WorkflowAction struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID   string `json:"tenantId" gorm:"type:uuid;index"`
	WorkflowID string `json:"workflowId" gorm:"type:uuid;not null;index"`
	StageID    string `json:"stageId" gorm:"size:100;not null"`

	Action      ActionType `json:"action" gorm:"size:20;not null"`
	PerformedBy string     `json:"performedBy" gorm:"type:uuid;not null"`
	AssignedTo  string     `json:"assignedTo,omitempty" gorm:"type:uuid"` // 指派目标（可选）

	Comment     string   `json:"comment,omitempty" gorm:"type:text"`
	Attachments []string `json:"attachments,omitempty" gorm:"type:jsonb;serializer:json"`

	IsAutomated bool `json:"isAutomated" gorm:"default:false"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index"`
}

func (WorkflowAction) TableName() string {
	return "workflow_actions"
}

// AssignmentStatus 指派状态
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentAccepted  AssignmentStatus = "accepted"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentDeclined  AssignmentStatus = "declined"
)

// WorkflowAssignment 指派记录，一个实例每个阶段跳转可产生多条
type WorkflowAssignment struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID   string `json:"tenantId" gorm:"type:uuid;index"`
	WorkflowID string `json:"workflowId" gorm:"type:uuid;not null;index"`
	StageID    string `json:"stageId" gorm:"size:100;not null"`

	AssignedTo string `json:"assignedTo" gorm:"type:uuid;not null;index"`
	AssignedBy string `json:"assignedBy" gorm:"type:uuid;not null"`

	Status  AssignmentStatus `json:"status" gorm:"size:20;not null;default:pending;index"`
	DueDate *time.Time       `json:"dueDate"`

	AcceptedAt  *time.Time `json:"acceptedAt"`
	CompletedAt *time.Time `json:"completedAt"`

	EstimatedHours float64 `json:"estimatedHours,omitempty"`
	ActualHours    float64 `json:"actualHours,omitempty"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

func (WorkflowAssignment) TableName() string {
	return "workflow_assignments"
}

// TaskStatus 子任务状态
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// ChecklistItem 子任务清单项
type ChecklistItem struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

// WorkflowTask 阶段内的清单式子任务
// 不变式：DependsOn 不允许出现依赖环。
type WorkflowTask struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID   string `json:"tenantId" gorm:"type:uuid;index"`
	WorkflowID string `json:"workflowId" gorm:"type:uuid;not null;index"`
	StageID    string `json:"stageId" gorm:"size:100;not null"`

	Title      string   `json:"title" gorm:"size:255;not null"`
	AssignedTo string   `json:"assignedTo" gorm:"type:uuid;index"`
	CreatedBy  string   `json:"createdBy" gorm:"type:uuid;not null"`
	Priority   Priority `json:"priority" gorm:"size:10;not null;default:normal"`

	Status  TaskStatus `json:"status" gorm:"size:20;not null;default:pending;index"`
	DueDate *time.Time `json:"dueDate"`

	Checklist []ChecklistItem `json:"checklist,omitempty" gorm:"type:jsonb;serializer:json"`
	DependsOn []string        `json:"dependsOn,omitempty" gorm:"type:jsonb;serializer:json"` // 前置任务 ID

	CompletedAt *time.Time `json:"completedAt"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

func (WorkflowTask) TableName() string {
	return "workflow_tasks"
}

// ActivityLog 活动流水，流转成功后尽力追加
type ActivityLog struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID   string `json:"tenantId" gorm:"type:uuid;index"`
	WorkflowID string `json:"workflowId" gorm:"type:uuid;not null;index"`

	ActorID     string         `json:"actorId" gorm:"type:uuid;not null"`
	Kind        string         `json:"kind" gorm:"size:50;not null"` // transitioned、assigned、commented、viewed...
	Description string         `json:"description" gorm:"size:500"`
	Metadata    map[string]any `json:"metadata,omitempty" gorm:"type:jsonb;serializer:json"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index"`
}

func (ActivityLog) TableName() string {
	return "workflow_activity_logs"
}

// OutboxStatus 出站记录状态
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxDispatched OutboxStatus = "dispatched"
	OutboxFailed     OutboxStatus = "failed"
)

// OutboxEntry 与流转同事务写入的副作用意图，由分发器异步消费。
// 状态机提交不被通知/自动化失败阻塞，重试由消费侧负责。
type OutboxEntry struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID   string `json:"tenantId" gorm:"type:uuid;index"`
	WorkflowID string `json:"workflowId" gorm:"type:uuid;not null;index"`
	ActionID   string `json:"actionId" gorm:"type:uuid;not null"`

	Kind    string         `json:"kind" gorm:"size:30;not null"` // notify、automation、publish_content
	Payload map[string]any `json:"payload,omitempty" gorm:"type:jsonb;serializer:json"`

	Status   OutboxStatus `json:"status" gorm:"size:20;not null;default:pending;index"`
	Attempts int          `json:"attempts" gorm:"default:0"`
	LastErr  string       `json:"lastErr,omitempty" gorm:"type:text"`

	CreatedAt    time.Time  `json:"createdAt" gorm:"not null;autoCreateTime;index"`
	DispatchedAt *time.Time `json:"dispatchedAt"`
}

func (OutboxEntry) TableName() string {
	return "workflow_outbox"
}
