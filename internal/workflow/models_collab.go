package workflow

import (
	"time"
)

// WorkflowComment 工作流评论，支持提及、回复与表态
type WorkflowComment struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID   string `json:"tenantId" gorm:"type:uuid;index"`
	WorkflowID string `json:"workflowId" gorm:"type:uuid;not null;index"`
	StageID    string `json:"stageId,omitempty" gorm:"size:100"` // 可选，关联到具体阶段

	AuthorID string `json:"authorId" gorm:"type:uuid;not null"`
	Content  string `json:"content" gorm:"type:text;not null"`

	Mentions    []string `json:"mentions,omitempty" gorm:"type:jsonb;serializer:json"`
	Attachments []string `json:"attachments,omitempty" gorm:"type:jsonb;serializer:json"`

	IsInternal bool    `json:"isInternal" gorm:"default:false"` // 仅内部可见
	ParentID   *string `json:"parentId,omitempty" gorm:"type:uuid;index"`

	IsResolved bool       `json:"isResolved" gorm:"default:false"`
	ResolvedBy string     `json:"resolvedBy,omitempty" gorm:"type:uuid"`
	ResolvedAt *time.Time `json:"resolvedAt"`

	// userID -> emoji 列表
	Reactions map[string][]string `json:"reactions,omitempty" gorm:"type:jsonb;serializer:json"`

	EditHistory []CommentEdit `json:"editHistory,omitempty" gorm:"type:jsonb;serializer:json"`

	CreatedAt time.Time  `json:"createdAt" gorm:"not null;autoCreateTime;index"`
	UpdatedAt time.Time  `json:"updatedAt" gorm:"not null;autoUpdateTime"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" gorm:"index"`
}

func (WorkflowComment) TableName() string {
	return "workflow_comments"
}

// CommentEdit 评论编辑历史条目
type CommentEdit struct {
	Content  string    `json:"content"`
	EditedAt time.Time `json:"editedAt"`
}

// ConflictType 协作冲突类型
type ConflictType string

const (
	ConflictConcurrentEdit ConflictType = "concurrent_edit"
	ConflictApproval       ConflictType = "approval_conflict"
	ConflictAssignment     ConflictType = "assignment_conflict"
	ConflictDeadline       ConflictType = "deadline_conflict"
)

// ConflictStatus 冲突处理状态
type ConflictStatus string

const (
	ConflictPending   ConflictStatus = "pending"
	ConflictResolved  ConflictStatus = "resolved"
	ConflictEscalated ConflictStatus = "escalated"
)

// ConflictSeverity 冲突严重级别
type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

// WorkflowConflict 协作冲突记录，检测后以 pending 状态落库等待处理
type WorkflowConflict struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID   string `json:"tenantId" gorm:"type:uuid;index"`
	WorkflowID string `json:"workflowId" gorm:"type:uuid;not null;index"`
	StageID    string `json:"stageId,omitempty" gorm:"size:100"`

	Type          ConflictType     `json:"type" gorm:"size:30;not null"`
	AffectedUsers []string         `json:"affectedUsers" gorm:"type:jsonb;serializer:json"`
	Severity      ConflictSeverity `json:"severity" gorm:"size:10;not null;default:medium"`
	Status        ConflictStatus   `json:"status" gorm:"size:20;not null;default:pending;index"`

	Description string `json:"description" gorm:"size:500"`

	DetectedAt time.Time  `json:"detectedAt" gorm:"not null"`
	ResolvedBy string     `json:"resolvedBy,omitempty" gorm:"type:uuid"`
	ResolvedAt *time.Time `json:"resolvedAt"`
	Resolution string     `json:"resolution,omitempty" gorm:"size:500"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
}

func (WorkflowConflict) TableName() string {
	return "workflow_conflicts"
}

// NotificationType 通知类型
type NotificationType string

const (
	NotifyWorkflowStarted NotificationType = "workflow_started"
	NotifyStageChanged    NotificationType = "stage_changed"
	NotifyAssigned        NotificationType = "assigned"
	NotifyMentioned       NotificationType = "mentioned"
	NotifyCommentAdded    NotificationType = "comment_added"
	NotifyEscalated       NotificationType = "escalated"
	NotifyDeadline        NotificationType = "deadline_approaching"
)

// WorkflowNotification 工作流通知记录
// 引擎只负责决定通知对象与内容，投递由传输层完成。
// (action_id, recipient) 唯一索引保证同一事件对同一接收者只产生一条记录。
type WorkflowNotification struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	TenantID   string `json:"tenantId" gorm:"type:uuid;index"`
	WorkflowID string `json:"workflowId" gorm:"type:uuid;not null;index"`
	ActionID   string `json:"actionId" gorm:"type:uuid;not null;uniqueIndex:idx_notify_action_recipient,priority:1"`

	Recipient string           `json:"recipient" gorm:"type:uuid;not null;index;uniqueIndex:idx_notify_action_recipient,priority:2"`
	Type      NotificationType `json:"type" gorm:"size:30;not null"`

	Title     string `json:"title" gorm:"size:255;not null"`
	Message   string `json:"message" gorm:"type:text"`
	ActionURL string `json:"actionUrl,omitempty" gorm:"size:500"`

	IsRead   bool     `json:"isRead" gorm:"default:false;index"`
	Priority Priority `json:"priority" gorm:"size:10;not null;default:normal"`

	Channels    []string   `json:"channels,omitempty" gorm:"type:jsonb;serializer:json"` // websocket、email、push
	ScheduledAt *time.Time `json:"scheduledAt"`

	CreatedAt time.Time  `json:"createdAt" gorm:"not null;autoCreateTime;index"`
	ReadAt    *time.Time `json:"readAt"`
}

func (WorkflowNotification) TableName() string {
	return "workflow_notifications"
}
