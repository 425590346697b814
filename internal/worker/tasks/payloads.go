package tasks

// 任务类型
const (
	TypeRunRule       = "workflow:run_rule"
	TypeDeadlineCheck = "workflow:deadline_check"
	TypeDrainOutbox   = "workflow:drain_outbox"
)

// RunRulePayload 延迟自动化规则任务载荷
type RunRulePayload struct {
	WorkflowID string `json:"workflow_id"`
	StageID    string `json:"stage_id"`
	RuleID     string `json:"rule_id"`
}

// DeadlineCheckPayload 截止时间检查任务载荷
type DeadlineCheckPayload struct {
	WorkflowID string `json:"workflow_id"`
}

// DrainOutboxPayload 出站补偿任务载荷
type DrainOutboxPayload struct {
	Limit int `json:"limit,omitempty"`
}
