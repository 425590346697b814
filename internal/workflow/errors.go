package workflow

import "fmt"

// ValidationError 输入或模板结构不合法
type ValidationError struct {
	StageID string // 出错的阶段，可为空
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.StageID != "" {
		return fmt.Sprintf("校验失败: 阶段 %s: %s", e.StageID, e.Reason)
	}
	return fmt.Sprintf("校验失败: %s", e.Reason)
}

// PermissionError 操作者缺少所需能力或阶段权限
type PermissionError struct {
	UserID     string
	Capability string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("权限不足: 用户 %s 缺少 %s", e.UserID, e.Capability)
}

// NotFoundError 目标资源不存在
type NotFoundError struct {
	Kind string // template、instance、stage、user、content、comment、task...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("资源不存在: %s %s", e.Kind, e.ID)
}

// InvalidTransitionError 目标阶段不是当前阶段的合法后继
type InvalidTransitionError struct {
	WorkflowID string
	FromStage  string
	ToStage    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("非法流转: 工作流 %s 不允许从 %s 流转到 %s", e.WorkflowID, e.FromStage, e.ToStage)
}

// ConcurrentModificationError 版本条件更新输掉竞争，调用方应重读后重试
type ConcurrentModificationError struct {
	WorkflowID string
	Version    int
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("并发修改冲突: 工作流 %s 版本 %d 已过期", e.WorkflowID, e.Version)
}

// LockConflictError 排他锁被其他用户持有
type LockConflictError struct {
	WorkflowID string
	StageID    string
	HeldBy     string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("锁冲突: 工作流 %s 阶段 %s 已被用户 %s 锁定", e.WorkflowID, e.StageID, e.HeldBy)
}
