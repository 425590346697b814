package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CreateTaskRequest 创建子任务请求
type CreateTaskRequest struct {
	WorkflowID string          `json:"workflowId" binding:"required"`
	StageID    string          `json:"stageId" binding:"required"`
	Title      string          `json:"title" binding:"required"`
	AssignedTo string          `json:"assignedTo,omitempty"`
	Priority   Priority        `json:"priority,omitempty"`
	DueDate    *time.Time      `json:"dueDate,omitempty"`
	Checklist  []ChecklistItem `json:"checklist,omitempty"`
	DependsOn  []string        `json:"dependsOn,omitempty"`
}

// CreateTask 创建阶段子任务
// 依赖必须指向同一工作流的已有任务，且加入后整体无环。
func (e *Engine) CreateTask(ctx context.Context, req *CreateTaskRequest, creatorID string) (*WorkflowTask, error) {
	inst, err := e.GetInstance(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, &ValidationError{Reason: "终态实例不允许新增任务"}
	}

	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	now := time.Now().UTC()
	task := &WorkflowTask{
		ID:         uuid.New().String(),
		TenantID:   inst.TenantID,
		WorkflowID: req.WorkflowID,
		StageID:    req.StageID,
		Title:      req.Title,
		AssignedTo: req.AssignedTo,
		CreatedBy:  creatorID,
		Priority:   priority,
		Status:     TaskPending,
		DueDate:    req.DueDate,
		Checklist:  req.Checklist,
		DependsOn:  req.DependsOn,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if len(req.DependsOn) > 0 {
		existing, err := e.ListTasks(ctx, req.WorkflowID, "")
		if err != nil {
			return nil, err
		}
		byID := make(map[string]bool, len(existing))
		for _, t := range existing {
			byID[t.ID] = true
		}
		for _, dep := range req.DependsOn {
			if !byID[dep] {
				return nil, &ValidationError{Reason: fmt.Sprintf("依赖的任务 %s 不存在", dep)}
			}
		}
		if err := ValidateTaskDependencies(append(existing, task)); err != nil {
			return nil, err
		}
	}

	if err := e.db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, fmt.Errorf("创建任务失败: %w", err)
	}

	e.appendActivity(ctx, inst, creatorID, "task_created",
		fmt.Sprintf("创建了任务 %s", task.Title))
	if task.AssignedTo != "" && task.AssignedTo != creatorID {
		actionRec := &WorkflowAction{
			ID:          uuid.New().String(),
			TenantID:    inst.TenantID,
			WorkflowID:  inst.ID,
			StageID:     req.StageID,
			Action:      ActionTypeReassign,
			PerformedBy: creatorID,
			AssignedTo:  task.AssignedTo,
			CreatedAt:   now,
		}
		e.notifyUsers(ctx, inst, actionRec, NotifyAssigned,
			"新任务指派",
			fmt.Sprintf("任务 %s 已指派给你", task.Title),
			[]string{task.AssignedTo})
	}
	return task, nil
}

// ListTasks 查询工作流或指定阶段的任务
func (e *Engine) ListTasks(ctx context.Context, workflowID, stageID string) ([]*WorkflowTask, error) {
	query := e.db.WithContext(ctx).Where("workflow_id = ?", workflowID)
	if stageID != "" {
		query = query.Where("stage_id = ?", stageID)
	}
	var tasks []*WorkflowTask
	if err := query.Order("created_at ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}
	return tasks, nil
}

// GetTask 查询单个任务
func (e *Engine) GetTask(ctx context.Context, taskID string) (*WorkflowTask, error) {
	var task WorkflowTask
	err := e.db.WithContext(ctx).Where("id = ?", taskID).First(&task).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &NotFoundError{Kind: "task", ID: taskID}
		}
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}
	return &task, nil
}

// ToggleChecklistItem 切换任务清单项的完成状态
func (e *Engine) ToggleChecklistItem(ctx context.Context, taskID, itemID string, completed bool) (*WorkflowTask, error) {
	task, err := e.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	found := false
	for i := range task.Checklist {
		if task.Checklist[i].ID == itemID {
			task.Checklist[i].Completed = completed
			found = true
			break
		}
	}
	if !found {
		return nil, &NotFoundError{Kind: "checklist_item", ID: itemID}
	}

	task.UpdatedAt = time.Now().UTC()
	if err := e.db.WithContext(ctx).
		Model(&WorkflowTask{}).
		Where("id = ?", taskID).
		Select("checklist", "updated_at").
		Updates(&WorkflowTask{
			Checklist: task.Checklist,
			UpdatedAt: task.UpdatedAt,
		}).Error; err != nil {
		return nil, fmt.Errorf("更新任务清单失败: %w", err)
	}
	return task, nil
}

// StartTask 将任务置为进行中
func (e *Engine) StartTask(ctx context.Context, taskID string) error {
	res := e.db.WithContext(ctx).
		Model(&WorkflowTask{}).
		Where("id = ? AND status = ?", taskID, TaskPending).
		Updates(map[string]any{
			"status":     TaskInProgress,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("更新任务状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &ValidationError{Reason: fmt.Sprintf("任务 %s 当前状态不允许开始", taskID)}
	}
	return nil
}

// CompleteTask 完成任务
// 全部前置任务必须已完成，否则返回校验错误并指出阻塞的依赖。
func (e *Engine) CompleteTask(ctx context.Context, taskID, userID string) (*WorkflowTask, error) {
	task, err := e.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == TaskCompleted {
		return task, nil
	}
	if task.Status == TaskCancelled {
		return nil, &ValidationError{Reason: "已取消的任务不允许完成"}
	}

	if len(task.DependsOn) > 0 {
		var blocked int64
		if err := e.db.WithContext(ctx).
			Model(&WorkflowTask{}).
			Where("id IN ? AND status <> ?", task.DependsOn, TaskCompleted).
			Count(&blocked).Error; err != nil {
			return nil, fmt.Errorf("检查前置任务失败: %w", err)
		}
		if blocked > 0 {
			return nil, &ValidationError{Reason: fmt.Sprintf("任务 %s 仍有 %d 个未完成的前置任务", taskID, blocked)}
		}
	}

	now := time.Now().UTC()
	if err := e.db.WithContext(ctx).
		Model(&WorkflowTask{}).
		Where("id = ?", taskID).
		Updates(map[string]any{
			"status":       TaskCompleted,
			"completed_at": now,
			"updated_at":   now,
		}).Error; err != nil {
		return nil, fmt.Errorf("完成任务失败: %w", err)
	}
	task.Status = TaskCompleted
	task.CompletedAt = &now
	task.UpdatedAt = now

	if inst, err := e.GetInstance(ctx, task.WorkflowID); err == nil {
		e.appendActivity(ctx, inst, userID, "task_completed",
			fmt.Sprintf("完成了任务 %s", task.Title))
	}
	return task, nil
}

// CancelTask 取消任务
func (e *Engine) CancelTask(ctx context.Context, taskID string) error {
	res := e.db.WithContext(ctx).
		Model(&WorkflowTask{}).
		Where("id = ? AND status IN ?", taskID, []TaskStatus{TaskPending, TaskInProgress}).
		Updates(map[string]any{
			"status":     TaskCancelled,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("取消任务失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &ValidationError{Reason: fmt.Sprintf("任务 %s 当前状态不允许取消", taskID)}
	}
	return nil
}
