package workflow

import (
	"context"
	"fmt"

	"backend/internal/common"
)

// InstanceFilter 实例列表过滤条件
type InstanceFilter struct {
	Status     InstanceStatus `json:"status,omitempty" form:"status"`
	ContentID  string         `json:"contentId,omitempty" form:"content_id"`
	TemplateID string         `json:"templateId,omitempty" form:"template_id"`
	AssignedTo string         `json:"assignedTo,omitempty" form:"assigned_to"`
	Priority   Priority       `json:"priority,omitempty" form:"priority"`

	common.PaginationRequest
}

// ListInstances 分页查询租户下的工作流实例
func (e *Engine) ListInstances(ctx context.Context, tenantID string, filter *InstanceFilter) ([]*WorkflowInstance, int64, error) {
	if filter == nil {
		filter = &InstanceFilter{PaginationRequest: common.DefaultPagination()}
	}

	query := e.db.WithContext(ctx).
		Model(&WorkflowInstance{}).
		Scopes(common.ByTenant(tenantID))
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.ContentID != "" {
		query = query.Where("content_id = ?", filter.ContentID)
	}
	if filter.TemplateID != "" {
		query = query.Where("template_id = ?", filter.TemplateID)
	}
	if filter.Priority != "" {
		query = query.Where("priority = ?", filter.Priority)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计实例失败: %w", err)
	}

	var instances []*WorkflowInstance
	if err := query.
		Order("created_at DESC").
		Offset(filter.GetOffset()).
		Limit(filter.GetPageSize()).
		Find(&instances).Error; err != nil {
		return nil, 0, fmt.Errorf("查询实例失败: %w", err)
	}

	// jsonb 负责人过滤在结果集上做，避免依赖方言相关的 json 查询
	if filter.AssignedTo != "" {
		filtered := instances[:0]
		for _, inst := range instances {
			if inst.IsAssignee(filter.AssignedTo) {
				filtered = append(filtered, inst)
			}
		}
		instances = filtered
	}
	return instances, total, nil
}

// ListActivity 按时间倒序返回实例的活动流水
func (e *Engine) ListActivity(ctx context.Context, workflowID string, limit int) ([]*ActivityLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []*ActivityLog
	if err := e.db.WithContext(ctx).
		Scopes(common.ByWorkflow(workflowID)).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("查询活动流水失败: %w", err)
	}
	return entries, nil
}
