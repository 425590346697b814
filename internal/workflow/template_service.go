package workflow

import (
	"context"
	"fmt"
	"time"

	"backend/internal/common"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TemplateService 工作流模板管理服务
type TemplateService struct {
	db *gorm.DB
}

// NewTemplateService 创建 TemplateService 实例
func NewTemplateService(db *gorm.DB) *TemplateService {
	return &TemplateService{db: db}
}

// CreateTemplateRequest 创建模板请求
type CreateTemplateRequest struct {
	TenantID     string
	Name         string
	Description  string
	Stages       []Stage
	Settings     TemplateSettings
	ContentTypes []string
	CreatedBy    string
}

// CreateTemplate 创建模板，创建前完成阶段图校验
func (s *TemplateService) CreateTemplate(ctx context.Context, req *CreateTemplateRequest) (*WorkflowTemplate, error) {
	if req.Name == "" {
		return nil, &ValidationError{Reason: "模板名称不能为空"}
	}

	tpl := &WorkflowTemplate{
		ID:           uuid.New().String(),
		TenantID:     req.TenantID,
		Name:         req.Name,
		Description:  req.Description,
		Stages:       req.Stages,
		Settings:     req.Settings,
		ContentTypes: req.ContentTypes,
		IsActive:     true,
		CreatedBy:    req.CreatedBy,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	if err := ValidateTemplate(tpl); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(tpl).Error; err != nil {
		return nil, fmt.Errorf("创建模板失败: %w", err)
	}

	return tpl, nil
}

// GetTemplate 查询单个模板
func (s *TemplateService) GetTemplate(ctx context.Context, tenantID, templateID string) (*WorkflowTemplate, error) {
	var tpl WorkflowTemplate
	err := s.db.WithContext(ctx).
		Scopes(common.NotDeleted(), common.ByTenant(tenantID)).
		Where("id = ?", templateID).
		First(&tpl).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, &NotFoundError{Kind: "template", ID: templateID}
		}
		return nil, fmt.Errorf("查询模板失败: %w", err)
	}
	return &tpl, nil
}

// ListTemplatesRequest 查询模板列表请求
type ListTemplatesRequest struct {
	TenantID    string
	ContentType string // 按适用内容类型过滤
	OnlyActive  bool
	common.PaginationRequest
}

// ListTemplatesResponse 查询模板列表响应
type ListTemplatesResponse struct {
	Templates []*WorkflowTemplate `json:"templates"`
	Total     int64               `json:"total"`
	Page      int                 `json:"page"`
	PageSize  int                 `json:"page_size"`
}

// ListTemplates 查询模板列表
func (s *TemplateService) ListTemplates(ctx context.Context, req *ListTemplatesRequest) (*ListTemplatesResponse, error) {
	query := s.db.WithContext(ctx).
		Model(&WorkflowTemplate{}).
		Scopes(common.NotDeleted(), common.ByTenant(req.TenantID))

	if req.OnlyActive {
		query = query.Where("is_active = ?", true)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("统计模板数量失败: %w", err)
	}

	var templates []*WorkflowTemplate
	if err := query.
		Order("created_at DESC").
		Limit(req.GetPageSize()).
		Offset(req.GetOffset()).
		Find(&templates).Error; err != nil {
		return nil, fmt.Errorf("查询模板列表失败: %w", err)
	}

	// 内容类型过滤在 JSONB 列上完成代价较高，列表量小，放在内存里过滤
	if req.ContentType != "" {
		filtered := templates[:0]
		for _, tpl := range templates {
			if tpl.AppliesTo(req.ContentType) {
				filtered = append(filtered, tpl)
			}
		}
		templates = filtered
	}

	return &ListTemplatesResponse{
		Templates: templates,
		Total:     total,
		Page:      req.GetPage(),
		PageSize:  req.GetPageSize(),
	}, nil
}

// UpdateTemplateRequest 更新模板请求
// Stages 仅在模板尚未被任何实例引用时允许修改。
type UpdateTemplateRequest struct {
	Name         *string
	Description  *string
	Stages       []Stage
	Settings     *TemplateSettings
	ContentTypes []string
	IsActive     *bool
}

// UpdateTemplate 更新模板
// 阶段图一旦被运行中的实例引用即冻结，此时只接受非图元数据的修改。
func (s *TemplateService) UpdateTemplate(ctx context.Context, tenantID, templateID string, req *UpdateTemplateRequest) (*WorkflowTemplate, error) {
	tpl, err := s.GetTemplate(ctx, tenantID, templateID)
	if err != nil {
		return nil, err
	}

	// JSON 列走结构体更新以应用 serializer，Select 显式圈定写入列
	update := &WorkflowTemplate{}
	var columns []string
	if req.Name != nil {
		update.Name = *req.Name
		columns = append(columns, "name")
	}
	if req.Description != nil {
		update.Description = *req.Description
		columns = append(columns, "description")
	}
	if req.Settings != nil {
		update.Settings = *req.Settings
		columns = append(columns, "settings")
	}
	if req.ContentTypes != nil {
		update.ContentTypes = req.ContentTypes
		columns = append(columns, "content_types")
	}
	if req.IsActive != nil {
		update.IsActive = *req.IsActive
		columns = append(columns, "is_active")
	}

	if req.Stages != nil {
		referenced, err := s.isReferenced(ctx, templateID)
		if err != nil {
			return nil, err
		}
		if referenced {
			return nil, &ValidationError{Reason: "模板已被运行中的实例引用，阶段图不可修改"}
		}
		candidate := *tpl
		candidate.Stages = req.Stages
		if err := ValidateTemplate(&candidate); err != nil {
			return nil, err
		}
		update.Stages = req.Stages
		columns = append(columns, "stages")
	}

	if len(columns) == 0 {
		return tpl, nil
	}
	update.UpdatedAt = time.Now().UTC()
	columns = append(columns, "updated_at")

	if err := s.db.WithContext(ctx).
		Model(&WorkflowTemplate{}).
		Where("id = ?", templateID).
		Select(columns).
		Updates(update).Error; err != nil {
		return nil, fmt.Errorf("更新模板失败: %w", err)
	}

	return s.GetTemplate(ctx, tenantID, templateID)
}

// DeactivateTemplate 停用模板，运行中的实例不受影响
func (s *TemplateService) DeactivateTemplate(ctx context.Context, tenantID, templateID string) error {
	tpl, err := s.GetTemplate(ctx, tenantID, templateID)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).
		Model(&WorkflowTemplate{}).
		Where("id = ?", tpl.ID).
		Updates(map[string]any{
			"is_active":  false,
			"updated_at": time.Now().UTC(),
		}).Error; err != nil {
		return fmt.Errorf("停用模板失败: %w", err)
	}
	return nil
}

// isReferenced 判断模板是否已被实例引用
func (s *TemplateService) isReferenced(ctx context.Context, templateID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&WorkflowInstance{}).
		Where("template_id = ?", templateID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("统计模板引用失败: %w", err)
	}
	return count > 0, nil
}

// AppliesTo 判断模板是否适用于指定内容类型，空列表表示不限
func (t *WorkflowTemplate) AppliesTo(contentType string) bool {
	if len(t.ContentTypes) == 0 {
		return true
	}
	for _, ct := range t.ContentTypes {
		if ct == contentType {
			return true
		}
	}
	return false
}
