package workflows

import (
	"net/http"

	"backend/api/handlers/common"
	wfcommon "backend/internal/common"
	"backend/internal/workflow"

	"github.com/gin-gonic/gin"
)

// TemplateHandler 工作流模板处理器
type TemplateHandler struct {
	templates *workflow.TemplateService
}

// NewTemplateHandler 创建模板处理器
func NewTemplateHandler(templates *workflow.TemplateService) *TemplateHandler {
	return &TemplateHandler{templates: templates}
}

// CreateTemplateBody 创建模板请求体
type CreateTemplateBody struct {
	Name         string                    `json:"name" binding:"required"`
	Description  string                    `json:"description,omitempty"`
	Stages       []workflow.Stage          `json:"stages" binding:"required"`
	Settings     workflow.TemplateSettings `json:"settings"`
	ContentTypes []string                  `json:"contentTypes,omitempty"`
}

// CreateTemplate 创建模板
// POST /api/v1/workflows/templates
func (h *TemplateHandler) CreateTemplate(c *gin.Context) {
	var body CreateTemplateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, "无效的请求参数")
		return
	}

	tpl, err := h.templates.CreateTemplate(c.Request.Context(), &workflow.CreateTemplateRequest{
		TenantID:     c.GetString("tenant_id"),
		Name:         body.Name,
		Description:  body.Description,
		Stages:       body.Stages,
		Settings:     body.Settings,
		ContentTypes: body.ContentTypes,
		CreatedBy:    c.GetString("user_id"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, common.APIResponse{Success: true, Data: tpl})
}

// GetTemplate 获取模板详情
// GET /api/v1/workflows/templates/:id
func (h *TemplateHandler) GetTemplate(c *gin.Context) {
	tpl, err := h.templates.GetTemplate(c.Request.Context(), c.GetString("tenant_id"), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: tpl})
}

// ListTemplates 获取模板列表
// GET /api/v1/workflows/templates?content_type=article&page=1&page_size=20
func (h *TemplateHandler) ListTemplates(c *gin.Context) {
	var pagination wfcommon.PaginationRequest
	if err := c.ShouldBindQuery(&pagination); err != nil {
		respondBadRequest(c, "无效的分页参数")
		return
	}

	resp, err := h.templates.ListTemplates(c.Request.Context(), &workflow.ListTemplatesRequest{
		TenantID:          c.GetString("tenant_id"),
		ContentType:       c.Query("content_type"),
		OnlyActive:        c.Query("include_inactive") != "true",
		PaginationRequest: pagination,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: resp})
}

// UpdateTemplateBody 更新模板请求体
type UpdateTemplateBody struct {
	Name         *string                    `json:"name,omitempty"`
	Description  *string                    `json:"description,omitempty"`
	Stages       []workflow.Stage           `json:"stages,omitempty"`
	Settings     *workflow.TemplateSettings `json:"settings,omitempty"`
	ContentTypes []string                   `json:"contentTypes,omitempty"`
	IsActive     *bool                      `json:"isActive,omitempty"`
}

// UpdateTemplate 更新模板
// PUT /api/v1/workflows/templates/:id
func (h *TemplateHandler) UpdateTemplate(c *gin.Context) {
	var body UpdateTemplateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondBadRequest(c, "无效的请求参数")
		return
	}

	tpl, err := h.templates.UpdateTemplate(c.Request.Context(), c.GetString("tenant_id"), c.Param("id"),
		&workflow.UpdateTemplateRequest{
			Name:         body.Name,
			Description:  body.Description,
			Stages:       body.Stages,
			Settings:     body.Settings,
			ContentTypes: body.ContentTypes,
			IsActive:     body.IsActive,
		})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Data: tpl})
}

// DeactivateTemplate 停用模板
// DELETE /api/v1/workflows/templates/:id
func (h *TemplateHandler) DeactivateTemplate(c *gin.Context) {
	if err := h.templates.DeactivateTemplate(c.Request.Context(), c.GetString("tenant_id"), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, common.APIResponse{Success: true, Message: "模板已停用"})
}
