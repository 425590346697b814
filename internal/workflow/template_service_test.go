package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateTemplateValidatesGraph(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Templates().CreateTemplate(ctx, &CreateTemplateRequest{
		TenantID: testTenant,
		Name:     "坏图",
		Stages: []Stage{
			{ID: "a", NextStages: []string{"nope"}},
		},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = e.Templates().CreateTemplate(ctx, &CreateTemplateRequest{
		TenantID: testTenant,
		Stages:   editorialStages(),
	})
	require.ErrorAs(t, err, &verr) // 名称为空
}

func TestGetTemplateScopedByTenant(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	tpl := createEditorialTemplate(t, e, TemplateSettings{})

	got, err := e.Templates().GetTemplate(ctx, testTenant, tpl.ID)
	require.NoError(t, err)
	require.Equal(t, tpl.Name, got.Name)
	require.Len(t, got.Stages, 3)

	_, err = e.Templates().GetTemplate(ctx, "22222222-2222-2222-2222-222222222222", tpl.ID)
	var nerr *NotFoundError
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, "template", nerr.Kind)
}

func TestListTemplatesFiltersByContentType(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Templates().CreateTemplate(ctx, &CreateTemplateRequest{
		TenantID:     testTenant,
		Name:         "仅限文章",
		Stages:       editorialStages(),
		ContentTypes: []string{"article"},
	})
	require.NoError(t, err)
	_, err = e.Templates().CreateTemplate(ctx, &CreateTemplateRequest{
		TenantID:     testTenant,
		Name:         "仅限视频",
		Stages:       editorialStages(),
		ContentTypes: []string{"video"},
	})
	require.NoError(t, err)

	resp, err := e.Templates().ListTemplates(ctx, &ListTemplatesRequest{
		TenantID:    testTenant,
		ContentType: "article",
	})
	require.NoError(t, err)
	require.Len(t, resp.Templates, 1)
	require.Equal(t, "仅限文章", resp.Templates[0].Name)
}

func TestUpdateTemplateFreezesStagesWhenReferenced(t *testing.T) {
	e, resolver, store := newTestEngine(t)
	tpl, _ := startEditorialWorkflow(t, e, resolver, store)
	ctx := context.Background()

	// 非图元数据仍可修改
	name := "改名后的模板"
	updated, err := e.Templates().UpdateTemplate(ctx, testTenant, tpl.ID, &UpdateTemplateRequest{Name: &name})
	require.NoError(t, err)
	require.Equal(t, name, updated.Name)

	// 阶段图已冻结
	_, err = e.Templates().UpdateTemplate(ctx, testTenant, tpl.ID, &UpdateTemplateRequest{
		Stages: editorialStages()[:2],
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestUpdateTemplateStagesBeforeReference(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	tpl := createEditorialTemplate(t, e, TemplateSettings{})

	stages := editorialStages()
	stages[0].Name = "初稿"
	updated, err := e.Templates().UpdateTemplate(ctx, testTenant, tpl.ID, &UpdateTemplateRequest{Stages: stages})
	require.NoError(t, err)
	require.Equal(t, "初稿", updated.Stages[0].Name)
}

func TestDeactivateTemplateBlocksNewInstances(t *testing.T) {
	e, resolver, store := newTestEngine(t)
	seedUsers(resolver)
	seedContent(store, "content-1")
	ctx := context.Background()
	tpl := createEditorialTemplate(t, e, TemplateSettings{})

	require.NoError(t, e.Templates().DeactivateTemplate(ctx, testTenant, tpl.ID))

	_, err := e.StartWorkflow(ctx, testTenant, tpl.ID, "content-1", "author-1", nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Reason, "停用")
}
