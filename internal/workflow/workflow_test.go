package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"backend/internal/content"
	"backend/internal/identity"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testTenant = "11111111-1111-1111-1111-111111111111"

// newTestDB 创建内存数据库并迁移全部表结构
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:workflow_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&WorkflowTemplate{},
		&WorkflowInstance{},
		&WorkflowAction{},
		&WorkflowAssignment{},
		&WorkflowTask{},
		&WorkflowComment{},
		&WorkflowConflict{},
		&WorkflowNotification{},
		&ActivityLog{},
		&OutboxEntry{},
	))
	return db
}

// newTestEngine 创建引擎与协作方的内存实现
func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *identity.StaticResolver, *content.MemoryStore) {
	t.Helper()
	db := newTestDB(t)
	resolver := identity.NewStaticResolver()
	store := content.NewMemoryStore()
	return NewEngine(db, resolver, store, opts...), resolver, store
}

// seedUsers 注册测试用户：发起人、审阅人与管理员
func seedUsers(resolver *identity.StaticResolver) {
	resolver.AddUser(&identity.User{ID: "author-1", DisplayName: "作者"},
		identity.CapStartWorkflow, identity.CapAssignWorkflow)
	resolver.AddUser(&identity.User{ID: "reviewer-1", DisplayName: "审阅人"},
		identity.CapViewWorkflow)
	resolver.AddUser(&identity.User{ID: "admin-1", DisplayName: "管理员"},
		identity.CapStartWorkflow, identity.CapAssignWorkflow,
		identity.CapManageWorkflow, identity.CapViewWorkflow)
}

// seedContent 写入一篇测试文章
func seedContent(store *content.MemoryStore, id string) {
	store.Put(&content.Content{
		ID:       id,
		Type:     "article",
		Title:    "秋季专题报道",
		AuthorID: "author-1",
		Status:   content.PublishStatusDraft,
	})
}

// editorialStages 三段式审批图：起草 -> 审阅 -> 发布，审阅可退回起草
func editorialStages() []Stage {
	return []Stage{
		{
			ID:         "draft",
			Name:       "起草",
			Type:       StageTypeEditing,
			NextStages: []string{"review"},
			Permissions: StagePermissions{
				CanEdit: true, CanComment: true,
			},
		},
		{
			ID:         "review",
			Name:       "审阅",
			Type:       StageTypeReview,
			Assignees:  []string{"reviewer-1"},
			NextStages: []string{"publish", "draft"},
			Permissions: StagePermissions{
				CanApprove: true, CanReject: true, CanComment: true, CanReassign: true,
			},
		},
		{
			ID:   "publish",
			Name: "发布",
			Type: StageTypePublication,
			Permissions: StagePermissions{
				CanApprove: true,
			},
		},
	}
}

// createEditorialTemplate 创建标准测试模板
func createEditorialTemplate(t *testing.T, e *Engine, settings TemplateSettings) *WorkflowTemplate {
	t.Helper()
	tpl, err := e.Templates().CreateTemplate(context.Background(), &CreateTemplateRequest{
		TenantID:  testTenant,
		Name:      "图文三审",
		Stages:    editorialStages(),
		Settings:  settings,
		CreatedBy: "admin-1",
	})
	require.NoError(t, err)
	return tpl
}

// startEditorialWorkflow 组合夹具：用户、内容、模板、实例
func startEditorialWorkflow(t *testing.T, e *Engine, resolver *identity.StaticResolver, store *content.MemoryStore) (*WorkflowTemplate, *WorkflowInstance) {
	t.Helper()
	seedUsers(resolver)
	seedContent(store, "content-1")
	tpl := createEditorialTemplate(t, e, TemplateSettings{})
	inst, err := e.StartWorkflow(context.Background(), testTenant, tpl.ID, "content-1", "author-1", nil)
	require.NoError(t, err)
	return tpl, inst
}
