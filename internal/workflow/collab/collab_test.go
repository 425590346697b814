package collab

import (
	"context"
	"fmt"
	"testing"
	"time"

	"backend/internal/content"
	"backend/internal/identity"
	"backend/internal/workflow"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testTenant = "11111111-1111-1111-1111-111111111111"

// fakeClock 可手工拨动的测试时钟
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newCollabDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:collab_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&workflow.WorkflowTemplate{},
		&workflow.WorkflowInstance{},
		&workflow.WorkflowAction{},
		&workflow.WorkflowAssignment{},
		&workflow.WorkflowTask{},
		&workflow.WorkflowComment{},
		&workflow.WorkflowConflict{},
		&workflow.WorkflowNotification{},
		&workflow.ActivityLog{},
		&workflow.OutboxEntry{},
	))
	return db
}

// newCollabHarness 组合夹具：引擎、协调器与一个已启动的实例
func newCollabHarness(t *testing.T, clock Clock, opts ...CoordinatorOption) (*Coordinator, *workflow.WorkflowInstance, *identity.StaticResolver) {
	t.Helper()
	db := newCollabDB(t)
	resolver := identity.NewStaticResolver()
	store := content.NewMemoryStore()
	engine := workflow.NewEngine(db, resolver, store)

	resolver.AddUser(&identity.User{ID: "author-1", DisplayName: "作者"},
		identity.CapStartWorkflow, identity.CapAssignWorkflow)
	resolver.AddUser(&identity.User{ID: "reviewer-1", DisplayName: "审阅人"},
		identity.CapViewWorkflow)
	resolver.AddUser(&identity.User{ID: "reviewer-2", DisplayName: "第二审阅人"},
		identity.CapViewWorkflow)
	store.Put(&content.Content{
		ID:       "content-1",
		Type:     "article",
		Title:    "城市更新观察",
		AuthorID: "author-1",
		Status:   content.PublishStatusDraft,
	})

	tpl, err := engine.Templates().CreateTemplate(context.Background(), &workflow.CreateTemplateRequest{
		TenantID: testTenant,
		Name:     "图文两审",
		Stages: []workflow.Stage{
			{
				ID:          "draft",
				Name:        "起草",
				Type:        workflow.StageTypeEditing,
				NextStages:  []string{"review"},
				Permissions: workflow.StagePermissions{CanEdit: true, CanComment: true},
			},
			{
				ID:          "review",
				Name:        "审阅",
				Type:        workflow.StageTypeReview,
				Assignees:   []string{"reviewer-1"},
				NextStages:  []string{"draft"},
				Permissions: workflow.StagePermissions{CanApprove: true, CanReject: true, CanComment: true},
			},
		},
		CreatedBy: "author-1",
	})
	require.NoError(t, err)

	inst, err := engine.StartWorkflow(context.Background(), testTenant, tpl.ID, "content-1", "author-1", nil)
	require.NoError(t, err)

	allOpts := append([]CoordinatorOption{
		WithClock(clock),
		WithCoordinatorLogger(zap.NewNop()),
	}, opts...)
	co := NewCoordinator(db, engine, resolver, allOpts...)
	return co, inst, resolver
}
