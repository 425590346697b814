package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddCommentWithMentions(t *testing.T) {
	e, resolver, store := newTestEngine(t)
	_, inst := startEditorialWorkflow(t, e, resolver, store)
	ctx := context.Background()

	comment, err := e.AddComment(ctx, &AddCommentRequest{
		WorkflowID: inst.ID,
		Content:    "导语需要再紧凑一些 @reviewer-1",
		Mentions:   []string{"reviewer-1"},
	}, "author-1")
	require.NoError(t, err)
	require.Equal(t, "draft", comment.StageID) // 默认落在当前阶段

	// 每个被提及用户一条 mentioned 通知与一条提及动作
	var mentionNotify int64
	require.NoError(t, e.db.Model(&WorkflowNotification{}).
		Where("recipient = ? AND type = ?", "reviewer-1", NotifyMentioned).
		Count(&mentionNotify).Error)
	require.Equal(t, int64(1), mentionNotify)

	var mentionActions int64
	require.NoError(t, e.db.Model(&WorkflowAction{}).
		Where("workflow_id = ? AND action = ? AND assigned_to = ?", inst.ID, ActionTypeMention, "reviewer-1").
		Count(&mentionActions).Error)
	require.Equal(t, int64(1), mentionActions)
}

func TestAddCommentDisabled(t *testing.T) {
	e, resolver, store := newTestEngine(t)
	seedUsers(resolver)
	seedContent(store, "content-1")
	ctx := context.Background()
	tpl := createEditorialTemplate(t, e, TemplateSettings{})

	inst, err := e.StartWorkflow(ctx, testTenant, tpl.ID, "content-1", "author-1", &StartOptions{
		Settings: &InstanceSettings{NotificationsEnabled: true, CommentsEnabled: false},
	})
	require.NoError(t, err)

	_, err = e.AddComment(ctx, &AddCommentRequest{WorkflowID: inst.ID, Content: "静音了"}, "author-1")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestAddCommentStagePermission(t *testing.T) {
	e, resolver, store := newTestEngine(t)
	seedUsers(resolver)
	seedContent(store, "content-1")
	ctx := context.Background()

	stages := editorialStages()
	stages[0].Permissions.CanComment = false
	tpl, err := e.Templates().CreateTemplate(ctx, &CreateTemplateRequest{
		TenantID: testTenant, Name: "禁评起草", Stages: stages,
	})
	require.NoError(t, err)
	inst, err := e.StartWorkflow(ctx, testTenant, tpl.ID, "content-1", "author-1", nil)
	require.NoError(t, err)

	_, err = e.AddComment(ctx, &AddCommentRequest{WorkflowID: inst.ID, Content: "不该出现"}, "author-1")
	var perr *PermissionError
	require.ErrorAs(t, err, &perr)

	// 管理员兜底能力不受阶段开关限制
	_, err = e.AddComment(ctx, &AddCommentRequest{WorkflowID: inst.ID, Content: "管理员批注"}, "admin-1")
	require.NoError(t, err)
}

func TestReplyDepthLimitedToOne(t *testing.T) {
	e, resolver, store := newTestEngine(t)
	_, inst := startEditorialWorkflow(t, e, resolver, store)
	ctx := context.Background()

	root, err := e.AddComment(ctx, &AddCommentRequest{WorkflowID: inst.ID, Content: "根评论"}, "author-1")
	require.NoError(t, err)

	reply, err := e.AddComment(ctx, &AddCommentRequest{
		WorkflowID: inst.ID, Content: "一层回复", ParentID: &root.ID,
	}, "author-1")
	require.NoError(t, err)

	_, err = e.AddComment(ctx, &AddCommentRequest{
		WorkflowID: inst.ID, Content: "二层回复", ParentID: &reply.ID,
	}, "author-1")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	missing := "77777777-7777-7777-7777-777777777777"
	_, err = e.AddComment(ctx, &AddCommentRequest{
		WorkflowID: inst.ID, Content: "挂空", ParentID: &missing,
	}, "author-1")
	var nerr *NotFoundError
	require.ErrorAs(t, err, &nerr)
}

func TestEditCommentKeepsHistory(t *testing.T) {
	e, resolver, store := newTestEngine(t)
	_, inst := startEditorialWorkflow(t, e, resolver, store)
	ctx := context.Background()

	comment, err := e.AddComment(ctx, &AddCommentRequest{WorkflowID: inst.ID, Content: "第一版"}, "author-1")
	require.NoError(t, err)

	_, err = e.EditComment(ctx, comment.ID, "reviewer-1", "别人的版本")
	var perr *PermissionError
	require.ErrorAs(t, err, &perr)

	edited, err := e.EditComment(ctx, comment.ID, "author-1", "第二版")
	require.NoError(t, err)
	require.Equal(t, "第二版", edited.Content)
	require.Len(t, edited.EditHistory, 1)
	require.Equal(t, "第一版", edited.EditHistory[0].Content)
}

func TestDeleteCommentSoftDeletes(t *testing.T) {
	e, resolver, store := newTestEngine(t)
	_, inst := startEditorialWorkflow(t, e, resolver, store)
	ctx := context.Background()

	comment, err := e.AddComment(ctx, &AddCommentRequest{WorkflowID: inst.ID, Content: "待删除"}, "author-1")
	require.NoError(t, err)

	err = e.DeleteComment(ctx, comment.ID, "reviewer-1")
	var perr *PermissionError
	require.ErrorAs(t, err, &perr)

	// 管理员可删
	require.NoError(t, e.DeleteComment(ctx, comment.ID, "admin-1"))

	list, err := e.ListComments(ctx, inst.ID, true)
	require.NoError(t, err)
	require.Empty(t, list)

	// 软删除后无法再操作
	_, err = e.EditComment(ctx, comment.ID, "author-1", "复活")
	var nerr *NotFoundError
	require.ErrorAs(t, err, &nerr)
}

func TestResolveComment(t *testing.T) {
	e, resolver, store := newTestEngine(t)
	_, inst := startEditorialWorkflow(t, e, resolver, store)
	ctx := context.Background()

	comment, err := e.AddComment(ctx, &AddCommentRequest{WorkflowID: inst.ID, Content: "数据口径?"}, "author-1")
	require.NoError(t, err)

	require.NoError(t, e.ResolveComment(ctx, comment.ID, "reviewer-1"))

	list, err := e.ListComments(ctx, inst.ID, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.True(t, list[0].IsResolved)
	require.Equal(t, "reviewer-1", list[0].ResolvedBy)

	// 重复解决视为未命中
	var nerr *NotFoundError
	require.ErrorAs(t, e.ResolveComment(ctx, comment.ID, "reviewer-1"), &nerr)
}

func TestToggleReaction(t *testing.T) {
	e, resolver, store := newTestEngine(t)
	_, inst := startEditorialWorkflow(t, e, resolver, store)
	ctx := context.Background()

	comment, err := e.AddComment(ctx, &AddCommentRequest{WorkflowID: inst.ID, Content: "点个赞"}, "author-1")
	require.NoError(t, err)

	withReaction, err := e.ToggleReaction(ctx, comment.ID, "reviewer-1", "👍")
	require.NoError(t, err)
	require.Equal(t, []string{"👍"}, withReaction.Reactions["reviewer-1"])

	// 再次切换即移除
	removed, err := e.ToggleReaction(ctx, comment.ID, "reviewer-1", "👍")
	require.NoError(t, err)
	require.NotContains(t, removed.Reactions, "reviewer-1")
}

func TestListCommentsFiltersInternal(t *testing.T) {
	e, resolver, store := newTestEngine(t)
	_, inst := startEditorialWorkflow(t, e, resolver, store)
	ctx := context.Background()

	_, err := e.AddComment(ctx, &AddCommentRequest{WorkflowID: inst.ID, Content: "公开评论"}, "author-1")
	require.NoError(t, err)
	_, err = e.AddComment(ctx, &AddCommentRequest{WorkflowID: inst.ID, Content: "内部讨论", IsInternal: true}, "author-1")
	require.NoError(t, err)

	public, err := e.ListComments(ctx, inst.ID, false)
	require.NoError(t, err)
	require.Len(t, public, 1)

	all, err := e.ListComments(ctx, inst.ID, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
