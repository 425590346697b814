package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestDrainOutboxReplaysNotifyIdempotently(t *testing.T) {
	e, resolver, store := newTestEngine(t)
	seedUsers(resolver)
	seedContent(store, "content-1")
	ctx := context.Background()
	tpl := createEditorialTemplate(t, e, TemplateSettings{AutoAssignReviewers: true})
	inst, err := e.StartWorkflow(ctx, testTenant, tpl.ID, "content-1", "author-1", nil)
	require.NoError(t, err)
	inst, err = e.Transition(ctx, inst.ID, "draft", "review", ActionTypeSubmit, "author-1", nil)
	require.NoError(t, err)

	actions, err := e.ListActions(ctx, inst.ID)
	require.NoError(t, err)
	last := actions[len(actions)-1]

	// 模拟同步分发失败：手工补一条 pending 的 notify 出站记录
	entry := &OutboxEntry{
		ID:         uuid.New().String(),
		TenantID:   testTenant,
		WorkflowID: inst.ID,
		ActionID:   last.ID,
		Kind:       "notify",
		Payload:    map[string]any{"to_stage": "review"},
		Status:     OutboxPending,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, e.db.Create(entry).Error)

	var before int64
	require.NoError(t, e.db.Model(&WorkflowNotification{}).
		Where("action_id = ?", last.ID).Count(&before).Error)

	dispatched, err := e.DrainOutbox(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, dispatched)

	// 重放不会产生重复通知
	var after int64
	require.NoError(t, e.db.Model(&WorkflowNotification{}).
		Where("action_id = ?", last.ID).Count(&after).Error)
	require.Equal(t, before, after)

	var stored OutboxEntry
	require.NoError(t, e.db.Where("id = ?", entry.ID).First(&stored).Error)
	require.Equal(t, OutboxDispatched, stored.Status)
	require.Equal(t, 1, stored.Attempts)
	require.NotNil(t, stored.DispatchedAt)
}

func TestDrainOutboxMarksFailedAfterMaxAttempts(t *testing.T) {
	e, resolver, store := newTestEngine(t)
	_, inst := startEditorialWorkflow(t, e, resolver, store)
	ctx := context.Background()

	entry := &OutboxEntry{
		ID:         uuid.New().String(),
		TenantID:   testTenant,
		WorkflowID: inst.ID,
		ActionID:   uuid.New().String(),
		Kind:       "teleport", // 未知类型，分发恒失败
		Status:     OutboxPending,
		Attempts:   outboxMaxAttempts - 1,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, e.db.Create(entry).Error)

	dispatched, err := e.DrainOutbox(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, dispatched)

	var stored OutboxEntry
	require.NoError(t, e.db.Where("id = ?", entry.ID).First(&stored).Error)
	require.Equal(t, OutboxFailed, stored.Status)
	require.Equal(t, outboxMaxAttempts, stored.Attempts)
	require.NotEmpty(t, stored.LastErr)
}

func TestCheckDeadlineRecordsConflictAndNotifies(t *testing.T) {
	e, resolver, store := newTestEngine(t)
	seedUsers(resolver)
	seedContent(store, "content-1")
	ctx := context.Background()
	tpl := createEditorialTemplate(t, e, TemplateSettings{AutoAssignReviewers: true})

	past := time.Now().UTC().Add(-time.Hour)
	inst, err := e.StartWorkflow(ctx, testTenant, tpl.ID, "content-1", "author-1", &StartOptions{
		DueDate:    &past,
		AssignedTo: []string{"reviewer-1"},
	})
	require.NoError(t, err)

	require.NoError(t, e.CheckDeadline(ctx, inst.ID))

	var conflicts int64
	require.NoError(t, e.db.Model(&WorkflowConflict{}).
		Where("workflow_id = ? AND type = ?", inst.ID, ConflictDeadline).
		Count(&conflicts).Error)
	require.Equal(t, int64(1), conflicts)

	var notified int64
	require.NoError(t, e.db.Model(&WorkflowNotification{}).
		Where("recipient = ? AND type = ?", "reviewer-1", NotifyDeadline).
		Count(&notified).Error)
	require.Equal(t, int64(1), notified)
}

func TestCheckDeadlineSkipsTerminalAndFuture(t *testing.T) {
	e, resolver, store := newTestEngine(t)
	seedUsers(resolver)
	seedContent(store, "content-1")
	ctx := context.Background()
	tpl := createEditorialTemplate(t, e, TemplateSettings{})

	future := time.Now().UTC().Add(time.Hour)
	inst, err := e.StartWorkflow(ctx, testTenant, tpl.ID, "content-1", "author-1", &StartOptions{DueDate: &future})
	require.NoError(t, err)

	require.NoError(t, e.CheckDeadline(ctx, inst.ID))

	var conflicts int64
	require.NoError(t, e.db.Model(&WorkflowConflict{}).
		Where("workflow_id = ?", inst.ID).Count(&conflicts).Error)
	require.Zero(t, conflicts)
}
