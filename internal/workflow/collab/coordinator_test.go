package collab

import (
	"context"
	"testing"
	"time"

	"backend/internal/workflow"

	"github.com/stretchr/testify/require"
)

func TestJoinWorkflowRequiresViewCapability(t *testing.T) {
	clock := newFakeClock()
	co, inst, _ := newCollabHarness(t, clock)
	ctx := context.Background()

	// 无任何能力且与实例无关的用户被拒
	_, err := co.JoinWorkflow(ctx, inst.ID, "stranger-1")
	var perm *workflow.PermissionError
	require.ErrorAs(t, err, &perm)
	require.Equal(t, "stranger-1", perm.UserID)

	// 发起人无需 view_workflow 能力
	joined, err := co.JoinWorkflow(ctx, inst.ID, "author-1")
	require.NoError(t, err)
	require.Equal(t, "author-1", joined.UserID)
	require.Equal(t, StatusActive, joined.Status)
	require.Equal(t, inst.CurrentStageID, joined.CursorStageID)
	require.Equal(t, "作者", joined.DisplayName)

	// 有 view_workflow 能力的旁观者可加入
	observer, err := co.JoinWorkflow(ctx, inst.ID, "reviewer-2")
	require.NoError(t, err)
	require.Equal(t, "reviewer-2", observer.UserID)

	users := co.GetActiveUsers(inst.ID)
	require.Len(t, users, 2)
}

func TestUpdateUserStatusActsAsHeartbeat(t *testing.T) {
	clock := newFakeClock()
	co, inst, _ := newCollabHarness(t, clock, WithPresenceTTL(5*time.Minute))
	ctx := context.Background()

	_, err := co.JoinWorkflow(ctx, inst.ID, "author-1")
	require.NoError(t, err)

	// 心跳把 LastSeen 推到当前时刻，条目不会过期
	clock.Advance(4 * time.Minute)
	require.NoError(t, co.UpdateUserStatus(ctx, inst.ID, "author-1", StatusIdle, false, ""))
	clock.Advance(4 * time.Minute)
	users := co.GetActiveUsers(inst.ID)
	require.Len(t, users, 1)
	require.Equal(t, StatusIdle, users[0].Status)

	// 未在会话中的用户心跳被拒
	err = co.UpdateUserStatus(ctx, inst.ID, "ghost", StatusActive, false, "")
	var notFound *workflow.NotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "presence", notFound.Kind)
}

func TestConcurrentEditDetectedOnStatusUpdate(t *testing.T) {
	clock := newFakeClock()
	co, inst, _ := newCollabHarness(t, clock, WithConflictWindow(30*time.Second))
	ctx := context.Background()

	_, err := co.JoinWorkflow(ctx, inst.ID, "author-1")
	require.NoError(t, err)
	_, err = co.JoinWorkflow(ctx, inst.ID, "reviewer-1")
	require.NoError(t, err)

	require.NoError(t, co.UpdateUserStatus(ctx, inst.ID, "author-1", StatusActive, true, "draft"))
	require.NoError(t, co.UpdateUserStatus(ctx, inst.ID, "reviewer-1", StatusActive, true, "draft"))

	pending, err := co.Conflicts().ListPending(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, workflow.ConflictConcurrentEdit, pending[0].Type)
	require.ElementsMatch(t, []string{"author-1", "reviewer-1"}, pending[0].AffectedUsers)
}

func TestAcquireLockRequiresPresence(t *testing.T) {
	clock := newFakeClock()
	co, inst, _ := newCollabHarness(t, clock, WithLockTTL(10*time.Minute))
	ctx := context.Background()

	_, err := co.AcquireLock(ctx, inst.ID, "draft", "author-1", LockExclusive, 0)
	var verr *workflow.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = co.JoinWorkflow(ctx, inst.ID, "author-1")
	require.NoError(t, err)

	lock, err := co.AcquireLock(ctx, inst.ID, "draft", "author-1", LockExclusive, 0)
	require.NoError(t, err)
	require.Equal(t, "author-1", lock.HolderID)
	require.Len(t, co.StageLocks(inst.ID, "draft"), 1)

	renewed, err := co.RenewLock(ctx, inst.ID, "draft", "author-1", 20*time.Minute)
	require.NoError(t, err)
	require.Equal(t, clock.Now().Add(20*time.Minute), renewed.ExpiresAt)

	require.True(t, co.ReleaseLock(ctx, inst.ID, "draft", "author-1"))
	require.Empty(t, co.StageLocks(inst.ID, "draft"))
}

func TestLeaveWorkflowReleasesCursorLock(t *testing.T) {
	clock := newFakeClock()
	co, inst, _ := newCollabHarness(t, clock)
	ctx := context.Background()

	_, err := co.JoinWorkflow(ctx, inst.ID, "author-1")
	require.NoError(t, err)
	require.NoError(t, co.UpdateUserStatus(ctx, inst.ID, "author-1", StatusActive, false, "draft"))
	_, err = co.AcquireLock(ctx, inst.ID, "draft", "author-1", LockExclusive, 0)
	require.NoError(t, err)

	co.LeaveWorkflow(ctx, inst.ID, "author-1")

	require.Empty(t, co.GetActiveUsers(inst.ID))
	require.Empty(t, co.StageLocks(inst.ID, "draft"))

	// 锁释放后其他在线用户可立即取得
	_, err = co.JoinWorkflow(ctx, inst.ID, "reviewer-1")
	require.NoError(t, err)
	lock, err := co.AcquireLock(ctx, inst.ID, "draft", "reviewer-1", LockExclusive, 0)
	require.NoError(t, err)
	require.Equal(t, "reviewer-1", lock.HolderID)
}

func TestJoinWorkflowAppendsActivity(t *testing.T) {
	clock := newFakeClock()
	co, inst, _ := newCollabHarness(t, clock)
	ctx := context.Background()

	_, err := co.JoinWorkflow(ctx, inst.ID, "author-1")
	require.NoError(t, err)

	var logs []*workflow.ActivityLog
	require.NoError(t, co.db.Where("workflow_id = ? AND kind = ?", inst.ID, "viewed").Find(&logs).Error)
	require.Len(t, logs, 1)
	require.Equal(t, "author-1", logs[0].ActorID)
}
