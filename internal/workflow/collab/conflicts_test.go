package collab

import (
	"context"
	"testing"
	"time"

	"backend/internal/workflow"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seedAction(t *testing.T, d *ConflictDetector, workflowID, stageID, userID string, action workflow.ActionType, at time.Time) *workflow.WorkflowAction {
	t.Helper()
	rec := &workflow.WorkflowAction{
		ID:          uuid.New().String(),
		TenantID:    testTenant,
		WorkflowID:  workflowID,
		StageID:     stageID,
		Action:      action,
		PerformedBy: userID,
		CreatedAt:   at,
	}
	require.NoError(t, d.db.Create(rec).Error)
	return rec
}

func syntheticInstance(workflowID string) *workflow.WorkflowInstance {
	return &workflow.WorkflowInstance{
		ID:         workflowID,
		TenantID:   testTenant,
		AssignedTo: []string{"reviewer-1"},
	}
}

func TestApprovalConflictWithinWindow(t *testing.T) {
	clock := newFakeClock()
	d := NewConflictDetector(newCollabDB(t), 30*time.Second, clock, zap.NewNop())
	ctx := context.Background()
	inst := syntheticInstance(uuid.New().String())

	seedAction(t, d, inst.ID, "review", "reviewer-2", workflow.ActionTypeReject, clock.Now().Add(-10*time.Second))
	approve := seedAction(t, d, inst.ID, "review", "reviewer-1", workflow.ActionTypeApprove, clock.Now())

	conflict, err := d.CheckApprovalConflict(ctx, inst, approve)
	require.NoError(t, err)
	require.NotNil(t, conflict)
	require.Equal(t, workflow.ConflictApproval, conflict.Type)
	require.Equal(t, workflow.SeverityHigh, conflict.Severity)
	require.ElementsMatch(t, []string{"reviewer-1", "reviewer-2"}, conflict.AffectedUsers)
	require.Equal(t, workflow.ConflictPending, conflict.Status)
}

func TestApprovalConflictOutsideWindow(t *testing.T) {
	clock := newFakeClock()
	d := NewConflictDetector(newCollabDB(t), 30*time.Second, clock, zap.NewNop())
	inst := syntheticInstance(uuid.New().String())

	seedAction(t, d, inst.ID, "review", "reviewer-2", workflow.ActionTypeReject, clock.Now().Add(-2*time.Minute))
	approve := seedAction(t, d, inst.ID, "review", "reviewer-1", workflow.ActionTypeApprove, clock.Now())

	conflict, err := d.CheckApprovalConflict(context.Background(), inst, approve)
	require.NoError(t, err)
	require.Nil(t, conflict)
}

func TestApprovalConflictIgnoresNonApprovalActions(t *testing.T) {
	clock := newFakeClock()
	d := NewConflictDetector(newCollabDB(t), 30*time.Second, clock, zap.NewNop())
	inst := syntheticInstance(uuid.New().String())

	comment := seedAction(t, d, inst.ID, "review", "reviewer-1", workflow.ActionTypeComment, clock.Now())
	conflict, err := d.CheckApprovalConflict(context.Background(), inst, comment)
	require.NoError(t, err)
	require.Nil(t, conflict)
}

func TestConcurrentEditNeedsTwoEditors(t *testing.T) {
	clock := newFakeClock()
	d := NewConflictDetector(newCollabDB(t), 30*time.Second, clock, zap.NewNop())
	ctx := context.Background()
	inst := syntheticInstance(uuid.New().String())

	single := []*ActiveUser{
		{UserID: "u1", IsEditing: true, CursorStageID: "draft"},
		{UserID: "u2", IsEditing: false, CursorStageID: "draft"},
		{UserID: "u3", IsEditing: true, CursorStageID: "review"},
	}
	conflict, err := d.CheckConcurrentEdit(ctx, inst, "draft", single)
	require.NoError(t, err)
	require.Nil(t, conflict)

	both := append(single, &ActiveUser{UserID: "u4", IsEditing: true, CursorStageID: "draft"})
	conflict, err = d.CheckConcurrentEdit(ctx, inst, "draft", both)
	require.NoError(t, err)
	require.NotNil(t, conflict)
	require.Equal(t, workflow.ConflictConcurrentEdit, conflict.Type)
	require.Equal(t, workflow.SeverityMedium, conflict.Severity)
	require.ElementsMatch(t, []string{"u1", "u4"}, conflict.AffectedUsers)
}

func TestDeadlineConflictAfterStageTimeout(t *testing.T) {
	clock := newFakeClock()
	d := NewConflictDetector(newCollabDB(t), 30*time.Second, clock, zap.NewNop())
	ctx := context.Background()
	inst := syntheticInstance(uuid.New().String())
	stage := &workflow.Stage{ID: "review", Name: "审阅", TimeoutHours: 24}

	conflict, err := d.CheckDeadlineConflict(ctx, inst, stage, clock.Now().Add(-12*time.Hour))
	require.NoError(t, err)
	require.Nil(t, conflict)

	conflict, err = d.CheckDeadlineConflict(ctx, inst, stage, clock.Now().Add(-25*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, conflict)
	require.Equal(t, workflow.ConflictDeadline, conflict.Type)
	require.Equal(t, []string{"reviewer-1"}, conflict.AffectedUsers)
}

func TestResolveConflictOnce(t *testing.T) {
	clock := newFakeClock()
	d := NewConflictDetector(newCollabDB(t), 30*time.Second, clock, zap.NewNop())
	ctx := context.Background()
	inst := syntheticInstance(uuid.New().String())

	users := []*ActiveUser{
		{UserID: "u1", IsEditing: true, CursorStageID: "draft"},
		{UserID: "u2", IsEditing: true, CursorStageID: "draft"},
	}
	conflict, err := d.CheckConcurrentEdit(ctx, inst, "draft", users)
	require.NoError(t, err)
	require.NotNil(t, conflict)

	pending, err := d.ListPending(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, d.Resolve(ctx, conflict.ID, "admin-1", "双方已线下协调"))

	pending, err = d.ListPending(ctx, inst.ID)
	require.NoError(t, err)
	require.Empty(t, pending)

	var notFound *workflow.NotFoundError
	err = d.Resolve(ctx, conflict.ID, "admin-1", "重复关闭")
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "conflict", notFound.Kind)
}
