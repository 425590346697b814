package collab

import (
	"testing"
	"time"

	"backend/internal/workflow"

	"github.com/stretchr/testify/require"
)

func TestLockExclusiveConflict(t *testing.T) {
	clock := newFakeClock()
	m := NewLockManager(10*time.Minute, clock)

	lock, err := m.Acquire("wf-1", "review", "u1", LockExclusive, 0)
	require.NoError(t, err)
	require.Equal(t, clock.Now().Add(10*time.Minute), lock.ExpiresAt)

	_, err = m.Acquire("wf-1", "review", "u2", LockExclusive, 0)
	var conflict *workflow.LockConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "u1", conflict.HeldBy)
	require.Equal(t, "review", conflict.StageID)

	// 不同阶段互不影响
	_, err = m.Acquire("wf-1", "draft", "u2", LockExclusive, 0)
	require.NoError(t, err)
}

func TestLockReacquireRenews(t *testing.T) {
	clock := newFakeClock()
	m := NewLockManager(10*time.Minute, clock)

	first, err := m.Acquire("wf-1", "review", "u1", LockExclusive, 0)
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	second, err := m.Acquire("wf-1", "review", "u1", LockExclusive, 0)
	require.NoError(t, err)
	require.Equal(t, first.AcquiredAt, second.AcquiredAt)
	require.Equal(t, clock.Now().Add(10*time.Minute), second.ExpiresAt)
	require.Len(t, m.Holders("wf-1", "review"), 1)
}

func TestLockGrantedAfterExpiry(t *testing.T) {
	clock := newFakeClock()
	m := NewLockManager(10*time.Minute, clock)

	_, err := m.Acquire("wf-1", "review", "u1", LockExclusive, time.Minute)
	require.NoError(t, err)

	clock.Advance(time.Minute) // 恰好到期即失效
	lock, err := m.Acquire("wf-1", "review", "u2", LockExclusive, 0)
	require.NoError(t, err)
	require.Equal(t, "u2", lock.HolderID)
}

func TestLockSharedCompatibility(t *testing.T) {
	clock := newFakeClock()
	m := NewLockManager(10*time.Minute, clock)

	_, err := m.Acquire("wf-1", "review", "u1", LockShared, 0)
	require.NoError(t, err)
	_, err = m.Acquire("wf-1", "review", "u2", LockShared, 0)
	require.NoError(t, err)
	require.Len(t, m.Holders("wf-1", "review"), 2)

	// 共享锁在场时排他锁被拒
	_, err = m.Acquire("wf-1", "review", "u3", LockExclusive, 0)
	var conflict *workflow.LockConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestLockRenewAndRelease(t *testing.T) {
	clock := newFakeClock()
	m := NewLockManager(10*time.Minute, clock)

	_, err := m.Acquire("wf-1", "review", "u1", LockExclusive, time.Minute)
	require.NoError(t, err)

	renewed, err := m.Renew("wf-1", "review", "u1", 2*time.Minute)
	require.NoError(t, err)
	require.Equal(t, clock.Now().Add(2*time.Minute), renewed.ExpiresAt)

	// 过期后续期要求重新获取
	clock.Advance(3 * time.Minute)
	_, err = m.Renew("wf-1", "review", "u1", time.Minute)
	var notFound *workflow.NotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "lock", notFound.Kind)

	_, err = m.Acquire("wf-1", "review", "u1", LockExclusive, time.Minute)
	require.NoError(t, err)
	require.True(t, m.Release("wf-1", "review", "u1"))
	require.False(t, m.Release("wf-1", "review", "u1"))
	require.Empty(t, m.Holders("wf-1", "review"))
}
