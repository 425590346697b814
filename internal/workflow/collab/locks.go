package collab

import (
	"sync"
	"time"

	"backend/internal/metrics"
	"backend/internal/workflow"
)

// LockType 锁类型
type LockType string

const (
	LockExclusive LockType = "exclusive"
	LockShared    LockType = "shared"
)

// StageLock 阶段编辑锁
type StageLock struct {
	WorkflowID string    `json:"workflowId"`
	StageID    string    `json:"stageId"`
	HolderID   string    `json:"holderId"`
	Type       LockType  `json:"type"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired 懒惰过期判断
func (l *StageLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

type lockKey struct {
	workflowID string
	stageID    string
}

// LockManager 阶段锁管理器
// 同一 (workflow, stage) 上最多存在一把未过期的排他锁；共享锁
// 互相兼容，但与排他锁互斥。过期不依赖后台清理，在每次
// 访问时懒惰判定。
type LockManager struct {
	mu         sync.Mutex
	locks      map[lockKey][]*StageLock
	clock      Clock
	defaultTTL time.Duration
}

// NewLockManager 创建锁管理器，clock 为 nil 时使用真实时钟
func NewLockManager(defaultTTL time.Duration, clock Clock) *LockManager {
	if clock == nil {
		clock = realClock{}
	}
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	return &LockManager{
		locks:      make(map[lockKey][]*StageLock),
		clock:      clock,
		defaultTTL: defaultTTL,
	}
}

// Acquire 获取阶段锁
// ttl <= 0 时使用默认 TTL。持有者重复获取视为续期。
// 与已有未过期锁冲突时返回 LockConflictError 并计一次冲突指标。
func (m *LockManager) Acquire(workflowID, stageID, holderID string, typ LockType, ttl time.Duration) (*StageLock, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := m.clock.Now()
	key := lockKey{workflowID, stageID}

	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.pruneLocked(key, now)
	for _, held := range live {
		if held.HolderID == holderID && held.Type == typ {
			// 重复获取即续期
			held.ExpiresAt = now.Add(ttl)
			out := *held
			return &out, nil
		}
		if typ == LockExclusive || held.Type == LockExclusive {
			metrics.LockConflictsTotal.Inc()
			return nil, &workflow.LockConflictError{
				WorkflowID: workflowID,
				StageID:    stageID,
				HeldBy:     held.HolderID,
			}
		}
	}

	lock := &StageLock{
		WorkflowID: workflowID,
		StageID:    stageID,
		HolderID:   holderID,
		Type:       typ,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	m.locks[key] = append(live, lock)
	out := *lock
	return &out, nil
}

// Renew 延长持有中的锁
// 锁不存在或已过期时返回 NotFoundError，持有者需重新 Acquire。
func (m *LockManager) Renew(workflowID, stageID, holderID string, ttl time.Duration) (*StageLock, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := m.clock.Now()
	key := lockKey{workflowID, stageID}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, held := range m.pruneLocked(key, now) {
		if held.HolderID == holderID {
			held.ExpiresAt = now.Add(ttl)
			out := *held
			return &out, nil
		}
	}
	return nil, &workflow.NotFoundError{Kind: "lock", ID: workflowID + "/" + stageID}
}

// Release 释放持有中的锁，返回是否确实持有
func (m *LockManager) Release(workflowID, stageID, holderID string) bool {
	now := m.clock.Now()
	key := lockKey{workflowID, stageID}

	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.pruneLocked(key, now)
	for i, held := range live {
		if held.HolderID == holderID {
			remaining := append(live[:i], live[i+1:]...)
			if len(remaining) == 0 {
				delete(m.locks, key)
			} else {
				m.locks[key] = remaining
			}
			return true
		}
	}
	return false
}

// Holders 返回阶段上未过期的锁
func (m *LockManager) Holders(workflowID, stageID string) []*StageLock {
	now := m.clock.Now()
	key := lockKey{workflowID, stageID}

	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.pruneLocked(key, now)
	out := make([]*StageLock, 0, len(live))
	for _, held := range live {
		cp := *held
		out = append(out, &cp)
	}
	return out
}

// pruneLocked 剔除过期锁并回写，调用方必须持有 m.mu
func (m *LockManager) pruneLocked(key lockKey, now time.Time) []*StageLock {
	held := m.locks[key]
	live := held[:0]
	for _, lock := range held {
		if !lock.Expired(now) {
			live = append(live, lock)
		}
	}
	if len(live) == 0 {
		delete(m.locks, key)
		return nil
	}
	m.locks[key] = live
	return live
}
