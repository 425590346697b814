package collab

import (
	"hash/fnv"
	"sync"
	"time"
)

// Clock 时间源，测试注入假时钟
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// UserStatus 在线用户状态
type UserStatus string

const (
	StatusActive UserStatus = "active"
	StatusIdle   UserStatus = "idle"
	StatusAway   UserStatus = "away"
)

// ActiveUser 工作流上的在线用户快照
type ActiveUser struct {
	UserID        string     `json:"userId"`
	DisplayName   string     `json:"displayName,omitempty"`
	Avatar        string     `json:"avatar,omitempty"`
	Status        UserStatus `json:"status"`
	IsEditing     bool       `json:"isEditing"`
	CursorStageID string     `json:"cursorStageId,omitempty"` // 当前查看的阶段
	JoinedAt      time.Time  `json:"joinedAt"`
	LastSeen      time.Time  `json:"lastSeen"`
}

// PresenceStore 工作流在线状态存储
// 条目超过 TTL 未刷新即视为陈旧，由调和循环调用 Purge 清理。
type PresenceStore interface {
	// Upsert 写入或刷新用户在线条目，LastSeen 由存储填充
	Upsert(workflowID string, user *ActiveUser)
	// Remove 移除用户条目，返回是否存在
	Remove(workflowID, userID string) bool
	// Get 查询单个用户条目，陈旧条目视为不存在
	Get(workflowID, userID string, ttl time.Duration) (*ActiveUser, bool)
	// List 返回工作流上未过期的在线用户
	List(workflowID string, ttl time.Duration) []*ActiveUser
	// Purge 清理全部工作流的陈旧条目，返回清理数量
	Purge(ttl time.Duration) int
}

const presenceShards = 16

type presenceShard struct {
	mu        sync.RWMutex
	workflows map[string]map[string]*ActiveUser // workflowID -> userID -> entry
}

// MemoryPresence 分片互斥锁保护的内存在线状态表
type MemoryPresence struct {
	shards [presenceShards]*presenceShard
	clock  Clock
}

// NewMemoryPresence 创建内存在线状态表，clock 为 nil 时使用真实时钟
func NewMemoryPresence(clock Clock) *MemoryPresence {
	if clock == nil {
		clock = realClock{}
	}
	p := &MemoryPresence{clock: clock}
	for i := range p.shards {
		p.shards[i] = &presenceShard{workflows: make(map[string]map[string]*ActiveUser)}
	}
	return p
}

func (p *MemoryPresence) shard(workflowID string) *presenceShard {
	h := fnv.New32a()
	h.Write([]byte(workflowID))
	return p.shards[h.Sum32()%presenceShards]
}

// Upsert 实现 PresenceStore
func (p *MemoryPresence) Upsert(workflowID string, user *ActiveUser) {
	now := p.clock.Now()
	s := p.shard(workflowID)
	s.mu.Lock()
	defer s.mu.Unlock()

	users, ok := s.workflows[workflowID]
	if !ok {
		users = make(map[string]*ActiveUser)
		s.workflows[workflowID] = users
	}
	entry := *user
	entry.LastSeen = now
	if existing, ok := users[user.UserID]; ok {
		entry.JoinedAt = existing.JoinedAt
	} else if entry.JoinedAt.IsZero() {
		entry.JoinedAt = now
	}
	users[user.UserID] = &entry
}

// Remove 实现 PresenceStore
func (p *MemoryPresence) Remove(workflowID, userID string) bool {
	s := p.shard(workflowID)
	s.mu.Lock()
	defer s.mu.Unlock()

	users, ok := s.workflows[workflowID]
	if !ok {
		return false
	}
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(s.workflows, workflowID)
	}
	return true
}

// Get 实现 PresenceStore
func (p *MemoryPresence) Get(workflowID, userID string, ttl time.Duration) (*ActiveUser, bool) {
	now := p.clock.Now()
	s := p.shard(workflowID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.workflows[workflowID][userID]
	if !ok || now.Sub(entry.LastSeen) > ttl {
		return nil, false
	}
	out := *entry
	return &out, true
}

// List 实现 PresenceStore
func (p *MemoryPresence) List(workflowID string, ttl time.Duration) []*ActiveUser {
	now := p.clock.Now()
	s := p.shard(workflowID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := s.workflows[workflowID]
	out := make([]*ActiveUser, 0, len(users))
	for _, entry := range users {
		if now.Sub(entry.LastSeen) > ttl {
			continue
		}
		cp := *entry
		out = append(out, &cp)
	}
	return out
}

// Purge 实现 PresenceStore
func (p *MemoryPresence) Purge(ttl time.Duration) int {
	now := p.clock.Now()
	purged := 0
	for _, s := range p.shards {
		s.mu.Lock()
		for workflowID, users := range s.workflows {
			for userID, entry := range users {
				if now.Sub(entry.LastSeen) > ttl {
					delete(users, userID)
					purged++
				}
			}
			if len(users) == 0 {
				delete(s.workflows, workflowID)
			}
		}
		s.mu.Unlock()
	}
	return purged
}
