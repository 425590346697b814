package content

import (
	"context"
	"sync"
	"time"
)

// PublishStatus 内容发布状态
type PublishStatus string

const (
	PublishStatusDraft     PublishStatus = "draft"     // 草稿
	PublishStatusPending   PublishStatus = "pending"   // 待审核
	PublishStatusPublished PublishStatus = "published" // 已发布
	PublishStatusOffline   PublishStatus = "offline"   // 已下架
)

// Content 工作流引擎视角下的内容实体
// 内容的存储与版本管理由外部内容系统负责。
type Content struct {
	ID          string        `json:"id"`
	Type        string        `json:"type"` // article、page、media...
	Title       string        `json:"title"`
	AuthorID    string        `json:"authorId"`
	Status      PublishStatus `json:"status"`
	PublishedAt *time.Time    `json:"publishedAt,omitempty"`
}

// Store 内容存储协作方接口
type Store interface {
	// GetContent 按 ID 获取内容，不存在时返回 (nil, nil)
	GetContent(ctx context.Context, id string) (*Content, error)
	// PublishContent 将内容标记为已发布
	PublishContent(ctx context.Context, id, actorID string) (*Content, error)
}

// MemoryStore 内存实现，用于测试与单机部署
type MemoryStore struct {
	mu       sync.RWMutex
	contents map[string]*Content
}

// NewMemoryStore 创建内存内容存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contents: make(map[string]*Content)}
}

// Put 写入内容
func (s *MemoryStore) Put(c *Content) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contents[c.ID] = c
}

// GetContent 实现 Store
func (s *MemoryStore) GetContent(_ context.Context, id string) (*Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contents[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// PublishContent 实现 Store
func (s *MemoryStore) PublishContent(_ context.Context, id, _ string) (*Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contents[id]
	if !ok {
		return nil, nil
	}
	now := time.Now().UTC()
	c.Status = PublishStatusPublished
	c.PublishedAt = &now
	cp := *c
	return &cp, nil
}
