package identity

import (
	"context"
	"sync"
)

// 工作流引擎使用的能力标识
const (
	CapStartWorkflow  = "start_workflow"
	CapAssignWorkflow = "assign_workflow"
	CapManageWorkflow = "manage_workflow" // 管理员兜底能力
	CapViewWorkflow   = "view_workflow"
)

// User 身份解析结果，引擎只关心展示信息
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Resolver 身份与权限解析，由外部身份系统实现
type Resolver interface {
	// HasPermission 判断用户是否持有指定能力
	HasPermission(ctx context.Context, userID, capability string) (bool, error)
	// GetUserByID 解析用户展示信息，不存在时返回 (nil, nil)
	GetUserByID(ctx context.Context, userID string) (*User, error)
}

// StaticResolver 基于内存表的解析器，用于测试与单机部署
type StaticResolver struct {
	mu    sync.RWMutex
	users map[string]*User
	caps  map[string]map[string]bool // userID -> capability 集合
}

// NewStaticResolver 创建内存解析器
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		users: make(map[string]*User),
		caps:  make(map[string]map[string]bool),
	}
}

// AddUser 注册用户及其能力
func (r *StaticResolver) AddUser(user *User, capabilities ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = user
	set := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		set[c] = true
	}
	r.caps[user.ID] = set
}

// Grant 追加能力
func (r *StaticResolver) Grant(userID string, capabilities ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.caps[userID]
	if !ok {
		set = make(map[string]bool)
		r.caps[userID] = set
	}
	for _, c := range capabilities {
		set[c] = true
	}
}

// HasPermission 实现 Resolver
func (r *StaticResolver) HasPermission(_ context.Context, userID, capability string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caps[userID][capability], nil
}

// GetUserByID 实现 Resolver
func (r *StaticResolver) GetUserByID(_ context.Context, userID string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[userID], nil
}
