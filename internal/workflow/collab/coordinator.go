package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"backend/internal/identity"
	"backend/internal/logger"
	"backend/internal/metrics"
	"backend/internal/workflow"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Coordinator 工作流协作协调器
// 维护在线状态、阶段锁与冲突检测。热数据放在进程内存，异步
// 镜像到 redis 供其他进程只读观察；一致性边界是单个协调器进程，
// redis 镜像只做参考。
type Coordinator struct {
	db       *gorm.DB
	engine   *workflow.Engine
	identity identity.Resolver
	presence PresenceStore
	locks    *LockManager
	detector *ConflictDetector
	rdb      redis.UniversalClient
	clock    Clock
	logger   *zap.Logger

	presenceTTL       time.Duration
	reconcileInterval time.Duration
}

// CoordinatorOption 自定义协调器配置
type CoordinatorOption func(*Coordinator)

// WithClock 注入时钟
func WithClock(c Clock) CoordinatorOption {
	return func(co *Coordinator) { co.clock = c }
}

// WithRedis 注入 redis 镜像
func WithRedis(rdb redis.UniversalClient) CoordinatorOption {
	return func(co *Coordinator) { co.rdb = rdb }
}

// WithPresenceTTL 设置在线条目过期时长
func WithPresenceTTL(ttl time.Duration) CoordinatorOption {
	return func(co *Coordinator) {
		if ttl > 0 {
			co.presenceTTL = ttl
		}
	}
}

// WithReconcileInterval 设置调和循环间隔
func WithReconcileInterval(interval time.Duration) CoordinatorOption {
	return func(co *Coordinator) {
		if interval > 0 {
			co.reconcileInterval = interval
		}
	}
}

// WithLockTTL 设置默认锁时长
func WithLockTTL(ttl time.Duration) CoordinatorOption {
	return func(co *Coordinator) {
		co.locks = NewLockManager(ttl, co.clock)
	}
}

// WithConflictWindow 设置冲突检测窗口
func WithConflictWindow(window time.Duration) CoordinatorOption {
	return func(co *Coordinator) {
		co.detector = NewConflictDetector(co.db, window, co.clock, co.logger)
	}
}

// WithDetector 注入与引擎共享的冲突检测器
func WithDetector(d *ConflictDetector) CoordinatorOption {
	return func(co *Coordinator) { co.detector = d }
}

// WithCoordinatorLogger 注入日志器
func WithCoordinatorLogger(l *zap.Logger) CoordinatorOption {
	return func(co *Coordinator) { co.logger = l }
}

// NewCoordinator 创建协作协调器
func NewCoordinator(db *gorm.DB, engine *workflow.Engine, resolver identity.Resolver, opts ...CoordinatorOption) *Coordinator {
	co := &Coordinator{
		db:                db,
		engine:            engine,
		identity:          resolver,
		clock:             realClock{},
		logger:            logger.Get(),
		presenceTTL:       5 * time.Minute,
		reconcileInterval: 5 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(co)
		}
	}
	if co.presence == nil {
		co.presence = NewMemoryPresence(co.clock)
	}
	if co.locks == nil {
		co.locks = NewLockManager(10*time.Minute, co.clock)
	}
	if co.detector == nil {
		co.detector = NewConflictDetector(co.db, 30*time.Second, co.clock, co.logger)
	}
	return co
}

// JoinWorkflow 用户加入工作流协作
// 要求 view_workflow 能力或为实例相关人，成功后写入在线条目
// 并追加一条 viewed 活动流水。
func (c *Coordinator) JoinWorkflow(ctx context.Context, workflowID, userID string) (*ActiveUser, error) {
	inst, err := c.engine.GetInstance(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if !inst.IsAssignee(userID) && inst.InitiatedBy != userID {
		ok, err := c.identity.HasPermission(ctx, userID, identity.CapViewWorkflow)
		if err != nil {
			return nil, fmt.Errorf("权限检查失败: %w", err)
		}
		if !ok {
			return nil, &workflow.PermissionError{UserID: userID, Capability: identity.CapViewWorkflow}
		}
	}

	entry := &ActiveUser{
		UserID:        userID,
		Status:        StatusActive,
		CursorStageID: inst.CurrentStageID,
	}
	if user, err := c.identity.GetUserByID(ctx, userID); err == nil && user != nil {
		entry.DisplayName = user.DisplayName
		entry.Avatar = user.Avatar
	}

	c.presence.Upsert(workflowID, entry)
	c.persistPresence(ctx, workflowID)
	c.appendActivity(ctx, inst, userID, "viewed", "加入了协作会话")

	joined, _ := c.presence.Get(workflowID, userID, c.presenceTTL)
	return joined, nil
}

// LeaveWorkflow 用户离开工作流协作，同时释放其持有的全部阶段锁
func (c *Coordinator) LeaveWorkflow(ctx context.Context, workflowID, userID string) {
	if entry, ok := c.presence.Get(workflowID, userID, c.presenceTTL); ok && entry.CursorStageID != "" {
		c.locks.Release(workflowID, entry.CursorStageID, userID)
	}
	c.presence.Remove(workflowID, userID)
	c.persistPresence(ctx, workflowID)
}

// UpdateUserStatus 刷新用户状态与编辑游标，同时充当心跳
// 开始编辑时触发并发编辑检测。
func (c *Coordinator) UpdateUserStatus(ctx context.Context, workflowID, userID string, status UserStatus, isEditing bool, cursorStageID string) error {
	entry, ok := c.presence.Get(workflowID, userID, c.presenceTTL)
	if !ok {
		return &workflow.NotFoundError{Kind: "presence", ID: userID}
	}

	entry.Status = status
	entry.IsEditing = isEditing
	if cursorStageID != "" {
		entry.CursorStageID = cursorStageID
	}
	c.presence.Upsert(workflowID, entry)
	c.persistPresence(ctx, workflowID)

	if isEditing {
		if inst, err := c.engine.GetInstance(ctx, workflowID); err == nil {
			active := c.presence.List(workflowID, c.presenceTTL)
			if _, err := c.detector.CheckConcurrentEdit(ctx, inst, entry.CursorStageID, active); err != nil {
				c.logger.Warn("并发编辑检测失败",
					zap.String("workflow_id", workflowID),
					zap.Error(err))
			}
		}
	}
	return nil
}

// GetActiveUsers 返回工作流上未过期的在线用户
func (c *Coordinator) GetActiveUsers(workflowID string) []*ActiveUser {
	return c.presence.List(workflowID, c.presenceTTL)
}

// AcquireLock 获取阶段锁，要求持有者在线
func (c *Coordinator) AcquireLock(ctx context.Context, workflowID, stageID, holderID string, typ LockType, ttl time.Duration) (*StageLock, error) {
	if _, ok := c.presence.Get(workflowID, holderID, c.presenceTTL); !ok {
		return nil, &workflow.ValidationError{Reason: fmt.Sprintf("用户 %s 不在协作会话中", holderID)}
	}
	lock, err := c.locks.Acquire(workflowID, stageID, holderID, typ, ttl)
	if err != nil {
		return nil, err
	}
	c.persistLock(ctx, lock)
	return lock, nil
}

// RenewLock 续期阶段锁
func (c *Coordinator) RenewLock(ctx context.Context, workflowID, stageID, holderID string, ttl time.Duration) (*StageLock, error) {
	lock, err := c.locks.Renew(workflowID, stageID, holderID, ttl)
	if err != nil {
		return nil, err
	}
	c.persistLock(ctx, lock)
	return lock, nil
}

// ReleaseLock 释放阶段锁
func (c *Coordinator) ReleaseLock(ctx context.Context, workflowID, stageID, holderID string) bool {
	released := c.locks.Release(workflowID, stageID, holderID)
	if released && c.rdb != nil {
		if err := c.rdb.Del(ctx, lockMirrorKey(workflowID, stageID)).Err(); err != nil {
			c.logger.Debug("清理锁镜像失败", zap.Error(err))
		}
	}
	return released
}

// StageLocks 返回阶段上未过期的锁
func (c *Coordinator) StageLocks(workflowID, stageID string) []*StageLock {
	return c.locks.Holders(workflowID, stageID)
}

// Conflicts 返回冲突检测器，供流转侧和 API 使用
func (c *Coordinator) Conflicts() *ConflictDetector {
	return c.detector
}

// Run 运行调和循环直到 ctx 取消
// 每个周期清理陈旧在线条目并刷新在线人数指标。
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged := c.presence.Purge(c.presenceTTL)
			if purged > 0 {
				c.logger.Debug("清理陈旧在线条目", zap.Int("purged", purged))
			}
			metrics.PresenceActiveUsers.Set(float64(c.countActive()))
		}
	}
}

func (c *Coordinator) countActive() int {
	mp, ok := c.presence.(*MemoryPresence)
	if !ok {
		return 0
	}
	total := 0
	for _, s := range mp.shards {
		s.mu.RLock()
		for _, users := range s.workflows {
			total += len(users)
		}
		s.mu.RUnlock()
	}
	return total
}

// persistPresence 将工作流在线快照镜像到 redis（尽力执行）
func (c *Coordinator) persistPresence(ctx context.Context, workflowID string) {
	if c.rdb == nil {
		return
	}
	users := c.presence.List(workflowID, c.presenceTTL)
	key := presenceMirrorKey(workflowID)
	if len(users) == 0 {
		if err := c.rdb.Del(ctx, key).Err(); err != nil {
			c.logger.Debug("清理在线镜像失败", zap.Error(err))
		}
		return
	}
	data, err := json.Marshal(users)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, data, c.presenceTTL).Err(); err != nil {
		c.logger.Debug("写入在线镜像失败",
			zap.String("workflow_id", workflowID),
			zap.Error(err))
	}
}

// persistLock 将锁镜像到 redis（尽力执行）
func (c *Coordinator) persistLock(ctx context.Context, lock *StageLock) {
	if c.rdb == nil {
		return
	}
	data, err := json.Marshal(lock)
	if err != nil {
		return
	}
	ttl := lock.ExpiresAt.Sub(c.clock.Now())
	if ttl <= 0 {
		return
	}
	key := lockMirrorKey(lock.WorkflowID, lock.StageID)
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Debug("写入锁镜像失败", zap.Error(err))
	}
}

func (c *Coordinator) appendActivity(ctx context.Context, inst *workflow.WorkflowInstance, actorID, kind, description string) {
	entry := &workflow.ActivityLog{
		ID:          uuid.New().String(),
		TenantID:    inst.TenantID,
		WorkflowID:  inst.ID,
		ActorID:     actorID,
		Kind:        kind,
		Description: description,
		CreatedAt:   c.clock.Now(),
	}
	if err := c.db.WithContext(ctx).Create(entry).Error; err != nil {
		c.logger.Warn("写入活动流水失败",
			zap.String("workflow_id", inst.ID),
			zap.String("kind", kind),
			zap.Error(err))
	}
}

func presenceMirrorKey(workflowID string) string {
	return "collab:presence:" + workflowID
}

func lockMirrorKey(workflowID, stageID string) string {
	return "collab:lock:" + workflowID + ":" + stageID
}
