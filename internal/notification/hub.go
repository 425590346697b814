package notification

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"backend/internal/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

// Event 推送给前端的工作流事件信封
type Event struct {
	Type       string    `json:"type"` // notification、presence、stage_changed、lock...
	WorkflowID string    `json:"workflowId,omitempty"`
	Payload    any       `json:"payload"`
	CreatedAt  time.Time `json:"createdAt"`
}

type clientConn struct {
	conn      *websocket.Conn
	workflows map[string]struct{} // 订阅的工作流，空集表示接收全部
	mu        sync.Mutex
}

func (c *clientConn) subscribed(workflowID string) bool {
	if len(c.workflows) == 0 {
		return true
	}
	_, ok := c.workflows[workflowID]
	return ok
}

func (c *clientConn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub 管理租户/用户的 WebSocket 连接并分发工作流事件
// 同一用户允许多条连接（多标签页），事件写入失败的连接被摘除，
// 消息转入离线存储等用户重连后重放。
type Hub struct {
	mu                sync.RWMutex
	clients           map[string]map[string]map[*websocket.Conn]*clientConn
	offline           OfflineStore
	keepAliveInterval time.Duration
	logger            *zap.Logger
}

// HubOption 配置 hub
type HubOption func(*Hub)

// WithOfflineStore 指定离线存储
func WithOfflineStore(store OfflineStore) HubOption {
	return func(h *Hub) { h.offline = store }
}

// WithKeepAliveInterval 设置心跳间隔
func WithKeepAliveInterval(interval time.Duration) HubOption {
	return func(h *Hub) { h.keepAliveInterval = interval }
}

// WithHubLogger 设置日志器
func WithHubLogger(l *zap.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// NewHub 创建事件推送 Hub
func NewHub(opts ...HubOption) *Hub {
	hub := &Hub{
		clients:           make(map[string]map[string]map[*websocket.Conn]*clientConn),
		offline:           NewMemoryOfflineStore(50),
		keepAliveInterval: 30 * time.Second,
		logger:            logger.Get(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(hub)
		}
	}
	return hub
}

// Register 注册连接并声明关注的工作流
// 注册后立即重放该用户的离线消息。
func (h *Hub) Register(tenantID, userID string, conn *websocket.Conn, workflowIDs []string) {
	client := &clientConn{
		conn:      conn,
		workflows: sliceToSet(workflowIDs),
	}

	h.mu.Lock()
	if _, ok := h.clients[tenantID]; !ok {
		h.clients[tenantID] = make(map[string]map[*websocket.Conn]*clientConn)
	}
	if _, ok := h.clients[tenantID][userID]; !ok {
		h.clients[tenantID][userID] = make(map[*websocket.Conn]*clientConn)
	}
	h.clients[tenantID][userID][conn] = client
	h.mu.Unlock()

	h.replayOffline(context.Background(), tenantID, userID, client)
	h.startKeepAlive(tenantID, userID, client)
}

// Unregister 移除连接
func (h *Hub) Unregister(tenantID, userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if users, ok := h.clients[tenantID]; ok {
		if conns, ok := users[userID]; ok {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(users, userID)
			}
		}
		if len(users) == 0 {
			delete(h.clients, tenantID)
		}
	}
}

// Push 实现工作流引擎的 Pusher 接口
// 用户不在线时消息进入离线存储，投递失败不向调用方冒泡。
func (h *Hub) Push(tenantID, userID string, payload any) {
	event := Event{Type: "notification", Payload: payload, CreatedAt: time.Now().UTC()}
	if err := h.sendToUser(tenantID, userID, &event); err != nil {
		h.logger.Debug("推送通知失败",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", userID),
			zap.Error(err))
	}
}

// BroadcastWorkflow 向租户内订阅了指定工作流的全部连接广播事件
func (h *Hub) BroadcastWorkflow(tenantID, workflowID string, event *Event) {
	event.WorkflowID = workflowID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	var targets []*clientConn
	for _, conns := range h.clients[tenantID] {
		for _, client := range conns {
			if client.subscribed(workflowID) {
				targets = append(targets, client)
			}
		}
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if err := client.write(data); err != nil {
			h.logger.Debug("广播事件失败", zap.String("workflow_id", workflowID), zap.Error(err))
		}
	}
}

// ConnectedCount 返回指定租户/用户的连接数
func (h *Hub) ConnectedCount(tenantID, userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[tenantID][userID])
}

func (h *Hub) sendToUser(tenantID, userID string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	userConns := h.clients[tenantID][userID]
	h.mu.RUnlock()
	if len(userConns) == 0 {
		return h.storeOffline(context.Background(), tenantID, userID, data)
	}

	var firstErr error
	for conn, client := range userConns {
		if err := client.write(data); err != nil {
			h.Unregister(tenantID, userID, conn)
			_ = conn.Close()
			_ = h.storeOffline(context.Background(), tenantID, userID, data)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (h *Hub) replayOffline(ctx context.Context, tenantID, userID string, client *clientConn) {
	if h.offline == nil {
		return
	}
	messages, err := h.offline.Drain(ctx, tenantID, userID)
	if err != nil {
		h.logger.Warn("离线消息重放失败",
			zap.String("tenant_id", tenantID),
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}
	for _, msg := range messages {
		if err := client.write(msg); err != nil {
			h.logger.Debug("推送离线消息失败", zap.Error(err))
			return
		}
	}
}

func (h *Hub) storeOffline(ctx context.Context, tenantID, userID string, payload []byte) error {
	if h.offline == nil {
		return nil
	}
	return h.offline.Append(ctx, tenantID, userID, payload)
}

func (h *Hub) startKeepAlive(tenantID, userID string, client *clientConn) {
	if h.keepAliveInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(h.keepAliveInterval)
		defer ticker.Stop()
		for range ticker.C {
			client.mu.Lock()
			err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			client.mu.Unlock()
			if err != nil {
				h.Unregister(tenantID, userID, client.conn)
				_ = client.conn.Close()
				return
			}
		}
	}()
}

func sliceToSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}
