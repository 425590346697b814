package notification

import (
	"context"
	"time"

	"backend/pkg/httputil"

	"go.uber.org/zap"
)

// WebhookPusher 将通知投递到外部回调地址，用于对接 IM、邮件网关等下游系统
// 投递为尽力而为，失败只记日志，不影响工作流主流程
type WebhookPusher struct {
	url     string
	client  *httputil.Client
	timeout time.Duration
	logger  *zap.Logger
}

// webhookEnvelope 回调请求体
type webhookEnvelope struct {
	TenantID  string    `json:"tenantId"`
	Recipient string    `json:"recipient"`
	Payload   any       `json:"payload"`
	SentAt    time.Time `json:"sentAt"`
}

// NewWebhookPusher 创建回调推送器
func NewWebhookPusher(url string, logger *zap.Logger) *WebhookPusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookPusher{
		url: url,
		client: httputil.NewClient(
			httputil.WithTimeout(10*time.Second),
			httputil.WithRetries(2),
		),
		timeout: 10 * time.Second,
		logger:  logger,
	}
}

// Push 实现推送接口
func (p *WebhookPusher) Push(tenantID, userID string, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	envelope := &webhookEnvelope{
		TenantID:  tenantID,
		Recipient: userID,
		Payload:   payload,
		SentAt:    time.Now().UTC(),
	}
	if err := p.client.PostJSON(ctx, p.url, envelope, nil); err != nil {
		p.logger.Warn("Webhook 投递失败",
			zap.String("tenant_id", tenantID),
			zap.String("recipient", userID),
			zap.Error(err),
		)
	}
}

// Pusher 通知推送抽象，Hub 与 WebhookPusher 均实现
type Pusher interface {
	Push(tenantID, userID string, payload any)
}

// FanoutPusher 顺序调用多个推送通道
type FanoutPusher []Pusher

// Push 实现推送接口
func (f FanoutPusher) Push(tenantID, userID string, payload any) {
	for _, p := range f {
		p.Push(tenantID, userID, payload)
	}
}
