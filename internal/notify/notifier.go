package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Notifier 外部通知网关（推送 / 邮件）
// 由报警发射器以 fire-and-forget 方式调用，失败只记录日志
type Notifier interface {
	SendPush(ctx context.Context, parentID, title, body string, data map[string]any) error
	SendEmail(ctx context.Context, parentID, subject, body string) error
}

// gatewayResponse 通知网关统一响应
type gatewayResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// GatewayNotifier 通知网关 HTTP 客户端
type GatewayNotifier struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewGatewayNotifier 创建通知网关客户端
func NewGatewayNotifier(baseURL, apiKey string, logger *zap.Logger) *GatewayNotifier {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Api-Key", apiKey)

	return &GatewayNotifier{
		httpClient: client,
		logger:     logger,
	}
}

// SendPush 发送推送通知
func (n *GatewayNotifier) SendPush(ctx context.Context, parentID, title, body string, data map[string]any) error {
	request := map[string]any{
		"recipient": parentID,
		"title":     title,
		"body":      body,
		"data":      data,
	}

	var response gatewayResponse
	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&response).
		Post("/notify/push")

	if err != nil {
		return fmt.Errorf("push gateway call failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("push gateway returned %d: %s", resp.StatusCode(), response.Message)
	}

	n.logger.Debug("Push notification sent",
		zap.String("parent_id", parentID),
		zap.String("title", title),
	)
	return nil
}

// SendEmail 发送邮件通知
func (n *GatewayNotifier) SendEmail(ctx context.Context, parentID, subject, body string) error {
	request := map[string]any{
		"recipient": parentID,
		"subject":   subject,
		"body":      body,
	}

	var response gatewayResponse
	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&response).
		Post("/notify/email")

	if err != nil {
		return fmt.Errorf("email gateway call failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("email gateway returned %d: %s", resp.StatusCode(), response.Message)
	}

	n.logger.Debug("Email notification sent",
		zap.String("parent_id", parentID),
		zap.String("subject", subject),
	)
	return nil
}

// NopNotifier 空实现（通知网关未配置时使用）
type NopNotifier struct{}

func (NopNotifier) SendPush(ctx context.Context, parentID, title, body string, data map[string]any) error {
	return nil
}

func (NopNotifier) SendEmail(ctx context.Context, parentID, subject, body string) error {
	return nil
}
