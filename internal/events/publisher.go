package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 事件类型（发布到订阅频道的 type 字段）
const (
	EventCommandIssued    = "command_issued"
	EventCommandCancelled = "command_cancelled"
	EventCommandResult    = "command_result"
	EventAlertCreated     = "alert_created"
	EventPresenceChanged  = "presence_changed"
)

// CommandEvent 指令相关事件负载
type CommandEvent struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id"`
	DeviceID  string `json:"device_id"`
	Command   string `json:"command,omitempty"`
	Priority  string `json:"priority,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// AlertEvent 报警事件负载
type AlertEvent struct {
	Type      string `json:"type"`
	AlertID   string `json:"alert_id"`
	DeviceID  string `json:"device_id"`
	AlertType string `json:"alert_type"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// PresenceEvent 在线状态变更事件负载
type PresenceEvent struct {
	Type      string `json:"type"`
	DeviceID  string `json:"device_id"`
	IsOnline  bool   `json:"is_online"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher 基于 Redis Pub/Sub 的事件发布器
// 按接收方（家长 / 设备）分频道做 best-effort 推送：
// 没有订阅者时消息即丢弃，投递保证仍由拉取协议承担
type Publisher struct {
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewPublisher 创建事件发布器
func NewPublisher(redisClient *redis.Client, logger *zap.Logger) *Publisher {
	return &Publisher{
		redisClient: redisClient,
		logger:      logger,
	}
}

// ParentChannel 家长端订阅频道
func ParentChannel(parentID string) string {
	return "kidguard:parent:" + parentID + ":events"
}

// DeviceChannel 设备端订阅频道
func DeviceChannel(deviceID string) string {
	return "kidguard:device:" + deviceID + ":events"
}

// PublishToParent 向家长频道发布事件
func (p *Publisher) PublishToParent(ctx context.Context, parentID string, event any) error {
	return p.publish(ctx, ParentChannel(parentID), event)
}

// PublishToDevice 向设备频道发布事件
func (p *Publisher) PublishToDevice(ctx context.Context, deviceID string, event any) error {
	return p.publish(ctx, DeviceChannel(deviceID), event)
}

func (p *Publisher) publish(ctx context.Context, channel string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	receivers, err := p.redisClient.Publish(ctx, channel, payload).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Published event",
		zap.String("channel", channel),
		zap.Int64("receivers", receivers),
	)
	return nil
}

// Now 事件时间戳（秒）
func Now() int64 {
	return time.Now().Unix()
}
