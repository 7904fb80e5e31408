package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"kidguard-dispatch/common/mqtt"
	"kidguard-dispatch/internal/dispatch"
	"kidguard-dispatch/internal/models"
	"kidguard-dispatch/internal/presence"

	"go.uber.org/zap"
)

const (
	// 主题格式: kidguard/{device_id}/heartbeat，下行: kidguard/{device_id}/commands
	heartbeatTopicFilter = "kidguard/+/heartbeat"
	commandTopicPrefix   = "kidguard/"
	commandTopicSuffix   = "/commands"
)

// HeartbeatConsumer MQTT 心跳消费者：常在线设备走 MQTT 上报，
// 待执行指令通过下行主题推回
type HeartbeatConsumer struct {
	mqttClient *mqtt.Client
	tracker    *presence.Tracker
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

// NewHeartbeatConsumer 创建心跳消费者
func NewHeartbeatConsumer(
	mqttClient *mqtt.Client,
	tracker *presence.Tracker,
	dispatcher *dispatch.Dispatcher,
	logger *zap.Logger,
) *HeartbeatConsumer {
	return &HeartbeatConsumer{
		mqttClient: mqttClient,
		tracker:    tracker,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Start 启动消费者
func (c *HeartbeatConsumer) Start(ctx context.Context) error {
	if err := c.mqttClient.Subscribe(heartbeatTopicFilter, 1, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to heartbeat topic: %w", err)
	}

	c.logger.Info("MQTT heartbeat consumer started",
		zap.String("topic", heartbeatTopicFilter),
	)

	<-ctx.Done()
	return nil
}

// Stop 停止消费者
func (c *HeartbeatConsumer) Stop(ctx context.Context) error {
	if err := c.mqttClient.Unsubscribe(heartbeatTopicFilter); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}

	c.logger.Info("MQTT heartbeat consumer stopped")
	return nil
}

// handleMessage 处理心跳消息
func (c *HeartbeatConsumer) handleMessage(topic string, payload []byte) error {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[2] != "heartbeat" {
		return fmt.Errorf("invalid topic format: %s", topic)
	}
	deviceID := parts[1]

	var msg struct {
		BatteryLevel int             `json:"battery_level"`
		IsCharging   bool            `json:"is_charging"`
		Telemetry    json.RawMessage `json:"telemetry"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Error("Failed to unmarshal heartbeat message",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to unmarshal heartbeat: %w", err)
	}

	ctx := context.Background()
	if _, err := c.tracker.RecordHeartbeat(ctx, models.Heartbeat{
		DeviceID:     deviceID,
		BatteryLevel: msg.BatteryLevel,
		IsCharging:   msg.IsCharging,
		Telemetry:    msg.Telemetry,
	}); err != nil {
		return fmt.Errorf("failed to record heartbeat for %s: %w", deviceID, err)
	}

	commands, err := c.dispatcher.PullPending(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("failed to pull commands for %s: %w", deviceID, err)
	}
	if len(commands) == 0 {
		return nil
	}

	body, err := json.Marshal(models.HeartbeatResult{
		RequiresAction: true,
		Commands:       commands,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal command push: %w", err)
	}

	downTopic := commandTopicPrefix + deviceID + commandTopicSuffix
	if err := c.mqttClient.Publish(downTopic, 1, false, body); err != nil {
		// 指令保持 sent 状态，设备下次拉取仍可取到
		c.logger.Error("Failed to push commands over MQTT",
			zap.String("device_id", deviceID),
			zap.Int("command_count", len(commands)),
			zap.Error(err),
		)
		return nil
	}

	c.logger.Info("Pushed pending commands over MQTT",
		zap.String("device_id", deviceID),
		zap.Int("command_count", len(commands)),
	)
	return nil
}
