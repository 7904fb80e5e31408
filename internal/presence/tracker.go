package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kidguard-dispatch/internal/dispatch"
	"kidguard-dispatch/internal/events"
	"kidguard-dispatch/internal/models"
	"kidguard-dispatch/internal/repository"

	"go.uber.org/zap"
)

// offlineBatchSize 单次离线扫描处理的设备上限（扫描超时可重入）
const offlineBatchSize = 500

// criticalBatteryLevel 低于该电量时 low_battery 报警升级为 critical
const criticalBatteryLevel = 10

// eventPublisher 在线状态事件推送（best-effort）
type eventPublisher interface {
	PublishToParent(ctx context.Context, parentID string, event any) error
}

// alertSink 报警落点
type alertSink interface {
	Emit(ctx context.Context, alert *models.Alert) error
}

// Tracker 设备在线状态跟踪器
// is_online 是基于 last_heartbeat 的缓存值：心跳把它置 TRUE，
// 周期性扫描把超过阈值没有心跳的设备翻转为 FALSE 并触发报警
type Tracker struct {
	devices   repository.DevicesRepository
	alerts    alertSink
	publisher eventPublisher
	battery   *BatteryState
	logger    *zap.Logger

	now func() time.Time
}

// NewTracker 创建在线状态跟踪器
func NewTracker(
	devices repository.DevicesRepository,
	alerts alertSink,
	publisher eventPublisher,
	battery *BatteryState,
	logger *zap.Logger,
) *Tracker {
	return &Tracker{
		devices:   devices,
		alerts:    alerts,
		publisher: publisher,
		battery:   battery,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordHeartbeat 心跳摄入
// 写入 last_heartbeat / 在线标记 / 电量字段（last write wins，可重放），
// 评估低电量报警（一段连续低电量只报一次），返回更新后的设备
func (t *Tracker) RecordHeartbeat(ctx context.Context, hb models.Heartbeat) (*models.Device, error) {
	device, err := t.devices.GetDevice(ctx, hb.DeviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, dispatch.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", dispatch.ErrTransientStore, err)
	}
	if device.Status == models.DeviceDeleted {
		return nil, dispatch.ErrNotFound
	}

	wasOnline := device.IsOnline
	now := t.now()

	if err := t.devices.UpdateHeartbeat(ctx, hb.DeviceID, hb.BatteryLevel, hb.IsCharging, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, dispatch.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", dispatch.ErrTransientStore, err)
	}

	device.IsOnline = true
	device.LastHeartbeat.Time = now
	device.LastHeartbeat.Valid = true
	device.BatteryLevel = hb.BatteryLevel
	device.IsCharging = hb.IsCharging

	if !wasOnline {
		t.onBackOnline(ctx, device, now)
	}

	t.checkBattery(ctx, device, hb)

	return device, nil
}

// DetectOfflineDevices 周期性离线扫描（由调度器触发）
// 翻转在线但心跳早于阈值的设备，每次翻转恰好产生一条 device_offline 报警。
// 翻转条件带 last_heartbeat 乐观检查：扫描期间到达的心跳胜出，
// 扫描超期重入时同一设备也不会被处理两次
func (t *Tracker) DetectOfflineDevices(ctx context.Context, threshold time.Duration) (int, error) {
	now := t.now()
	cutoff := now.Add(-threshold)

	candidates, err := t.devices.ListOfflineCandidates(ctx, cutoff, offlineBatchSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", dispatch.ErrTransientStore, err)
	}

	count := 0
	for _, device := range candidates {
		if !device.LastHeartbeat.Valid {
			continue
		}
		flipped, err := t.devices.MarkOffline(ctx, device.DeviceID, device.LastHeartbeat.Time)
		if err != nil {
			t.logger.Error("Failed to mark device offline",
				zap.String("device_id", device.DeviceID),
				zap.Error(err),
			)
			continue
		}
		if !flipped {
			// 扫描期间来了新心跳，设备仍在线
			continue
		}

		count++
		t.logger.Info("Device went offline",
			zap.String("device_id", device.DeviceID),
			zap.Time("last_heartbeat", device.LastHeartbeat.Time),
		)

		t.publishPresence(ctx, device, false, now)

		if device.Settings.OfflineAlertEnabled {
			data, _ := json.Marshal(map[string]any{
				"last_heartbeat": device.LastHeartbeat.Time.Unix(),
			})
			alert := &models.Alert{
				DeviceID: device.DeviceID,
				ParentID: device.ParentID,
				Type:     models.AlertDeviceOffline,
				Severity: models.SeverityHigh,
				Message:  "Device has not reported a heartbeat and is now offline",
				Data:     data,
			}
			if err := t.alerts.Emit(ctx, alert); err != nil {
				t.logger.Warn("Failed to emit offline alert",
					zap.String("device_id", device.DeviceID),
					zap.Error(err),
				)
			}
		}
	}

	return count, nil
}

// onBackOnline 离线 → 在线翻转
func (t *Tracker) onBackOnline(ctx context.Context, device *models.Device, now time.Time) {
	t.logger.Info("Device back online", zap.String("device_id", device.DeviceID))
	t.publishPresence(ctx, device, true, now)

	alert := &models.Alert{
		DeviceID: device.DeviceID,
		ParentID: device.ParentID,
		Type:     models.AlertDeviceOnline,
		Severity: models.SeverityLow,
		Message:  "Device is back online",
	}
	if err := t.alerts.Emit(ctx, alert); err != nil {
		t.logger.Warn("Failed to emit online alert",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
	}
}

// checkBattery 低电量评估
func (t *Tracker) checkBattery(ctx context.Context, device *models.Device, hb models.Heartbeat) {
	threshold := device.Settings.MaxBatteryAlert
	if threshold <= 0 {
		threshold = models.DefaultDeviceSettings().MaxBatteryAlert
	}

	if hb.BatteryLevel > threshold || hb.IsCharging {
		if err := t.battery.ClearLowBattery(ctx, device.DeviceID); err != nil {
			t.logger.Warn("Failed to clear low battery state",
				zap.String("device_id", device.DeviceID),
				zap.Error(err),
			)
		}
		return
	}

	first, err := t.battery.MarkLowBattery(ctx, device.DeviceID)
	if err != nil {
		t.logger.Warn("Failed to mark low battery state",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
		return
	}
	if !first {
		return
	}

	severity := models.SeverityMedium
	if hb.BatteryLevel <= criticalBatteryLevel {
		severity = models.SeverityCritical
	}
	data, _ := json.Marshal(map[string]any{
		"battery_level": hb.BatteryLevel,
		"threshold":     threshold,
	})
	alert := &models.Alert{
		DeviceID: device.DeviceID,
		ParentID: device.ParentID,
		Type:     models.AlertLowBattery,
		Severity: severity,
		Message:  fmt.Sprintf("Device battery at %d%%", hb.BatteryLevel),
		Data:     data,
	}
	if err := t.alerts.Emit(ctx, alert); err != nil {
		t.logger.Warn("Failed to emit low battery alert",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
	}
}

func (t *Tracker) publishPresence(ctx context.Context, device *models.Device, online bool, now time.Time) {
	event := events.PresenceEvent{
		Type:      events.EventPresenceChanged,
		DeviceID:  device.DeviceID,
		IsOnline:  online,
		Timestamp: now.Unix(),
	}
	if err := t.publisher.PublishToParent(ctx, device.ParentID, event); err != nil {
		t.logger.Warn("Failed to publish presence event",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
	}
}
