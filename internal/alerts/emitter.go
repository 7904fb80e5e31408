package alerts

import (
	"context"
	"sync"
	"time"

	"kidguard-dispatch/internal/events"
	"kidguard-dispatch/internal/models"
	"kidguard-dispatch/internal/notify"
	"kidguard-dispatch/internal/repository"

	"go.uber.org/zap"
)

// eventPublisher 报警事件推送（best-effort）
type eventPublisher interface {
	PublishToParent(ctx context.Context, parentID string, event any) error
}

// Emitter 报警发射器
// 根据固定规则落库并扇出通知：critical/high → 推送，critical → 邮件。
// 通知投递与触发操作隔离：在独立 goroutine 中执行，失败只记录日志，
// 绝不回滚触发方的状态迁移
type Emitter struct {
	alertsRepo repository.AlertsRepository
	notifier   notify.Notifier
	publisher  eventPublisher
	logger     *zap.Logger

	notifyTimeout time.Duration
	wg            sync.WaitGroup
}

// NewEmitter 创建报警发射器
func NewEmitter(
	alertsRepo repository.AlertsRepository,
	notifier notify.Notifier,
	publisher eventPublisher,
	logger *zap.Logger,
) *Emitter {
	return &Emitter{
		alertsRepo:    alertsRepo,
		notifier:      notifier,
		publisher:     publisher,
		logger:        logger,
		notifyTimeout: 15 * time.Second,
	}
}

// Emit 创建报警记录并触发通知扇出
// 返回前记录已持久化；通知扇出异步进行
func (e *Emitter) Emit(ctx context.Context, alert *models.Alert) error {
	if err := e.alertsRepo.CreateAlert(ctx, alert); err != nil {
		return err
	}

	e.logger.Info("Alert created",
		zap.String("alert_id", alert.AlertID),
		zap.String("device_id", alert.DeviceID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
	)

	snapshot := *alert
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.fanOut(&snapshot)
	}()

	return nil
}

// Wait 等待在途的通知扇出完成（关停用）
func (e *Emitter) Wait() {
	e.wg.Wait()
}

// fanOut 通知扇出：独立超时上下文，与触发操作解耦
func (e *Emitter) fanOut(alert *models.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
	defer cancel()

	event := events.AlertEvent{
		Type:      events.EventAlertCreated,
		AlertID:   alert.AlertID,
		DeviceID:  alert.DeviceID,
		AlertType: string(alert.Type),
		Severity:  string(alert.Severity),
		Message:   alert.Message,
		Timestamp: time.Now().Unix(),
	}
	if err := e.publisher.PublishToParent(ctx, alert.ParentID, event); err != nil {
		e.logger.Warn("Failed to publish alert event",
			zap.String("alert_id", alert.AlertID),
			zap.Error(err),
		)
	}

	if alert.Severity == models.SeverityCritical || alert.Severity == models.SeverityHigh {
		e.sendPush(ctx, alert)
	}
	if alert.Severity == models.SeverityCritical {
		e.sendEmail(ctx, alert)
	}
}

func (e *Emitter) sendPush(ctx context.Context, alert *models.Alert) {
	if alert.PushSent {
		return
	}
	err := e.notifier.SendPush(ctx, alert.ParentID, pushTitle(alert.Type), alert.Message, map[string]any{
		"alert_id":  alert.AlertID,
		"device_id": alert.DeviceID,
		"type":      string(alert.Type),
		"severity":  string(alert.Severity),
	})
	if err != nil {
		e.logger.Warn("Failed to send push notification",
			zap.String("alert_id", alert.AlertID),
			zap.Error(err),
		)
		return
	}
	if err := e.alertsRepo.MarkNotified(ctx, alert.AlertID, repository.NotifyChannelPush); err != nil {
		e.logger.Warn("Failed to mark alert push_sent",
			zap.String("alert_id", alert.AlertID),
			zap.Error(err),
		)
	}
}

func (e *Emitter) sendEmail(ctx context.Context, alert *models.Alert) {
	if alert.EmailSent {
		return
	}
	err := e.notifier.SendEmail(ctx, alert.ParentID, pushTitle(alert.Type), alert.Message)
	if err != nil {
		e.logger.Warn("Failed to send email notification",
			zap.String("alert_id", alert.AlertID),
			zap.Error(err),
		)
		return
	}
	if err := e.alertsRepo.MarkNotified(ctx, alert.AlertID, repository.NotifyChannelEmail); err != nil {
		e.logger.Warn("Failed to mark alert email_sent",
			zap.String("alert_id", alert.AlertID),
			zap.Error(err),
		)
	}
}

func pushTitle(t models.AlertType) string {
	switch t {
	case models.AlertDeviceOffline:
		return "Device offline"
	case models.AlertDeviceOnline:
		return "Device back online"
	case models.AlertLowBattery:
		return "Low battery"
	case models.AlertCommandFailed:
		return "Command failed"
	case models.AlertGeofenceEnter:
		return "Geofence entered"
	case models.AlertGeofenceExit:
		return "Geofence left"
	default:
		return "Device alert"
	}
}
