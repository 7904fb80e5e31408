package repository

import (
	"context"
	"time"

	"kidguard-dispatch/internal/models"
)

// AlertFilters 报警查询过滤条件
type AlertFilters struct {
	DeviceID   string
	Type       string
	Severity   string
	UnreadOnly bool
	StartTime  *time.Time
	EndTime    *time.Time
}

// 通知渠道标记列名
const (
	NotifyChannelPush  = "push"
	NotifyChannelEmail = "email"
	NotifyChannelSMS   = "sms"
)

// AlertsRepository 报警仓库接口
type AlertsRepository interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	GetAlert(ctx context.Context, parentID, alertID string) (*models.Alert, error)
	ListAlerts(ctx context.Context, parentID string, filters AlertFilters, limit, offset int) ([]*models.Alert, int, error)

	MarkRead(ctx context.Context, parentID, alertID string) (bool, error)
	MarkResolved(ctx context.Context, parentID, alertID string) (bool, error)
	MarkAcknowledged(ctx context.Context, parentID, alertID string) (bool, error)

	// MarkNotified 置位通知已发送标记（幂等去重）
	MarkNotified(ctx context.Context, alertID, channel string) error

	DeleteAlert(ctx context.Context, parentID, alertID string) (bool, error)

	// DeleteOlderThan 保留期清理
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
