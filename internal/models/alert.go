package models

import (
	"encoding/json"
	"time"
)

// AlertType 报警类型
type AlertType string

const (
	AlertDeviceOffline  AlertType = "device_offline"
	AlertDeviceOnline   AlertType = "device_online"
	AlertLowBattery     AlertType = "low_battery"
	AlertCommandFailed  AlertType = "command_failed"
	AlertGeofenceEnter  AlertType = "geofence_enter"
	AlertGeofenceExit   AlertType = "geofence_exit"
	AlertDeviceReported AlertType = "device_reported"
)

// AlertSeverity 报警级别
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Alert 报警领域模型（对应 alerts 表）
type Alert struct {
	AlertID  string `db:"alert_id"`
	DeviceID string `db:"device_id"`
	ParentID string `db:"parent_id"`

	Type     AlertType     `db:"type"`
	Severity AlertSeverity `db:"severity"`
	Message  string        `db:"message"`
	Data     json.RawMessage `db:"data"` // JSONB

	IsRead       bool `db:"is_read"`
	IsResolved   bool `db:"is_resolved"`
	Acknowledged bool `db:"acknowledged"`

	// 通知已发送标记（幂等，避免重复推送）
	PushSent  bool `db:"push_sent"`
	EmailSent bool `db:"email_sent"`
	SMSSent   bool `db:"sms_sent"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// ToJSON 转换为 JSON 格式（用于 HTTP 响应）
func (a *Alert) ToJSON() map[string]any {
	m := map[string]any{
		"alert_id":     a.AlertID,
		"device_id":    a.DeviceID,
		"parent_id":    a.ParentID,
		"type":         a.Type,
		"severity":     a.Severity,
		"message":      a.Message,
		"is_read":      a.IsRead,
		"is_resolved":  a.IsResolved,
		"acknowledged": a.Acknowledged,
		"push_sent":    a.PushSent,
		"email_sent":   a.EmailSent,
		"sms_sent":     a.SMSSent,
		"created_at":   a.CreatedAt.Unix(),
	}
	if len(a.Data) > 0 {
		m["data"] = json.RawMessage(a.Data)
	}
	return m
}
