package models

import (
	"database/sql"
	"encoding/json"
	"time"
)

// DeviceStatus 设备生命周期状态（软删除，不做物理删除）
const (
	DeviceActive  = "active"
	DeviceDeleted = "deleted"
)

// DeviceSettings 设备配置（由家长端维护，通过 update_settings 指令下发）
type DeviceSettings struct {
	HeartbeatIntervalSec int  `json:"heartbeat_interval_sec"`
	MaxBatteryAlert      int  `json:"max_battery_alert"` // 低电量报警阈值（百分比）
	OfflineAlertEnabled  bool `json:"offline_alert_enabled"`
	LocationEnabled      bool `json:"location_enabled"`
	GeofenceEnabled      bool `json:"geofence_enabled"`
}

// DefaultDeviceSettings 默认设备配置
func DefaultDeviceSettings() DeviceSettings {
	return DeviceSettings{
		HeartbeatIntervalSec: 60,
		MaxBatteryAlert:      20,
		OfflineAlertEnabled:  true,
		LocationEnabled:      true,
	}
}

// Device 设备领域模型（对应 devices 表）
type Device struct {
	DeviceID    string         `db:"device_id"` // 外部分配的唯一标识
	ParentID    string         `db:"parent_id"`
	ChildUserID sql.NullString `db:"child_user_id"` // 弱引用，可重新绑定

	Status string `db:"status"` // active / deleted

	// 在线状态为基于 last_heartbeat 的缓存值，仅在心跳和离线扫描时更新
	IsOnline      bool         `db:"is_online"`
	LastHeartbeat sql.NullTime `db:"last_heartbeat"`

	BatteryLevel int  `db:"battery_level"`
	IsCharging   bool `db:"is_charging"`

	Settings DeviceSettings `db:"settings"` // JSONB

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// ToJSON 转换为 JSON 格式（用于 HTTP 响应）
func (d *Device) ToJSON() map[string]any {
	m := map[string]any{
		"device_id":     d.DeviceID,
		"parent_id":     d.ParentID,
		"status":        d.Status,
		"is_online":     d.IsOnline,
		"battery_level": d.BatteryLevel,
		"is_charging":   d.IsCharging,
		"settings":      d.Settings,
		"created_at":    d.CreatedAt.Unix(),
	}
	if d.ChildUserID.Valid {
		m["child_user_id"] = d.ChildUserID.String
	}
	if d.LastHeartbeat.Valid {
		m["last_heartbeat"] = d.LastHeartbeat.Time.Unix()
	}
	return m
}

// Heartbeat 设备心跳上报
type Heartbeat struct {
	DeviceID     string          `json:"device_id"`
	BatteryLevel int             `json:"battery_level"`
	IsCharging   bool            `json:"is_charging"`
	Telemetry    json.RawMessage `json:"telemetry,omitempty"` // 附加遥测，透传存储
}

// HeartbeatResult 心跳响应：包含待执行指令的捎带投递
type HeartbeatResult struct {
	RequiresAction bool             `json:"requires_action"`
	Commands       []CommandSummary `json:"commands,omitempty"`
}
