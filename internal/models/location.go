package models

import "time"

// Location 位置上报记录（对应 locations 表）
type Location struct {
	LocationID string    `db:"location_id"`
	DeviceID   string    `db:"device_id"`
	ParentID   string    `db:"parent_id"`
	Latitude   float64   `db:"latitude"`
	Longitude  float64   `db:"longitude"`
	Accuracy   float64   `db:"accuracy"` // 米
	RecordedAt time.Time `db:"recorded_at"`
	CreatedAt  time.Time `db:"created_at"`
}

// ToJSON 转换为 JSON 格式
func (l *Location) ToJSON() map[string]any {
	return map[string]any{
		"location_id": l.LocationID,
		"device_id":   l.DeviceID,
		"latitude":    l.Latitude,
		"longitude":   l.Longitude,
		"accuracy":    l.Accuracy,
		"recorded_at": l.RecordedAt.Unix(),
	}
}

// Geofence 地理围栏（仅数据模型，进出判定在核心范围之外）
type Geofence struct {
	GeofenceID string    `db:"geofence_id"`
	ParentID   string    `db:"parent_id"`
	DeviceID   string    `db:"device_id"`
	Name       string    `db:"name"`
	Latitude   float64   `db:"latitude"`
	Longitude  float64   `db:"longitude"`
	RadiusM    float64   `db:"radius_m"`
	NotifyOn   string    `db:"notify_on"` // enter / exit / both
	CreatedAt  time.Time `db:"created_at"`
}
