package repository

import (
	"context"
	"time"

	"kidguard-dispatch/internal/models"
)

// DevicesRepository 设备仓库接口
type DevicesRepository interface {
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	CreateDevice(ctx context.Context, device *models.Device) error
	ListDevicesByParent(ctx context.Context, parentID string) ([]*models.Device, error)

	// UpdateHeartbeat 心跳写入：last_heartbeat、在线标记、电量字段，last write wins
	UpdateHeartbeat(ctx context.Context, deviceID string, batteryLevel int, isCharging bool, now time.Time) error

	// ListOfflineCandidates 在线但心跳早于 cutoff 的设备
	ListOfflineCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*models.Device, error)

	// MarkOffline 离线翻转，以读到的 last_heartbeat 做乐观条件：
	// 扫描期间到达的新心跳会改变 last_heartbeat，此更新即失效，新心跳胜出
	MarkOffline(ctx context.Context, deviceID string, observedHeartbeat time.Time) (bool, error)

	UpdateSettings(ctx context.Context, deviceID string, settings models.DeviceSettings) error

	// SoftDelete 软删除（指令/报警/位置仍引用该设备记录）
	SoftDelete(ctx context.Context, parentID, deviceID string) (bool, error)
}
