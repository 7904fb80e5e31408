package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"kidguard-dispatch/internal/models"

	"go.uber.org/zap"
)

// PostgresDevicesRepo 设备仓库 PostgreSQL 实现
type PostgresDevicesRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresDevicesRepo 创建设备仓库
func NewPostgresDevicesRepo(db *sql.DB, logger *zap.Logger) *PostgresDevicesRepo {
	return &PostgresDevicesRepo{db: db, logger: logger}
}

const deviceColumns = `
	device_id, parent_id, child_user_id, status, is_online, last_heartbeat,
	battery_level, is_charging, settings, created_at, updated_at
`

func (r *PostgresDevicesRepo) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1`
	device, err := scanDevice(r.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return device, nil
}

func (r *PostgresDevicesRepo) CreateDevice(ctx context.Context, device *models.Device) error {
	if device.Status == "" {
		device.Status = models.DeviceActive
	}
	now := time.Now()
	settingsJSON, err := json.Marshal(device.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	query := `
		INSERT INTO devices (
			device_id, parent_id, child_user_id, status, is_online,
			battery_level, is_charging, settings, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`
	_, err = r.db.ExecContext(ctx, query,
		device.DeviceID, device.ParentID, device.ChildUserID,
		device.Status, device.IsOnline,
		device.BatteryLevel, device.IsCharging, settingsJSON, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

func (r *PostgresDevicesRepo) ListDevicesByParent(ctx context.Context, parentID string) ([]*models.Device, error) {
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE parent_id = $1 AND status <> 'deleted'
		ORDER BY created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}
	return devices, nil
}

func (r *PostgresDevicesRepo) UpdateHeartbeat(ctx context.Context, deviceID string, batteryLevel int, isCharging bool, now time.Time) error {
	query := `
		UPDATE devices
		SET is_online = TRUE, last_heartbeat = $2,
		    battery_level = $3, is_charging = $4, updated_at = $2
		WHERE device_id = $1 AND status <> 'deleted'
	`
	res, err := r.db.ExecContext(ctx, query, deviceID, now, batteryLevel, isCharging)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresDevicesRepo) ListOfflineCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*models.Device, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE status <> 'deleted'
		  AND is_online = TRUE
		  AND last_heartbeat IS NOT NULL
		  AND last_heartbeat < $1
		ORDER BY last_heartbeat ASC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list offline candidates: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}
	return devices, nil
}

func (r *PostgresDevicesRepo) MarkOffline(ctx context.Context, deviceID string, observedHeartbeat time.Time) (bool, error) {
	query := `
		UPDATE devices
		SET is_online = FALSE, updated_at = NOW()
		WHERE device_id = $1
		  AND is_online = TRUE
		  AND last_heartbeat = $2
	`
	res, err := r.db.ExecContext(ctx, query, deviceID, observedHeartbeat)
	if err != nil {
		return false, fmt.Errorf("failed to mark device offline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresDevicesRepo) UpdateSettings(ctx context.Context, deviceID string, settings models.DeviceSettings) error {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	query := `
		UPDATE devices
		SET settings = $2, updated_at = NOW()
		WHERE device_id = $1 AND status <> 'deleted'
	`
	res, err := r.db.ExecContext(ctx, query, deviceID, settingsJSON)
	if err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresDevicesRepo) SoftDelete(ctx context.Context, parentID, deviceID string) (bool, error) {
	query := `
		UPDATE devices
		SET status = 'deleted', is_online = FALSE, updated_at = NOW()
		WHERE device_id = $1 AND parent_id = $2 AND status <> 'deleted'
	`
	res, err := r.db.ExecContext(ctx, query, deviceID, parentID)
	if err != nil {
		return false, fmt.Errorf("failed to soft delete device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var d models.Device
	var settingsJSON []byte

	err := row.Scan(
		&d.DeviceID, &d.ParentID, &d.ChildUserID, &d.Status,
		&d.IsOnline, &d.LastHeartbeat,
		&d.BatteryLevel, &d.IsCharging, &settingsJSON,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &d.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal device settings: %w", err)
		}
	} else {
		d.Settings = models.DefaultDeviceSettings()
	}
	return &d, nil
}
