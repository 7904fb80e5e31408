package repository

import (
	"context"
	"time"

	"kidguard-dispatch/internal/models"
)

// LocationsRepository 位置仓库接口
type LocationsRepository interface {
	InsertLocation(ctx context.Context, loc *models.Location) error
	ListLocations(ctx context.Context, parentID, deviceID string, since, until *time.Time, limit int) ([]*models.Location, error)
	LatestLocation(ctx context.Context, parentID, deviceID string) (*models.Location, error)

	// DeleteOlderThan 保留期清理
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
