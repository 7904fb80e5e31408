package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kidguard-dispatch/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PostgresLocationsRepo 位置仓库 PostgreSQL 实现
type PostgresLocationsRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresLocationsRepo 创建位置仓库
func NewPostgresLocationsRepo(db *sql.DB, logger *zap.Logger) *PostgresLocationsRepo {
	return &PostgresLocationsRepo{db: db, logger: logger}
}

const locationColumns = `
	location_id, device_id, parent_id, latitude, longitude, accuracy,
	recorded_at, created_at
`

func (r *PostgresLocationsRepo) InsertLocation(ctx context.Context, loc *models.Location) error {
	if loc.LocationID == "" {
		loc.LocationID = uuid.New().String()
	}
	if loc.CreatedAt.IsZero() {
		loc.CreatedAt = time.Now()
	}
	if loc.RecordedAt.IsZero() {
		loc.RecordedAt = loc.CreatedAt
	}

	query := `
		INSERT INTO locations (
			location_id, device_id, parent_id, latitude, longitude, accuracy,
			recorded_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		loc.LocationID, loc.DeviceID, loc.ParentID,
		loc.Latitude, loc.Longitude, loc.Accuracy,
		loc.RecordedAt, loc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert location: %w", err)
	}
	return nil
}

func (r *PostgresLocationsRepo) ListLocations(ctx context.Context, parentID, deviceID string, since, until *time.Time, limit int) ([]*models.Location, error) {
	if limit <= 0 {
		limit = 100
	}

	where := "device_id = $1 AND parent_id = $2"
	args := []any{deviceID, parentID}
	argN := 3

	if since != nil {
		where += fmt.Sprintf(" AND recorded_at >= $%d", argN)
		args = append(args, *since)
		argN++
	}
	if until != nil {
		where += fmt.Sprintf(" AND recorded_at <= $%d", argN)
		args = append(args, *until)
		argN++
	}

	query := fmt.Sprintf(`
		SELECT `+locationColumns+`
		FROM locations
		WHERE %s
		ORDER BY recorded_at DESC
		LIMIT $%d
	`, where, argN)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	defer rows.Close()

	var locs []*models.Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		locs = append(locs, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate locations: %w", err)
	}
	return locs, nil
}

func (r *PostgresLocationsRepo) LatestLocation(ctx context.Context, parentID, deviceID string) (*models.Location, error) {
	query := `
		SELECT ` + locationColumns + `
		FROM locations
		WHERE device_id = $1 AND parent_id = $2
		ORDER BY recorded_at DESC
		LIMIT 1
	`
	loc, err := scanLocation(r.db.QueryRowContext(ctx, query, deviceID, parentID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest location: %w", err)
	}
	return loc, nil
}

func (r *PostgresLocationsRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM locations WHERE recorded_at < $1`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old locations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanLocation(row rowScanner) (*models.Location, error) {
	var loc models.Location
	err := row.Scan(
		&loc.LocationID, &loc.DeviceID, &loc.ParentID,
		&loc.Latitude, &loc.Longitude, &loc.Accuracy,
		&loc.RecordedAt, &loc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &loc, nil
}
