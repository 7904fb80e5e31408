package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"kidguard-dispatch/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PostgresAlertsRepo 报警仓库 PostgreSQL 实现
type PostgresAlertsRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresAlertsRepo 创建报警仓库
func NewPostgresAlertsRepo(db *sql.DB, logger *zap.Logger) *PostgresAlertsRepo {
	return &PostgresAlertsRepo{db: db, logger: logger}
}

const alertColumns = `
	alert_id, device_id, parent_id, type, severity, message, data,
	is_read, is_resolved, acknowledged, push_sent, email_sent, sms_sent,
	created_at, updated_at
`

func (r *PostgresAlertsRepo) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if alert.AlertID == "" {
		alert.AlertID = uuid.New().String()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	data := alert.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO alerts (
			alert_id, device_id, parent_id, type, severity, message, data,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		alert.AlertID, alert.DeviceID, alert.ParentID,
		string(alert.Type), string(alert.Severity), alert.Message, []byte(data),
		alert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

func (r *PostgresAlertsRepo) GetAlert(ctx context.Context, parentID, alertID string) (*models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE alert_id = $1 AND parent_id = $2`
	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, alertID, parentID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return alert, nil
}

func (r *PostgresAlertsRepo) ListAlerts(ctx context.Context, parentID string, filters AlertFilters, limit, offset int) ([]*models.Alert, int, error) {
	if limit <= 0 {
		limit = 20
	}

	where := []string{"parent_id = $1"}
	args := []any{parentID}
	argN := 2

	if filters.DeviceID != "" {
		where = append(where, fmt.Sprintf("device_id = $%d", argN))
		args = append(args, filters.DeviceID)
		argN++
	}
	if filters.Type != "" {
		where = append(where, fmt.Sprintf("type = $%d", argN))
		args = append(args, filters.Type)
		argN++
	}
	if filters.Severity != "" {
		where = append(where, fmt.Sprintf("severity = $%d", argN))
		args = append(args, filters.Severity)
		argN++
	}
	if filters.UnreadOnly {
		where = append(where, "is_read = FALSE")
	}
	if filters.StartTime != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", argN))
		args = append(args, *filters.StartTime)
		argN++
	}
	if filters.EndTime != nil {
		where = append(where, fmt.Sprintf("created_at <= $%d", argN))
		args = append(args, *filters.EndTime)
		argN++
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	countQuery := `SELECT COUNT(*) FROM alerts WHERE ` + whereClause
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT `+alertColumns+`
		FROM alerts
		WHERE `+whereClause+`
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, argN, argN+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate alerts: %w", err)
	}
	return alerts, total, nil
}

func (r *PostgresAlertsRepo) MarkRead(ctx context.Context, parentID, alertID string) (bool, error) {
	return r.setFlag(ctx, parentID, alertID, "is_read")
}

func (r *PostgresAlertsRepo) MarkResolved(ctx context.Context, parentID, alertID string) (bool, error) {
	return r.setFlag(ctx, parentID, alertID, "is_resolved")
}

func (r *PostgresAlertsRepo) MarkAcknowledged(ctx context.Context, parentID, alertID string) (bool, error) {
	return r.setFlag(ctx, parentID, alertID, "acknowledged")
}

func (r *PostgresAlertsRepo) setFlag(ctx context.Context, parentID, alertID, column string) (bool, error) {
	// column 只来自本包内的固定调用，不拼接外部输入
	query := fmt.Sprintf(`
		UPDATE alerts
		SET %s = TRUE, updated_at = NOW()
		WHERE alert_id = $1 AND parent_id = $2
	`, column)
	res, err := r.db.ExecContext(ctx, query, alertID, parentID)
	if err != nil {
		return false, fmt.Errorf("failed to update alert flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresAlertsRepo) MarkNotified(ctx context.Context, alertID, channel string) error {
	var column string
	switch channel {
	case NotifyChannelPush:
		column = "push_sent"
	case NotifyChannelEmail:
		column = "email_sent"
	case NotifyChannelSMS:
		column = "sms_sent"
	default:
		return fmt.Errorf("unknown notify channel: %s", channel)
	}

	query := fmt.Sprintf(`
		UPDATE alerts
		SET %s = TRUE, updated_at = NOW()
		WHERE alert_id = $1
	`, column)
	if _, err := r.db.ExecContext(ctx, query, alertID); err != nil {
		return fmt.Errorf("failed to mark alert notified: %w", err)
	}
	return nil
}

func (r *PostgresAlertsRepo) DeleteAlert(ctx context.Context, parentID, alertID string) (bool, error) {
	query := `DELETE FROM alerts WHERE alert_id = $1 AND parent_id = $2`
	res, err := r.db.ExecContext(ctx, query, alertID, parentID)
	if err != nil {
		return false, fmt.Errorf("failed to delete alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresAlertsRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM alerts WHERE created_at < $1 AND is_resolved = TRUE`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old alerts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var a models.Alert
	var alertType, severity string
	var data []byte

	err := row.Scan(
		&a.AlertID, &a.DeviceID, &a.ParentID,
		&alertType, &severity, &a.Message, &data,
		&a.IsRead, &a.IsResolved, &a.Acknowledged,
		&a.PushSent, &a.EmailSent, &a.SMSSent,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Type = models.AlertType(alertType)
	a.Severity = models.AlertSeverity(severity)
	if len(data) > 0 {
		a.Data = json.RawMessage(data)
	}
	return &a, nil
}
