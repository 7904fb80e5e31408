package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"kidguard-dispatch/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PostgresCommandsRepo 指令仓库 PostgreSQL 实现
type PostgresCommandsRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresCommandsRepo 创建指令仓库
func NewPostgresCommandsRepo(db *sql.DB, logger *zap.Logger) *PostgresCommandsRepo {
	return &PostgresCommandsRepo{db: db, logger: logger}
}

const commandColumns = `
	command_id, device_id, parent_id, type, payload, priority, status,
	retry_count, next_retry_at, expires_at, execution_result, result_message,
	created_at, sent_at, delivered_at, executed_at
`

// priorityRank 与 models.CommandPriority.Rank 保持一致
const priorityRank = `
	CASE priority
		WHEN 'critical' THEN 0
		WHEN 'high' THEN 1
		WHEN 'normal' THEN 2
		ELSE 3
	END
`

func (r *PostgresCommandsRepo) CreateCommand(ctx context.Context, cmd *models.Command) error {
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.New().String()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}
	if cmd.Status == "" {
		cmd.Status = models.StatusPending
	}
	payload := cmd.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO commands (
			command_id, device_id, parent_id, type, payload, priority, status,
			retry_count, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		cmd.CommandID, cmd.DeviceID, cmd.ParentID,
		string(cmd.Type), []byte(payload), string(cmd.Priority), string(cmd.Status),
		cmd.RetryCount, cmd.ExpiresAt, cmd.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create command: %w", err)
	}
	return nil
}

func (r *PostgresCommandsRepo) GetCommand(ctx context.Context, commandID string) (*models.Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE command_id = $1`
	cmd, err := scanCommand(r.db.QueryRowContext(ctx, query, commandID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get command: %w", err)
	}
	return cmd, nil
}

func (r *PostgresCommandsRepo) ListEligible(ctx context.Context, deviceID string, now time.Time, limit int) ([]*models.Command, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + commandColumns + `
		FROM commands
		WHERE device_id = $1
		  AND status IN ('pending', 'sent')
		  AND expires_at > $2
		  AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY ` + priorityRank + ` ASC, created_at ASC
		LIMIT $3
	`
	rows, err := r.db.QueryContext(ctx, query, deviceID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible commands: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

func (r *PostgresCommandsRepo) ListByDevice(ctx context.Context, parentID, deviceID string, limit, offset int) ([]*models.Command, int, error) {
	if limit <= 0 {
		limit = 20
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM commands WHERE device_id = $1 AND parent_id = $2`
	if err := r.db.QueryRowContext(ctx, countQuery, deviceID, parentID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count commands: %w", err)
	}

	query := `
		SELECT ` + commandColumns + `
		FROM commands
		WHERE device_id = $1 AND parent_id = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.QueryContext(ctx, query, deviceID, parentID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	cmds, err := scanCommands(rows)
	if err != nil {
		return nil, 0, err
	}
	return cmds, total, nil
}

func (r *PostgresCommandsRepo) MarkSent(ctx context.Context, commandID string, now time.Time) (bool, error) {
	query := `
		UPDATE commands
		SET status = 'sent', sent_at = COALESCE(sent_at, $2)
		WHERE command_id = $1
		  AND status IN ('pending', 'sent')
		  AND expires_at > $2
	`
	return r.execCAS(ctx, query, commandID, now)
}

func (r *PostgresCommandsRepo) MarkDelivered(ctx context.Context, commandID string, now time.Time) (bool, error) {
	query := `
		UPDATE commands
		SET status = 'delivered', delivered_at = $2
		WHERE command_id = $1 AND status = 'sent'
	`
	return r.execCAS(ctx, query, commandID, now)
}

func (r *PostgresCommandsRepo) MarkExecuting(ctx context.Context, commandID string, now time.Time) (bool, error) {
	query := `
		UPDATE commands
		SET status = 'executing'
		WHERE command_id = $1 AND status = 'delivered'
	`
	return r.execCAS(ctx, query, commandID, now)
}

func (r *PostgresCommandsRepo) Complete(ctx context.Context, commandID string, outcome json.RawMessage, message string, now time.Time) (bool, error) {
	query := `
		UPDATE commands
		SET status = 'completed', execution_result = $2, result_message = $3, executed_at = $4
		WHERE command_id = $1
		  AND status NOT IN ('completed', 'failed', 'expired', 'cancelled', 'superseded')
	`
	return r.execCAS(ctx, query, commandID, nullJSON(outcome), nullString(message), now)
}

func (r *PostgresCommandsRepo) FailTerminal(ctx context.Context, commandID string, outcome json.RawMessage, message string, now time.Time) (bool, error) {
	query := `
		UPDATE commands
		SET status = 'failed', execution_result = $2, result_message = $3, executed_at = $4
		WHERE command_id = $1
		  AND status NOT IN ('completed', 'failed', 'expired', 'cancelled', 'superseded')
	`
	return r.execCAS(ctx, query, commandID, nullJSON(outcome), nullString(message), now)
}

func (r *PostgresCommandsRepo) ScheduleRetry(ctx context.Context, commandID string, expectedRetryCount int, nextRetryAt time.Time, message string) (bool, error) {
	// retry_count 同时作为乐观锁：并发的两次失败上报只有一次能生效
	query := `
		UPDATE commands
		SET status = 'pending', retry_count = retry_count + 1,
		    next_retry_at = $3, result_message = $4
		WHERE command_id = $1
		  AND retry_count = $2
		  AND retry_count < $5
		  AND status NOT IN ('completed', 'failed', 'expired', 'cancelled', 'superseded')
	`
	return r.execCAS(ctx, query, commandID, expectedRetryCount, nextRetryAt, nullString(message), models.MaxCommandRetries)
}

func (r *PostgresCommandsRepo) Cancel(ctx context.Context, commandID, parentID string) (bool, error) {
	query := `
		UPDATE commands
		SET status = 'cancelled'
		WHERE command_id = $1 AND parent_id = $2 AND status IN ('pending', 'sent')
	`
	return r.execCAS(ctx, query, commandID, parentID)
}

func (r *PostgresCommandsRepo) SupersedePendingSettings(ctx context.Context, deviceID string, beforeCreatedAt time.Time) (int64, error) {
	query := `
		UPDATE commands
		SET status = 'superseded'
		WHERE device_id = $1
		  AND type = 'update_settings'
		  AND status = 'pending'
		  AND created_at < $2
	`
	res, err := r.db.ExecContext(ctx, query, deviceID, beforeCreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to supersede settings commands: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r *PostgresCommandsRepo) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE commands
		SET status = 'expired'
		WHERE expires_at <= $1
		  AND status NOT IN ('completed', 'failed', 'expired', 'cancelled', 'superseded')
	`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire commands: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// execCAS 执行条件更新，返回是否有行被更新
func (r *PostgresCommandsRepo) execCAS(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update command: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ============================================
// 行扫描
// ============================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*models.Command, error) {
	var cmd models.Command
	var cmdType, priority, status string
	var payload, executionResult []byte
	var nextRetryAt, sentAt, deliveredAt, executedAt sql.NullTime
	var resultMessage sql.NullString

	err := row.Scan(
		&cmd.CommandID, &cmd.DeviceID, &cmd.ParentID,
		&cmdType, &payload, &priority, &status,
		&cmd.RetryCount, &nextRetryAt, &cmd.ExpiresAt,
		&executionResult, &resultMessage,
		&cmd.CreatedAt, &sentAt, &deliveredAt, &executedAt,
	)
	if err != nil {
		return nil, err
	}

	cmd.Type = models.CommandType(cmdType)
	cmd.Priority = models.CommandPriority(priority)
	cmd.Status = models.CommandStatus(status)
	cmd.Payload = json.RawMessage(payload)
	if len(executionResult) > 0 {
		cmd.ExecutionResult = json.RawMessage(executionResult)
	}
	if resultMessage.Valid {
		cmd.ResultMessage = &resultMessage.String
	}
	if nextRetryAt.Valid {
		cmd.NextRetryAt = &nextRetryAt.Time
	}
	if sentAt.Valid {
		cmd.SentAt = &sentAt.Time
	}
	if deliveredAt.Valid {
		cmd.DeliveredAt = &deliveredAt.Time
	}
	if executedAt.Valid {
		cmd.ExecutedAt = &executedAt.Time
	}
	return &cmd, nil
}

func scanCommands(rows *sql.Rows) ([]*models.Command, error) {
	var cmds []*models.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		cmds = append(cmds, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate commands: %w", err)
	}
	return cmds, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
