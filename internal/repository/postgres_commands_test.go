package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"kidguard-dispatch/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupCommandsRepo(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresCommandsRepo) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewPostgresCommandsRepo(db, zap.NewNop())
	return db, mock, repo
}

var commandRowColumns = []string{
	"command_id", "device_id", "parent_id", "type", "payload", "priority", "status",
	"retry_count", "next_retry_at", "expires_at", "execution_result", "result_message",
	"created_at", "sent_at", "delivered_at", "executed_at",
}

func TestCreateCommand_GeneratesID(t *testing.T) {
	db, mock, repo := setupCommandsRepo(t)
	defer db.Close()

	now := time.Now()
	cmd := &models.Command{
		DeviceID:  "dev-1",
		ParentID:  "parent-1",
		Type:      models.CommandLock,
		Priority:  models.PriorityNormal,
		Status:    models.StatusPending,
		ExpiresAt: now.Add(24 * time.Hour),
		CreatedAt: now,
	}

	mock.ExpectExec(`INSERT INTO commands`).
		WithArgs(sqlmock.AnyArg(), "dev-1", "parent-1", "lock", []byte(`{}`), "normal", "pending", 0, cmd.ExpiresAt, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CreateCommand(context.Background(), cmd)
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.CommandID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCommand_NotFound(t *testing.T) {
	db, mock, repo := setupCommandsRepo(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM commands WHERE command_id`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetCommand(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListEligible_ScansRows(t *testing.T) {
	db, mock, repo := setupCommandsRepo(t)
	defer db.Close()

	now := time.Now()
	expires := now.Add(24 * time.Hour)
	rows := sqlmock.NewRows(commandRowColumns).
		AddRow("cmd-1", "dev-1", "parent-1", "lock", []byte(`{}`), "critical", "pending",
			0, nil, expires, nil, nil, now, nil, nil, nil).
		AddRow("cmd-2", "dev-1", "parent-1", "vibrate", []byte(`{}`), "normal", "sent",
			1, nil, expires, nil, "device busy", now, now, nil, nil)

	mock.ExpectQuery(`SELECT (.+) FROM commands`).
		WithArgs("dev-1", now, 50).
		WillReturnRows(rows)

	cmds, err := repo.ListEligible(context.Background(), "dev-1", now, 50)
	require.NoError(t, err)
	require.Len(t, cmds, 2)

	assert.Equal(t, "cmd-1", cmds[0].CommandID)
	assert.Equal(t, models.PriorityCritical, cmds[0].Priority)
	assert.Nil(t, cmds[0].ResultMessage)

	assert.Equal(t, models.StatusSent, cmds[1].Status)
	assert.Equal(t, 1, cmds[1].RetryCount)
	require.NotNil(t, cmds[1].ResultMessage)
	assert.Equal(t, "device busy", *cmds[1].ResultMessage)
	require.NotNil(t, cmds[1].SentAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSent_CASSemantics(t *testing.T) {
	db, mock, repo := setupCommandsRepo(t)
	defer db.Close()

	now := time.Now()

	mock.ExpectExec(`UPDATE commands`).
		WithArgs("cmd-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.MarkSent(context.Background(), "cmd-1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	// 状态守卫不满足（已终止或已过期）时返回 false
	mock.ExpectExec(`UPDATE commands`).
		WithArgs("cmd-2", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = repo.MarkSent(context.Background(), "cmd-2", now)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleRetry_RetryCountActsAsOptimisticLock(t *testing.T) {
	db, mock, repo := setupCommandsRepo(t)
	defer db.Close()

	nextRetryAt := time.Now().Add(2 * time.Second)

	mock.ExpectExec(`UPDATE commands`).
		WithArgs("cmd-1", 0, nextRetryAt, sqlmock.AnyArg(), models.MaxCommandRetries).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.ScheduleRetry(context.Background(), "cmd-1", 0, nextRetryAt, "timeout")
	require.NoError(t, err)
	assert.True(t, ok)

	// retry_count 已被并发上报推进时失配，返回 false
	mock.ExpectExec(`UPDATE commands`).
		WithArgs("cmd-1", 0, nextRetryAt, sqlmock.AnyArg(), models.MaxCommandRetries).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = repo.ScheduleRetry(context.Background(), "cmd-1", 0, nextRetryAt, "timeout")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete_WritesOutcome(t *testing.T) {
	db, mock, repo := setupCommandsRepo(t)
	defer db.Close()

	now := time.Now()
	outcome := json.RawMessage(`{"locked":true}`)

	mock.ExpectExec(`UPDATE commands`).
		WithArgs("cmd-1", []byte(outcome), sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Complete(context.Background(), "cmd-1", outcome, "ok", now)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancel_OwnershipGuard(t *testing.T) {
	db, mock, repo := setupCommandsRepo(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE commands`).
		WithArgs("cmd-1", "parent-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Cancel(context.Background(), "cmd-1", "parent-2")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireOverdue_ReturnsAffectedCount(t *testing.T) {
	db, mock, repo := setupCommandsRepo(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectExec(`UPDATE commands`).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.ExpireOverdue(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSupersedePendingSettings(t *testing.T) {
	db, mock, repo := setupCommandsRepo(t)
	defer db.Close()

	before := time.Now()
	mock.ExpectExec(`UPDATE commands`).
		WithArgs("dev-1", before).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.SupersedePendingSettings(context.Background(), "dev-1", before)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}
