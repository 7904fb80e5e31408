package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"kidguard-dispatch/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupAlertsRepo(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresAlertsRepo) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewPostgresAlertsRepo(db, zap.NewNop())
	return db, mock, repo
}

var alertRowColumns = []string{
	"alert_id", "device_id", "parent_id", "type", "severity", "message", "data",
	"is_read", "is_resolved", "acknowledged", "push_sent", "email_sent", "sms_sent",
	"created_at", "updated_at",
}

func TestCreateAlert_GeneratesID(t *testing.T) {
	db, mock, repo := setupAlertsRepo(t)
	defer db.Close()

	alert := &models.Alert{
		DeviceID: "dev-1",
		ParentID: "parent-1",
		Type:     models.AlertLowBattery,
		Severity: models.SeverityMedium,
		Message:  "Device battery at 15%",
	}

	mock.ExpectExec(`INSERT INTO alerts`).
		WithArgs(sqlmock.AnyArg(), "dev-1", "parent-1", "low_battery", "medium",
			"Device battery at 15%", []byte(`{}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CreateAlert(context.Background(), alert)
	require.NoError(t, err)
	assert.NotEmpty(t, alert.AlertID)
	assert.False(t, alert.CreatedAt.IsZero())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAlerts_WithFilters(t *testing.T) {
	db, mock, repo := setupAlertsRepo(t)
	defer db.Close()

	now := time.Now()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM alerts`).
		WithArgs("parent-1", "dev-1", "low_battery").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	rows := sqlmock.NewRows(alertRowColumns).
		AddRow("alert-1", "dev-1", "parent-1", "low_battery", "critical", "Device battery at 5%",
			[]byte(`{"battery_level":5}`), false, false, false, true, true, false, now, now)

	mock.ExpectQuery(`SELECT (.+) FROM alerts`).
		WithArgs("parent-1", "dev-1", "low_battery", 20, 0).
		WillReturnRows(rows)

	filters := AlertFilters{DeviceID: "dev-1", Type: "low_battery"}
	alerts, total, err := repo.ListAlerts(context.Background(), "parent-1", filters, 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.SeverityCritical, alerts[0].Severity)
	assert.True(t, alerts[0].PushSent)
	assert.JSONEq(t, `{"battery_level":5}`, string(alerts[0].Data))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRead(t *testing.T) {
	db, mock, repo := setupAlertsRepo(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE alerts`).
		WithArgs("alert-1", "parent-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.MarkRead(context.Background(), "parent-1", "alert-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// 他人的报警不可见
	mock.ExpectExec(`UPDATE alerts`).
		WithArgs("alert-1", "parent-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = repo.MarkRead(context.Background(), "parent-2", "alert-1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkNotified(t *testing.T) {
	db, mock, repo := setupAlertsRepo(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE alerts`).
		WithArgs("alert-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkNotified(context.Background(), "alert-1", NotifyChannelPush)
	require.NoError(t, err)

	// 未知渠道直接报错，不触达数据库
	err = repo.MarkNotified(context.Background(), "alert-1", "pager")
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteOlderThan_OnlyResolved(t *testing.T) {
	db, mock, repo := setupAlertsRepo(t)
	defer db.Close()

	cutoff := time.Now().Add(-90 * 24 * time.Hour)
	mock.ExpectExec(`DELETE FROM alerts WHERE created_at < \$1 AND is_resolved = TRUE`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.DeleteOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	assert.NoError(t, mock.ExpectationsWereMet())
}
