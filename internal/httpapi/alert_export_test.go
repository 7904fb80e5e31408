package httpapi

import (
	"bytes"
	"testing"
	"time"

	"kidguard-dispatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestGenerateAlertExport(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	alerts := []*models.Alert{
		{
			AlertID:   "alert-1",
			DeviceID:  "dev-1",
			Type:      models.AlertLowBattery,
			Severity:  models.SeverityCritical,
			Message:   "Device battery at 5%",
			IsRead:    true,
			CreatedAt: created,
		},
		{
			AlertID:    "alert-2",
			DeviceID:   "dev-2",
			Type:       models.AlertDeviceOffline,
			Severity:   models.SeverityHigh,
			Message:    "Device has not reported a heartbeat and is now offline",
			IsResolved: true,
			CreatedAt:  created.Add(time.Hour),
		},
	}

	data, err := GenerateAlertExport(alerts)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Alerts")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, AlertExportHeader, rows[0][:len(AlertExportHeader)])

	assert.Equal(t, "alert-1", rows[1][0])
	assert.Equal(t, "low_battery", rows[1][2])
	assert.Equal(t, "critical", rows[1][3])
	assert.Equal(t, "yes", rows[1][5])
	assert.Equal(t, "no", rows[1][6])

	assert.Equal(t, "alert-2", rows[2][0])
	assert.Equal(t, "yes", rows[2][6])
}

func TestGenerateAlertExport_Empty(t *testing.T) {
	data, err := GenerateAlertExport(nil)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Alerts")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
