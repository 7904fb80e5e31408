package httpapi

import (
	"bytes"
	"fmt"
	"time"

	"kidguard-dispatch/internal/models"

	"github.com/xuri/excelize/v2"
)

// AlertExportHeader 报警导出表头
var AlertExportHeader = []string{
	"Alert ID",
	"Device ID",
	"Type",
	"Severity",
	"Message",
	"Read",
	"Resolved",
	"Acknowledged",
	"Created At",
}

// GenerateAlertExport 生成报警导出 Excel 文件
func GenerateAlertExport(alerts []*models.Alert) ([]byte, error) {
	f := excelize.NewFile()
	// WriteTo 需要文件处于打开状态，错误路径上单独 Close

	sheetName := "Alerts"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, title := range AlertExportHeader {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(sheetName, cell, title); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell: %w", err)
		}
		_ = f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	for row, alert := range alerts {
		values := []any{
			alert.AlertID,
			alert.DeviceID,
			string(alert.Type),
			string(alert.Severity),
			alert.Message,
			boolText(alert.IsRead),
			boolText(alert.IsResolved),
			boolText(alert.Acknowledged),
			alert.CreatedAt.Format(time.RFC3339),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell: %w", err)
			}
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func boolText(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
