package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"kidguard-dispatch/internal/repository"

	"go.uber.org/zap"
)

// AlertHandler 家长侧报警接口
type AlertHandler struct {
	alertsRepo repository.AlertsRepository
	logger     *zap.Logger
}

// NewAlertHandler 创建报警 Handler
func NewAlertHandler(alertsRepo repository.AlertsRepository, logger *zap.Logger) *AlertHandler {
	return &AlertHandler{alertsRepo: alertsRepo, logger: logger}
}

// ServeHTTP 实现 http.Handler 接口
func (h *AlertHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/parent/api/v1/alerts" && r.Method == http.MethodGet:
		h.ListAlerts(w, r)

	case path == "/parent/api/v1/alerts/export" && r.Method == http.MethodGet:
		h.ExportAlerts(w, r)

	case strings.HasSuffix(path, "/read") && r.Method == http.MethodPut:
		h.setFlag(w, r, trimSegment(path, "/parent/api/v1/alerts/", "/read"), h.alertsRepo.MarkRead)

	case strings.HasSuffix(path, "/resolve") && r.Method == http.MethodPut:
		h.setFlag(w, r, trimSegment(path, "/parent/api/v1/alerts/", "/resolve"), h.alertsRepo.MarkResolved)

	case strings.HasSuffix(path, "/acknowledge") && r.Method == http.MethodPut:
		h.setFlag(w, r, trimSegment(path, "/parent/api/v1/alerts/", "/acknowledge"), h.alertsRepo.MarkAcknowledged)

	case strings.HasPrefix(path, "/parent/api/v1/alerts/") && r.Method == http.MethodDelete:
		h.DeleteAlert(w, r, strings.TrimPrefix(path, "/parent/api/v1/alerts/"))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// ListAlerts 报警列表查询
func (h *AlertHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	parentID, ok := parentIDFromReq(w, r)
	if !ok {
		return
	}

	filters, page, pageSize := alertFiltersFromQuery(r)
	offset := (page - 1) * pageSize

	alerts, total, err := h.alertsRepo.ListAlerts(r.Context(), parentID, filters, pageSize, offset)
	if err != nil {
		h.logger.Error("Failed to list alerts", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Fail("temporary failure, retry"))
		return
	}

	items := make([]map[string]any, 0, len(alerts))
	for _, a := range alerts {
		items = append(items, a.ToJSON())
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": total,
		"page":  page,
	}))
}

func (h *AlertHandler) setFlag(w http.ResponseWriter, r *http.Request, alertID string, mark func(ctx context.Context, parentID, alertID string) (bool, error)) {
	if alertID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parentID, ok := parentIDFromReq(w, r)
	if !ok {
		return
	}

	updated, err := mark(r.Context(), parentID, alertID)
	if err != nil {
		h.logger.Error("Failed to update alert flag", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Fail("temporary failure, retry"))
		return
	}
	if !updated {
		writeJSON(w, http.StatusNotFound, Fail("not found"))
		return
	}
	writeJSON(w, http.StatusOK, Ok[any](nil))
}

// DeleteAlert 删除报警
func (h *AlertHandler) DeleteAlert(w http.ResponseWriter, r *http.Request, alertID string) {
	if alertID == "" || strings.Contains(alertID, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parentID, ok := parentIDFromReq(w, r)
	if !ok {
		return
	}

	deleted, err := h.alertsRepo.DeleteAlert(r.Context(), parentID, alertID)
	if err != nil {
		h.logger.Error("Failed to delete alert", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Fail("temporary failure, retry"))
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, Fail("not found"))
		return
	}
	writeJSON(w, http.StatusOK, Ok[any](nil))
}

// ExportAlerts 导出报警为 Excel
func (h *AlertHandler) ExportAlerts(w http.ResponseWriter, r *http.Request) {
	parentID, ok := parentIDFromReq(w, r)
	if !ok {
		return
	}

	filters, _, _ := alertFiltersFromQuery(r)
	alerts, _, err := h.alertsRepo.ListAlerts(r.Context(), parentID, filters, 1000, 0)
	if err != nil {
		h.logger.Error("Failed to list alerts for export", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Fail("temporary failure, retry"))
		return
	}

	data, err := GenerateAlertExport(alerts)
	if err != nil {
		h.logger.Error("Failed to generate alert export", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("export failed"))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="alerts.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func alertFiltersFromQuery(r *http.Request) (repository.AlertFilters, int, int) {
	q := r.URL.Query()
	filters := repository.AlertFilters{
		DeviceID:   strings.TrimSpace(q.Get("device_id")),
		Type:       strings.TrimSpace(q.Get("type")),
		Severity:   strings.TrimSpace(q.Get("severity")),
		UnreadOnly: q.Get("unread_only") == "true",
	}
	if v := parseInt(q.Get("start_time"), 0); v > 0 {
		t := time.Unix(int64(v), 0)
		filters.StartTime = &t
	}
	if v := parseInt(q.Get("end_time"), 0); v > 0 {
		t := time.Unix(int64(v), 0)
		filters.EndTime = &t
	}

	page := parseInt(q.Get("page"), 1)
	pageSize := parseInt(q.Get("page_size"), 20)
	if pageSize > 100 {
		pageSize = 100
	}
	return filters, page, pageSize
}
