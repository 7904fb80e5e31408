package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"kidguard-dispatch/internal/dispatch"
	"kidguard-dispatch/internal/models"
	"kidguard-dispatch/internal/presence"
	"kidguard-dispatch/internal/repository"

	"go.uber.org/zap"
)

// DeviceHandler 设备侧接口：心跳、拉取、确认、结果上报、位置上报
// 设备身份鉴别在外层网关完成，这里按路径中的 device_id 处理
type DeviceHandler struct {
	dispatcher *dispatch.Dispatcher
	tracker    *presence.Tracker
	devices    repository.DevicesRepository
	locations  repository.LocationsRepository
	logger     *zap.Logger
}

// NewDeviceHandler 创建设备侧 Handler
func NewDeviceHandler(
	dispatcher *dispatch.Dispatcher,
	tracker *presence.Tracker,
	devices repository.DevicesRepository,
	locations repository.LocationsRepository,
	logger *zap.Logger,
) *DeviceHandler {
	return &DeviceHandler{
		dispatcher: dispatcher,
		tracker:    tracker,
		devices:    devices,
		locations:  locations,
		logger:     logger,
	}
}

// ServeHTTP 实现 http.Handler 接口
func (h *DeviceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/device/api/v1/devices/") && strings.HasSuffix(path, "/heartbeat") && r.Method == http.MethodPost:
		deviceID := trimSegment(path, "/device/api/v1/devices/", "/heartbeat")
		if deviceID == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.Heartbeat(w, r, deviceID)

	case strings.HasPrefix(path, "/device/api/v1/devices/") && strings.HasSuffix(path, "/commands") && r.Method == http.MethodGet:
		deviceID := trimSegment(path, "/device/api/v1/devices/", "/commands")
		if deviceID == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.PullCommands(w, r, deviceID)

	case strings.HasPrefix(path, "/device/api/v1/devices/") && strings.HasSuffix(path, "/location") && r.Method == http.MethodPost:
		deviceID := trimSegment(path, "/device/api/v1/devices/", "/location")
		if deviceID == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.ReportLocation(w, r, deviceID)

	case strings.HasPrefix(path, "/device/api/v1/commands/") && strings.HasSuffix(path, "/ack") && r.Method == http.MethodPost:
		commandID := trimSegment(path, "/device/api/v1/commands/", "/ack")
		if commandID == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.Acknowledge(w, r, commandID)

	case strings.HasPrefix(path, "/device/api/v1/commands/") && strings.HasSuffix(path, "/result") && r.Method == http.MethodPost:
		commandID := trimSegment(path, "/device/api/v1/commands/", "/result")
		if commandID == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.ReportResult(w, r, commandID)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// Heartbeat 心跳摄入，响应捎带待执行指令
func (h *DeviceHandler) Heartbeat(w http.ResponseWriter, r *http.Request, deviceID string) {
	ctx := r.Context()

	var req struct {
		BatteryLevel int             `json:"battery_level"`
		IsCharging   bool            `json:"is_charging"`
		Telemetry    json.RawMessage `json:"telemetry"`
	}
	if err := readBodyJSON(r, 1<<16, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}

	_, err := h.tracker.RecordHeartbeat(ctx, models.Heartbeat{
		DeviceID:     deviceID,
		BatteryLevel: req.BatteryLevel,
		IsCharging:   req.IsCharging,
		Telemetry:    req.Telemetry,
	})
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	commands, err := h.dispatcher.PullPending(ctx, deviceID)
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(models.HeartbeatResult{
		RequiresAction: len(commands) > 0,
		Commands:       commands,
	}))
}

// PullCommands 显式拉取待执行指令
func (h *DeviceHandler) PullCommands(w http.ResponseWriter, r *http.Request, deviceID string) {
	commands, err := h.dispatcher.PullPending(r.Context(), deviceID)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(commands))
}

// Acknowledge 指令送达确认
func (h *DeviceHandler) Acknowledge(w http.ResponseWriter, r *http.Request, commandID string) {
	if err := h.dispatcher.Acknowledge(r.Context(), commandID); err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok[any](nil))
}

// ReportResult 指令执行结果上报
func (h *DeviceHandler) ReportResult(w http.ResponseWriter, r *http.Request, commandID string) {
	var req struct {
		Executing bool            `json:"executing"`
		Success   bool            `json:"success"`
		Message   string          `json:"message"`
		Outcome   json.RawMessage `json:"outcome"`
	}
	if err := readBodyJSON(r, 1<<18, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}

	// executing 标记是进度汇报，不携带终止结果
	if req.Executing {
		if err := h.dispatcher.MarkExecuting(r.Context(), commandID); err != nil {
			writeDispatchError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, Ok[any](nil))
		return
	}

	if err := h.dispatcher.ReportResult(r.Context(), commandID, req.Success, req.Message, req.Outcome); err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok[any](nil))
}

// ReportLocation 位置上报
func (h *DeviceHandler) ReportLocation(w http.ResponseWriter, r *http.Request, deviceID string) {
	ctx := r.Context()

	var req struct {
		Latitude   float64 `json:"latitude"`
		Longitude  float64 `json:"longitude"`
		Accuracy   float64 `json:"accuracy"`
		RecordedAt int64   `json:"recorded_at"`
	}
	if err := readBodyJSON(r, 1<<16, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}

	device, err := h.devices.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, Fail("not found"))
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, Fail("temporary failure, retry"))
		return
	}
	if device.Status == models.DeviceDeleted {
		writeJSON(w, http.StatusNotFound, Fail("not found"))
		return
	}

	loc := &models.Location{
		DeviceID:  deviceID,
		ParentID:  device.ParentID,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Accuracy:  req.Accuracy,
	}
	if req.RecordedAt > 0 {
		loc.RecordedAt = time.Unix(req.RecordedAt, 0)
	}
	if err := h.locations.InsertLocation(ctx, loc); err != nil {
		h.logger.Error("Failed to insert location",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusServiceUnavailable, Fail("temporary failure, retry"))
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{"location_id": loc.LocationID}))
}

// trimSegment 提取 /prefix/{id}/suffix 形式路径中的 id
func trimSegment(path, prefix, suffix string) string {
	id := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}
