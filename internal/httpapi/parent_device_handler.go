package httpapi

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"kidguard-dispatch/internal/models"
	"kidguard-dispatch/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ParentDeviceHandler 家长侧设备管理：注册、列表、详情、配置、软删除
type ParentDeviceHandler struct {
	devices repository.DevicesRepository
	logger  *zap.Logger
}

// NewParentDeviceHandler 创建设备管理 Handler
func NewParentDeviceHandler(devices repository.DevicesRepository, logger *zap.Logger) *ParentDeviceHandler {
	return &ParentDeviceHandler{devices: devices, logger: logger}
}

// ServeHTTP 实现 http.Handler 接口
func (h *ParentDeviceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/parent/api/v1/devices" && r.Method == http.MethodGet:
		h.ListDevices(w, r)

	case path == "/parent/api/v1/devices" && r.Method == http.MethodPost:
		h.RegisterDevice(w, r)

	case strings.HasSuffix(path, "/settings") && r.Method == http.MethodPut:
		deviceID := trimSegment(path, "/parent/api/v1/devices/", "/settings")
		if deviceID == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.UpdateSettings(w, r, deviceID)

	case strings.HasPrefix(path, "/parent/api/v1/devices/") && r.Method == http.MethodGet:
		deviceID := strings.TrimPrefix(path, "/parent/api/v1/devices/")
		if deviceID == "" || strings.Contains(deviceID, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.GetDevice(w, r, deviceID)

	case strings.HasPrefix(path, "/parent/api/v1/devices/") && r.Method == http.MethodDelete:
		deviceID := strings.TrimPrefix(path, "/parent/api/v1/devices/")
		if deviceID == "" || strings.Contains(deviceID, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.DeleteDevice(w, r, deviceID)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// ListDevices 家长名下设备列表
func (h *ParentDeviceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	parentID, ok := parentIDFromReq(w, r)
	if !ok {
		return
	}

	devices, err := h.devices.ListDevicesByParent(r.Context(), parentID)
	if err != nil {
		h.logger.Error("Failed to list devices", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Fail("temporary failure, retry"))
		return
	}

	items := make([]map[string]any, 0, len(devices))
	for _, d := range devices {
		items = append(items, d.ToJSON())
	}
	writeJSON(w, http.StatusOK, Ok(items))
}

// RegisterDevice 注册新设备
func (h *ParentDeviceHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	parentID, ok := parentIDFromReq(w, r)
	if !ok {
		return
	}

	var req struct {
		DeviceID    string `json:"device_id"`
		ChildUserID string `json:"child_user_id"`
	}
	if err := readBodyJSON(r, 1<<16, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}

	device := &models.Device{
		DeviceID: strings.TrimSpace(req.DeviceID),
		ParentID: parentID,
		Status:   models.DeviceActive,
		Settings: models.DefaultDeviceSettings(),
	}
	if device.DeviceID == "" {
		device.DeviceID = uuid.New().String()
	}
	if req.ChildUserID != "" {
		device.ChildUserID = sql.NullString{String: req.ChildUserID, Valid: true}
	}

	if err := h.devices.CreateDevice(r.Context(), device); err != nil {
		h.logger.Error("Failed to register device",
			zap.String("device_id", device.DeviceID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusServiceUnavailable, Fail("temporary failure, retry"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(device.ToJSON()))
}

// GetDevice 设备详情
func (h *ParentDeviceHandler) GetDevice(w http.ResponseWriter, r *http.Request, deviceID string) {
	parentID, ok := parentIDFromReq(w, r)
	if !ok {
		return
	}

	device, err := h.devices.GetDevice(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, Fail("not found"))
			return
		}
		h.logger.Error("Failed to get device", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Fail("temporary failure, retry"))
		return
	}
	if device.ParentID != parentID || device.Status == models.DeviceDeleted {
		writeJSON(w, http.StatusNotFound, Fail("not found"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(device.ToJSON()))
}

// UpdateSettings 直接更新设备配置（不经指令队列，配合 update_settings 指令使用）
func (h *ParentDeviceHandler) UpdateSettings(w http.ResponseWriter, r *http.Request, deviceID string) {
	parentID, ok := parentIDFromReq(w, r)
	if !ok {
		return
	}

	var settings models.DeviceSettings
	if err := readBodyJSON(r, 1<<16, &settings); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}

	device, err := h.devices.GetDevice(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, Fail("not found"))
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, Fail("temporary failure, retry"))
		return
	}
	if device.ParentID != parentID || device.Status == models.DeviceDeleted {
		writeJSON(w, http.StatusNotFound, Fail("not found"))
		return
	}

	if err := h.devices.UpdateSettings(r.Context(), deviceID, settings); err != nil {
		h.logger.Error("Failed to update device settings", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Fail("temporary failure, retry"))
		return
	}
	writeJSON(w, http.StatusOK, Ok[any](nil))
}

// DeleteDevice 软删除设备
func (h *ParentDeviceHandler) DeleteDevice(w http.ResponseWriter, r *http.Request, deviceID string) {
	parentID, ok := parentIDFromReq(w, r)
	if !ok {
		return
	}

	deleted, err := h.devices.SoftDelete(r.Context(), parentID, deviceID)
	if err != nil {
		h.logger.Error("Failed to delete device", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Fail("temporary failure, retry"))
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, Fail("not found"))
		return
	}
	writeJSON(w, http.StatusOK, Ok[any](nil))
}
