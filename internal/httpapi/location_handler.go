package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"kidguard-dispatch/internal/repository"

	"go.uber.org/zap"
)

// LocationHandler 家长侧位置查询接口
type LocationHandler struct {
	locations repository.LocationsRepository
	logger    *zap.Logger
}

// NewLocationHandler 创建位置 Handler
func NewLocationHandler(locations repository.LocationsRepository, logger *zap.Logger) *LocationHandler {
	return &LocationHandler{locations: locations, logger: logger}
}

// ServeHTTP 实现 http.Handler 接口
func (h *LocationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/parent/api/v1/devices/") && strings.HasSuffix(path, "/locations") && r.Method == http.MethodGet:
		deviceID := trimSegment(path, "/parent/api/v1/devices/", "/locations")
		if deviceID == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.ListLocations(w, r, deviceID)

	case strings.HasPrefix(path, "/parent/api/v1/devices/") && strings.HasSuffix(path, "/locations/latest") && r.Method == http.MethodGet:
		deviceID := trimSegment(path, "/parent/api/v1/devices/", "/locations/latest")
		if deviceID == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.LatestLocation(w, r, deviceID)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// ListLocations 位置历史查询
func (h *LocationHandler) ListLocations(w http.ResponseWriter, r *http.Request, deviceID string) {
	parentID, ok := parentIDFromReq(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var since, until *time.Time
	if v := parseInt(q.Get("since"), 0); v > 0 {
		t := time.Unix(int64(v), 0)
		since = &t
	}
	if v := parseInt(q.Get("until"), 0); v > 0 {
		t := time.Unix(int64(v), 0)
		until = &t
	}
	limit := parseInt(q.Get("limit"), 100)
	if limit > 1000 {
		limit = 1000
	}

	locs, err := h.locations.ListLocations(r.Context(), parentID, deviceID, since, until, limit)
	if err != nil {
		h.logger.Error("Failed to list locations", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Fail("temporary failure, retry"))
		return
	}

	items := make([]map[string]any, 0, len(locs))
	for _, loc := range locs {
		items = append(items, loc.ToJSON())
	}
	writeJSON(w, http.StatusOK, Ok(items))
}

// LatestLocation 最近一次位置
func (h *LocationHandler) LatestLocation(w http.ResponseWriter, r *http.Request, deviceID string) {
	parentID, ok := parentIDFromReq(w, r)
	if !ok {
		return
	}

	loc, err := h.locations.LatestLocation(r.Context(), parentID, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, Fail("not found"))
			return
		}
		h.logger.Error("Failed to get latest location", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, Fail("temporary failure, retry"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(loc.ToJSON()))
}
