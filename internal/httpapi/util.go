package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"kidguard-dispatch/internal/dispatch"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func readBodyJSON(r *http.Request, maxBytes int64, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// parentIDFromReq 认证在外层完成，网关注入 X-Parent-Id
func parentIDFromReq(w http.ResponseWriter, r *http.Request) (string, bool) {
	parentID := r.Header.Get("X-Parent-Id")
	if parentID == "" {
		writeJSON(w, http.StatusUnauthorized, Fail("parent ID is required"))
		return "", false
	}
	return parentID, true
}

// writeDispatchError 核心错误种类到 HTTP 响应的映射
func writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrNotFound):
		writeJSON(w, http.StatusNotFound, Fail("not found"))
	case errors.Is(err, dispatch.ErrForbidden):
		writeJSON(w, http.StatusForbidden, Fail("forbidden"))
	case errors.Is(err, dispatch.ErrInvalidState):
		writeJSON(w, http.StatusConflict, Fail("invalid state"))
	case errors.Is(err, dispatch.ErrExpired):
		writeJSON(w, http.StatusGone, Fail("expired"))
	case errors.Is(err, dispatch.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
	case errors.Is(err, dispatch.ErrTransientStore):
		writeJSON(w, http.StatusServiceUnavailable, Fail("temporary failure, retry"))
	default:
		writeJSON(w, http.StatusInternalServerError, Fail("internal error"))
	}
}
