package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"kidguard-dispatch/internal/dispatch"
	"kidguard-dispatch/internal/models"

	"go.uber.org/zap"
)

// CommandHandler 家长侧指令接口：下发、取消、重试、历史查询
type CommandHandler struct {
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

// NewCommandHandler 创建家长侧指令 Handler
func NewCommandHandler(dispatcher *dispatch.Dispatcher, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{dispatcher: dispatcher, logger: logger}
}

// ServeHTTP 实现 http.Handler 接口
func (h *CommandHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/parent/api/v1/devices/") && strings.HasSuffix(path, "/commands") && r.Method == http.MethodPost:
		deviceID := trimSegment(path, "/parent/api/v1/devices/", "/commands")
		if deviceID == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.Issue(w, r, deviceID)

	case strings.HasPrefix(path, "/parent/api/v1/devices/") && strings.HasSuffix(path, "/commands") && r.Method == http.MethodGet:
		deviceID := trimSegment(path, "/parent/api/v1/devices/", "/commands")
		if deviceID == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.ListHistory(w, r, deviceID)

	case strings.HasPrefix(path, "/parent/api/v1/commands/") && strings.HasSuffix(path, "/cancel") && r.Method == http.MethodPost:
		commandID := trimSegment(path, "/parent/api/v1/commands/", "/cancel")
		if commandID == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.Cancel(w, r, commandID)

	case strings.HasPrefix(path, "/parent/api/v1/commands/") && strings.HasSuffix(path, "/retry") && r.Method == http.MethodPost:
		commandID := trimSegment(path, "/parent/api/v1/commands/", "/retry")
		if commandID == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.Retry(w, r, commandID)

	case strings.HasPrefix(path, "/parent/api/v1/commands/") && r.Method == http.MethodGet:
		commandID := strings.TrimPrefix(path, "/parent/api/v1/commands/")
		if commandID == "" || strings.Contains(commandID, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.GetCommand(w, r, commandID)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// Issue 下发指令
func (h *CommandHandler) Issue(w http.ResponseWriter, r *http.Request, deviceID string) {
	parentID, ok := parentIDFromReq(w, r)
	if !ok {
		return
	}

	var req struct {
		Type     string          `json:"type"`
		Payload  json.RawMessage `json:"payload"`
		Priority string          `json:"priority"`
	}
	if err := readBodyJSON(r, 1<<18, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid request body"))
		return
	}

	summary, err := h.dispatcher.Issue(
		r.Context(), deviceID, parentID,
		models.CommandType(req.Type), req.Payload, models.CommandPriority(req.Priority),
	)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(summary))
}

// ListHistory 指令历史
func (h *CommandHandler) ListHistory(w http.ResponseWriter, r *http.Request, deviceID string) {
	parentID, ok := parentIDFromReq(w, r)
	if !ok {
		return
	}

	page := parseInt(r.URL.Query().Get("page"), 1)
	pageSize := parseInt(r.URL.Query().Get("page_size"), 20)
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	cmds, total, err := h.dispatcher.ListHistory(r.Context(), parentID, deviceID, pageSize, offset)
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	items := make([]map[string]any, 0, len(cmds))
	for _, cmd := range cmds {
		items = append(items, commandToJSON(cmd))
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": total,
		"page":  page,
	}))
}

// GetCommand 查询单条指令
func (h *CommandHandler) GetCommand(w http.ResponseWriter, r *http.Request, commandID string) {
	parentID, ok := parentIDFromReq(w, r)
	if !ok {
		return
	}

	cmd, err := h.dispatcher.GetCommand(r.Context(), commandID, parentID)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(commandToJSON(cmd)))
}

// Cancel 取消指令
func (h *CommandHandler) Cancel(w http.ResponseWriter, r *http.Request, commandID string) {
	parentID, ok := parentIDFromReq(w, r)
	if !ok {
		return
	}

	if err := h.dispatcher.Cancel(r.Context(), commandID, parentID); err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok[any](nil))
}

// Retry 对终止失败的指令发起重试（产生新指令）
func (h *CommandHandler) Retry(w http.ResponseWriter, r *http.Request, commandID string) {
	parentID, ok := parentIDFromReq(w, r)
	if !ok {
		return
	}

	summary, err := h.dispatcher.Retry(r.Context(), commandID, parentID)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(summary))
}

func commandToJSON(cmd *models.Command) map[string]any {
	m := map[string]any{
		"command_id":  cmd.CommandID,
		"device_id":   cmd.DeviceID,
		"type":        cmd.Type,
		"priority":    cmd.Priority,
		"status":      cmd.Status,
		"retry_count": cmd.RetryCount,
		"expires_at":  cmd.ExpiresAt.Unix(),
		"created_at":  cmd.CreatedAt.Unix(),
	}
	if len(cmd.Payload) > 0 {
		m["payload"] = json.RawMessage(cmd.Payload)
	}
	if len(cmd.ExecutionResult) > 0 {
		m["execution_result"] = json.RawMessage(cmd.ExecutionResult)
	}
	if cmd.ResultMessage != nil {
		m["result_message"] = *cmd.ResultMessage
	}
	addTime := func(key string, t *time.Time) {
		if t != nil {
			m[key] = t.Unix()
		}
	}
	addTime("sent_at", cmd.SentAt)
	addTime("delivered_at", cmd.DeliveredAt)
	addTime("executed_at", cmd.ExecutedAt)
	if cmd.NextRetryAt != nil {
		m["next_retry_at"] = cmd.NextRetryAt.Unix()
	}
	return m
}
