package models

import (
	"encoding/json"
	"time"
)

// CommandType 指令类型
type CommandType string

const (
	CommandLock           CommandType = "lock"
	CommandUnlock         CommandType = "unlock"
	CommandShowMessage    CommandType = "show_message"
	CommandPlaySound      CommandType = "play_sound"
	CommandVibrate        CommandType = "vibrate"
	CommandTakeScreenshot CommandType = "take_screenshot"
	CommandGetLocation    CommandType = "get_location"
	CommandEnableApp      CommandType = "enable_app"
	CommandDisableApp     CommandType = "disable_app"
	CommandSetTimeLimit   CommandType = "set_time_limit"
	CommandUpdateSettings CommandType = "update_settings"
	CommandFactoryReset   CommandType = "factory_reset"
)

// IsValid 检查指令类型是否合法
func (t CommandType) IsValid() bool {
	switch t {
	case CommandLock, CommandUnlock, CommandShowMessage, CommandPlaySound,
		CommandVibrate, CommandTakeScreenshot, CommandGetLocation,
		CommandEnableApp, CommandDisableApp, CommandSetTimeLimit,
		CommandUpdateSettings, CommandFactoryReset:
		return true
	}
	return false
}

// CommandPriority 指令优先级（仅作为投递排序依据）
type CommandPriority string

const (
	PriorityLow      CommandPriority = "low"
	PriorityNormal   CommandPriority = "normal"
	PriorityHigh     CommandPriority = "high"
	PriorityCritical CommandPriority = "critical"
)

// IsValid 检查优先级是否合法
func (p CommandPriority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank 排序权重，数值越小越先投递
func (p CommandPriority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

// ExpiryHorizon 按优先级确定的默认过期时限
func (p CommandPriority) ExpiryHorizon() time.Duration {
	switch p {
	case PriorityCritical:
		return 168 * time.Hour
	case PriorityHigh:
		return 72 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// CommandStatus 指令状态机状态
type CommandStatus string

const (
	StatusPending    CommandStatus = "pending"
	StatusSent       CommandStatus = "sent"
	StatusDelivered  CommandStatus = "delivered"
	StatusExecuting  CommandStatus = "executing"
	StatusCompleted  CommandStatus = "completed"
	StatusFailed     CommandStatus = "failed"
	StatusExpired    CommandStatus = "expired"
	StatusCancelled  CommandStatus = "cancelled"
	StatusSuperseded CommandStatus = "superseded"
)

// IsTerminal 终止态不再参与投递或重试
func (s CommandStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled, StatusSuperseded:
		return true
	}
	return false
}

// MaxCommandRetries 重试上限（绝对上限，达到后转终止失败）
const MaxCommandRetries = 5

// Command 指令领域模型（对应 commands 表）
type Command struct {
	CommandID string `db:"command_id"`
	DeviceID  string `db:"device_id"`
	ParentID  string `db:"parent_id"`

	Type     CommandType     `db:"type"`
	Payload  json.RawMessage `db:"payload"` // 按 Type 解释，见 payload.go
	Priority CommandPriority `db:"priority"`
	Status   CommandStatus   `db:"status"`

	RetryCount  int        `db:"retry_count"`
	NextRetryAt *time.Time `db:"next_retry_at"`
	ExpiresAt   time.Time  `db:"expires_at"`

	ExecutionResult json.RawMessage `db:"execution_result"` // 终止态的结果负载
	ResultMessage   *string         `db:"result_message"`

	CreatedAt   time.Time  `db:"created_at"`
	SentAt      *time.Time `db:"sent_at"`
	DeliveredAt *time.Time `db:"delivered_at"`
	ExecutedAt  *time.Time `db:"executed_at"`
}

// Eligible 判断指令当前是否可投递
// 条件：status ∈ {pending, sent} 且未过期，且不在重试退避窗口内
func (c *Command) Eligible(now time.Time) bool {
	if c.Status != StatusPending && c.Status != StatusSent {
		return false
	}
	if !now.Before(c.ExpiresAt) {
		return false
	}
	if c.NextRetryAt != nil && now.Before(*c.NextRetryAt) {
		return false
	}
	return true
}

// CommandSummary 投递给设备或回给家长端的指令摘要
type CommandSummary struct {
	CommandID string          `json:"command_id"`
	Type      CommandType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Priority  CommandPriority `json:"priority"`
}

// Summary 转换为摘要
func (c *Command) Summary() CommandSummary {
	return CommandSummary{
		CommandID: c.CommandID,
		Type:      c.Type,
		Payload:   c.Payload,
		Priority:  c.Priority,
	}
}
