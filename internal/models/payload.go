package models

import (
	"encoding/json"
	"fmt"
)

// 指令负载按 Type 解释为不同的结构（tagged union），
// 入队前通过 DecodePayload 校验形状，存储仍为 JSONB。

// ShowMessagePayload show_message 负载
type ShowMessagePayload struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// PlaySoundPayload play_sound 负载
type PlaySoundPayload struct {
	DurationSeconds int    `json:"duration_seconds"`
	Sound           string `json:"sound,omitempty"`
}

// AppTogglePayload enable_app / disable_app 负载
type AppTogglePayload struct {
	PackageName string `json:"package_name"`
}

// SetTimeLimitPayload set_time_limit 负载
type SetTimeLimitPayload struct {
	DailyLimitMinutes int    `json:"daily_limit_minutes"`
	PackageName       string `json:"package_name,omitempty"` // 为空表示全局限额
}

// UpdateSettingsPayload update_settings 负载（下发完整设备配置）
type UpdateSettingsPayload struct {
	Settings DeviceSettings `json:"settings"`
}

// DecodePayload 按指令类型解码并校验负载
// 返回解码后的变体；负载形状不符时返回错误
func DecodePayload(t CommandType, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	switch t {
	case CommandShowMessage:
		var p ShowMessagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid show_message payload: %w", err)
		}
		if p.Message == "" {
			return nil, fmt.Errorf("show_message payload requires message")
		}
		return &p, nil

	case CommandPlaySound:
		var p PlaySoundPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid play_sound payload: %w", err)
		}
		if p.DurationSeconds < 0 {
			return nil, fmt.Errorf("play_sound duration_seconds must be >= 0")
		}
		return &p, nil

	case CommandEnableApp, CommandDisableApp:
		var p AppTogglePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid app toggle payload: %w", err)
		}
		if p.PackageName == "" {
			return nil, fmt.Errorf("%s payload requires package_name", t)
		}
		return &p, nil

	case CommandSetTimeLimit:
		var p SetTimeLimitPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid set_time_limit payload: %w", err)
		}
		if p.DailyLimitMinutes < 0 {
			return nil, fmt.Errorf("set_time_limit daily_limit_minutes must be >= 0")
		}
		return &p, nil

	case CommandUpdateSettings:
		var p UpdateSettingsPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid update_settings payload: %w", err)
		}
		return &p, nil

	case CommandLock, CommandUnlock, CommandVibrate, CommandTakeScreenshot,
		CommandGetLocation, CommandFactoryReset:
		// 无参数指令，负载允许为空对象
		var p map[string]any
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", t, err)
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown command type: %s", t)
	}
}
