package dispatch

import "errors"

// 核心操作的错误种类（spec 化的错误词汇表，HTTP 层据此映射状态码）
var (
	// ErrNotFound 指令/设备不存在，或不属于调用方（不泄露存在性）
	ErrNotFound = errors.New("not found")

	// ErrForbidden 目标存在但调用方无归属权
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidState 当前状态不允许该迁移
	ErrInvalidState = errors.New("invalid state")

	// ErrExpired 操作目标已过期（区别于 NotFound，客户端可区分"不存在"和"太晚了"）
	ErrExpired = errors.New("expired")

	// ErrInvalidArgument 入参不合法（未知指令类型、负载形状错误等）
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTransientStore 存储层超时/冲突，整个操作可安全重试
	ErrTransientStore = errors.New("transient store failure")
)
