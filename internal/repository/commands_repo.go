package repository

import (
	"context"
	"encoding/json"
	"time"

	"kidguard-dispatch/internal/models"
)

// CommandsRepository 指令仓库接口
// 所有状态迁移都是按 status（必要时加 retry_count）做条件更新的 CAS 原语：
// 返回 false 表示竞争失败或当前状态不允许该迁移，由调用方重读决定错误种类
type CommandsRepository interface {
	CreateCommand(ctx context.Context, cmd *models.Command) error
	GetCommand(ctx context.Context, commandID string) (*models.Command, error)

	// ListEligible 返回按 priority 降序、created_at 升序排列的可投递指令
	ListEligible(ctx context.Context, deviceID string, now time.Time, limit int) ([]*models.Command, error)

	// ListByDevice 家长端查询指令历史
	ListByDevice(ctx context.Context, parentID, deviceID string, limit, offset int) ([]*models.Command, int, error)

	// pending → sent（sent → sent 幂等，sent_at 只写一次）
	MarkSent(ctx context.Context, commandID string, now time.Time) (bool, error)
	// sent → delivered
	MarkDelivered(ctx context.Context, commandID string, now time.Time) (bool, error)
	// delivered → executing
	MarkExecuting(ctx context.Context, commandID string, now time.Time) (bool, error)

	// 非终止态 → completed
	Complete(ctx context.Context, commandID string, outcome json.RawMessage, message string, now time.Time) (bool, error)
	// 非终止态 → failed（终止失败，重试耗尽）
	FailTerminal(ctx context.Context, commandID string, outcome json.RawMessage, message string, now time.Time) (bool, error)
	// 非终止态 → pending（瞬时失败重试），retry_count 以 expectedRetryCount 做乐观锁
	ScheduleRetry(ctx context.Context, commandID string, expectedRetryCount int, nextRetryAt time.Time, message string) (bool, error)

	// {pending, sent} → cancelled，校验归属
	Cancel(ctx context.Context, commandID, parentID string) (bool, error)

	// 同设备仍处于 pending 的旧 update_settings → superseded
	SupersedePendingSettings(ctx context.Context, deviceID string, beforeCreatedAt time.Time) (int64, error)

	// 过期扫描：非终止态且已过 expires_at → expired
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
}
