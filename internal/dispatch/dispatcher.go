package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kidguard-dispatch/internal/events"
	"kidguard-dispatch/internal/models"
	"kidguard-dispatch/internal/repository"

	"go.uber.org/zap"
)

// casAttempts CAS 冲突时整个操作的内部重试次数
const casAttempts = 2

// pullBatchSize 单次拉取返回的指令上限
const pullBatchSize = 50

// EventPublisher 状态变更的 best-effort 推送
type EventPublisher interface {
	PublishToParent(ctx context.Context, parentID string, event any) error
	PublishToDevice(ctx context.Context, deviceID string, event any) error
}

// AlertSink 报警落点（alerts.Emitter）
type AlertSink interface {
	Emit(ctx context.Context, alert *models.Alert) error
}

// Dispatcher 指令存储 + 投递协议
// 设备侧是拉取式 at-least-once：pending→sent 由拉取触发，未确认的指令
// 在下次拉取时重新出现；确认 / 结果上报推进状态机直至终止态
type Dispatcher struct {
	commands  repository.CommandsRepository
	devices   repository.DevicesRepository
	publisher EventPublisher
	alerts    AlertSink
	logger    *zap.Logger

	// 终止失败是否升级为报警
	escalateFailures bool

	now func() time.Time
}

// NewDispatcher 创建指令调度器
func NewDispatcher(
	commands repository.CommandsRepository,
	devices repository.DevicesRepository,
	publisher EventPublisher,
	alerts AlertSink,
	escalateFailures bool,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		commands:         commands,
		devices:          devices,
		publisher:        publisher,
		alerts:           alerts,
		escalateFailures: escalateFailures,
		logger:           logger,
		now:              time.Now,
	}
}

// Issue 家长（或系统）下发新指令
// 校验设备归属和负载形状，指令以 pending 入库，并向设备频道推送摘要，
// 让已连接的设备不必等到下一次轮询
func (d *Dispatcher) Issue(ctx context.Context, deviceID, parentID string, cmdType models.CommandType, payload json.RawMessage, priority models.CommandPriority) (*models.CommandSummary, error) {
	if !cmdType.IsValid() {
		return nil, fmt.Errorf("%w: unknown command type %q", ErrInvalidArgument, cmdType)
	}
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !priority.IsValid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidArgument, priority)
	}

	decoded, err := models.DecodePayload(cmdType, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	device, err := d.devices.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storeErr(err)
	}
	if device.Status == models.DeviceDeleted {
		return nil, ErrNotFound
	}
	if device.ParentID != parentID {
		return nil, ErrForbidden
	}

	now := d.now()
	cmd := &models.Command{
		DeviceID:  deviceID,
		ParentID:  parentID,
		Type:      cmdType,
		Payload:   payload,
		Priority:  priority,
		Status:    models.StatusPending,
		ExpiresAt: now.Add(priority.ExpiryHorizon()),
		CreatedAt: now,
	}

	// 新的配置推送让同设备尚未投递的旧配置指令失效，设备不会应用过期配置
	if cmdType == models.CommandUpdateSettings {
		if n, err := d.commands.SupersedePendingSettings(ctx, deviceID, now); err != nil {
			return nil, storeErr(err)
		} else if n > 0 {
			d.logger.Info("Superseded stale settings commands",
				zap.String("device_id", deviceID),
				zap.Int64("count", n),
			)
		}
		if p, ok := decoded.(*models.UpdateSettingsPayload); ok {
			if err := d.devices.UpdateSettings(ctx, deviceID, p.Settings); err != nil {
				return nil, storeErr(err)
			}
		}
	}

	if err := d.commands.CreateCommand(ctx, cmd); err != nil {
		return nil, storeErr(err)
	}

	d.logger.Info("Command issued",
		zap.String("command_id", cmd.CommandID),
		zap.String("device_id", deviceID),
		zap.String("type", string(cmdType)),
		zap.String("priority", string(priority)),
	)

	d.publishToDevice(ctx, deviceID, events.CommandEvent{
		Type:      events.EventCommandIssued,
		CommandID: cmd.CommandID,
		DeviceID:  deviceID,
		Command:   string(cmdType),
		Priority:  string(priority),
		Timestamp: now.Unix(),
	})

	summary := cmd.Summary()
	return &summary, nil
}

// PullPending 设备拉取待执行指令
// 返回按 priority 降序、createdAt 升序排列的可投递指令，并把每条的状态
// 置为 sent。设备未确认前重复拉取会重复拿到同一条（at-least-once）
func (d *Dispatcher) PullPending(ctx context.Context, deviceID string) ([]models.CommandSummary, error) {
	device, err := d.devices.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storeErr(err)
	}
	if device.Status == models.DeviceDeleted {
		return nil, ErrNotFound
	}

	now := d.now()
	eligible, err := d.commands.ListEligible(ctx, deviceID, now, pullBatchSize)
	if err != nil {
		return nil, storeErr(err)
	}

	summaries := make([]models.CommandSummary, 0, len(eligible))
	for _, cmd := range eligible {
		ok, err := d.commands.MarkSent(ctx, cmd.CommandID, now)
		if err != nil {
			return nil, storeErr(err)
		}
		if !ok {
			// 与并发的终止迁移竞争失败，跳过这一条
			continue
		}
		summaries = append(summaries, cmd.Summary())
	}

	if len(summaries) > 0 {
		d.logger.Debug("Commands pulled",
			zap.String("device_id", deviceID),
			zap.Int("count", len(summaries)),
		)
	}
	return summaries, nil
}

// Acknowledge 设备确认收到指令：sent → delivered
// 让下发方能区分"设备收到了"和"设备执行完了"
func (d *Dispatcher) Acknowledge(ctx context.Context, commandID string) error {
	now := d.now()
	ok, err := d.commands.MarkDelivered(ctx, commandID, now)
	if err != nil {
		return storeErr(err)
	}
	if ok {
		return nil
	}

	cmd, err := d.commands.GetCommand(ctx, commandID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return storeErr(err)
	}
	if cmd.Status == models.StatusExpired || (!cmd.Status.IsTerminal() && !now.Before(cmd.ExpiresAt)) {
		return ErrExpired
	}
	return ErrInvalidState
}

// MarkExecuting 设备声明开始执行（长耗时指令的进度汇报）：delivered → executing
func (d *Dispatcher) MarkExecuting(ctx context.Context, commandID string) error {
	ok, err := d.commands.MarkExecuting(ctx, commandID, d.now())
	if err != nil {
		return storeErr(err)
	}
	if ok {
		return nil
	}

	cmd, err := d.commands.GetCommand(ctx, commandID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return storeErr(err)
	}
	if cmd.Status == models.StatusExecuting {
		// 重复声明幂等
		return nil
	}
	return ErrInvalidState
}

// ReportResult 设备上报执行结果
// 成功 → completed；失败且重试未耗尽 → 退避后回到 pending；
// 失败且重试耗尽 → 终止 failed（可升级为报警）。
// 已终止（含已取消）指令的上报被接受但忽略
func (d *Dispatcher) ReportResult(ctx context.Context, commandID string, success bool, message string, outcome json.RawMessage) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		cmd, err := d.commands.GetCommand(ctx, commandID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotFound
			}
			return storeErr(err)
		}

		if cmd.Status.IsTerminal() {
			// 迟到的结果（指令已被取消/过期/并发终止）：接受但不改状态
			d.logger.Debug("Ignoring result for terminal command",
				zap.String("command_id", commandID),
				zap.String("status", string(cmd.Status)),
			)
			return nil
		}

		now := d.now()

		if success {
			ok, err := d.commands.Complete(ctx, commandID, outcome, message, now)
			if err != nil {
				return storeErr(err)
			}
			if !ok {
				continue
			}
			d.logger.Info("Command completed",
				zap.String("command_id", commandID),
				zap.String("device_id", cmd.DeviceID),
			)
			d.publishResult(ctx, cmd, true, message, now)
			return nil
		}

		if cmd.RetryCount < models.MaxCommandRetries {
			// 指数退避：第 n 次失败后等待 2^n 秒
			backoff := time.Duration(1<<uint(cmd.RetryCount+1)) * time.Second
			ok, err := d.commands.ScheduleRetry(ctx, commandID, cmd.RetryCount, now.Add(backoff), message)
			if err != nil {
				return storeErr(err)
			}
			if !ok {
				continue
			}
			d.logger.Info("Command scheduled for retry",
				zap.String("command_id", commandID),
				zap.Int("retry_count", cmd.RetryCount+1),
				zap.Duration("backoff", backoff),
			)
			return nil
		}

		ok, err := d.commands.FailTerminal(ctx, commandID, outcome, message, now)
		if err != nil {
			return storeErr(err)
		}
		if !ok {
			continue
		}
		d.logger.Warn("Command failed terminally",
			zap.String("command_id", commandID),
			zap.String("device_id", cmd.DeviceID),
			zap.Int("retry_count", cmd.RetryCount),
		)
		d.publishResult(ctx, cmd, false, message, now)
		d.escalateFailure(ctx, cmd, message)
		return nil
	}

	return ErrTransientStore
}

// Cancel 家长取消指令：{pending, sent} → cancelled
// 这是状态迁移而非中断：设备不会被同步告知，只是下次拉取看不到它；
// 之后上报的结果会被接受但忽略
func (d *Dispatcher) Cancel(ctx context.Context, commandID, parentID string) error {
	ok, err := d.commands.Cancel(ctx, commandID, parentID)
	if err != nil {
		return storeErr(err)
	}
	if ok {
		cmd, err := d.commands.GetCommand(ctx, commandID)
		if err == nil {
			d.publishToDevice(ctx, cmd.DeviceID, events.CommandEvent{
				Type:      events.EventCommandCancelled,
				CommandID: commandID,
				DeviceID:  cmd.DeviceID,
				Timestamp: d.now().Unix(),
			})
		}
		d.logger.Info("Command cancelled", zap.String("command_id", commandID))
		return nil
	}

	cmd, err := d.commands.GetCommand(ctx, commandID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return storeErr(err)
	}
	if cmd.ParentID != parentID {
		// 归属不符按不存在处理，不泄露指令存在性
		return ErrNotFound
	}
	return ErrInvalidState
}

// Retry 家长对终止失败的指令发起重试
// 克隆出一条全新指令（新 id、retryCount=0、新的过期时限），不复活旧 id，
// 指令历史保持 append-only 可审计
func (d *Dispatcher) Retry(ctx context.Context, commandID, parentID string) (*models.CommandSummary, error) {
	cmd, err := d.commands.GetCommand(ctx, commandID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storeErr(err)
	}
	if cmd.ParentID != parentID {
		return nil, ErrNotFound
	}
	if cmd.Status != models.StatusFailed {
		return nil, ErrInvalidState
	}

	now := d.now()
	clone := &models.Command{
		DeviceID:  cmd.DeviceID,
		ParentID:  cmd.ParentID,
		Type:      cmd.Type,
		Payload:   cmd.Payload,
		Priority:  cmd.Priority,
		Status:    models.StatusPending,
		ExpiresAt: now.Add(cmd.Priority.ExpiryHorizon()),
		CreatedAt: now,
	}
	if err := d.commands.CreateCommand(ctx, clone); err != nil {
		return nil, storeErr(err)
	}

	d.logger.Info("Command retried as new command",
		zap.String("failed_command_id", commandID),
		zap.String("new_command_id", clone.CommandID),
	)

	d.publishToDevice(ctx, clone.DeviceID, events.CommandEvent{
		Type:      events.EventCommandIssued,
		CommandID: clone.CommandID,
		DeviceID:  clone.DeviceID,
		Command:   string(clone.Type),
		Priority:  string(clone.Priority),
		Timestamp: now.Unix(),
	})

	summary := clone.Summary()
	return &summary, nil
}

// GetCommand 家长端查询单条指令
func (d *Dispatcher) GetCommand(ctx context.Context, commandID, parentID string) (*models.Command, error) {
	cmd, err := d.commands.GetCommand(ctx, commandID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, storeErr(err)
	}
	if cmd.ParentID != parentID {
		return nil, ErrNotFound
	}
	return cmd, nil
}

// ListHistory 家长端查询设备指令历史
func (d *Dispatcher) ListHistory(ctx context.Context, parentID, deviceID string, limit, offset int) ([]*models.Command, int, error) {
	cmds, total, err := d.commands.ListByDevice(ctx, parentID, deviceID, limit, offset)
	if err != nil {
		return nil, 0, storeErr(err)
	}
	return cmds, total, nil
}

// ExpireOverdue 过期扫描：过了 expires_at 的非终止指令批量写成 expired
// 拉取侧本就按 expires_at 过滤，这里只是把状态落账
func (d *Dispatcher) ExpireOverdue(ctx context.Context) (int64, error) {
	n, err := d.commands.ExpireOverdue(ctx, d.now())
	if err != nil {
		return 0, storeErr(err)
	}
	if n > 0 {
		d.logger.Info("Expired overdue commands", zap.Int64("count", n))
	}
	return n, nil
}

// publishResult 终止结果的 best-effort 推送（发给下发指令的家长）
func (d *Dispatcher) publishResult(ctx context.Context, cmd *models.Command, success bool, message string, now time.Time) {
	event := events.CommandEvent{
		Type:      events.EventCommandResult,
		CommandID: cmd.CommandID,
		DeviceID:  cmd.DeviceID,
		Command:   string(cmd.Type),
		Success:   &success,
		Message:   message,
		Timestamp: now.Unix(),
	}
	if err := d.publisher.PublishToParent(ctx, cmd.ParentID, event); err != nil {
		d.logger.Warn("Failed to publish command result",
			zap.String("command_id", cmd.CommandID),
			zap.Error(err),
		)
	}
}

// escalateFailure 终止失败升级为报警（配置开关控制）
func (d *Dispatcher) escalateFailure(ctx context.Context, cmd *models.Command, message string) {
	if !d.escalateFailures {
		return
	}
	data, _ := json.Marshal(map[string]any{
		"command_id": cmd.CommandID,
		"type":       string(cmd.Type),
		"message":    message,
	})
	alert := &models.Alert{
		DeviceID: cmd.DeviceID,
		ParentID: cmd.ParentID,
		Type:     models.AlertCommandFailed,
		Severity: models.SeverityMedium,
		Message:  fmt.Sprintf("Command %s failed after %d retries", cmd.Type, cmd.RetryCount),
		Data:     data,
	}
	if err := d.alerts.Emit(ctx, alert); err != nil {
		d.logger.Warn("Failed to emit command failure alert",
			zap.String("command_id", cmd.CommandID),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) publishToDevice(ctx context.Context, deviceID string, event any) {
	if err := d.publisher.PublishToDevice(ctx, deviceID, event); err != nil {
		d.logger.Warn("Failed to publish device event",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
}

// storeErr 存储层错误统一归为可重试的瞬时失败
func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrTransientStore, err)
}
