package dispatch

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"kidguard-dispatch/internal/models"
	"kidguard-dispatch/internal/repository"

	"github.com/google/uuid"
)

// fakeCommandsRepo 内存版指令仓库，语义与 PostgreSQL 实现保持一致
type fakeCommandsRepo struct {
	mu       sync.Mutex
	commands map[string]*models.Command
}

func newFakeCommandsRepo() *fakeCommandsRepo {
	return &fakeCommandsRepo{commands: make(map[string]*models.Command)}
}

func (r *fakeCommandsRepo) CreateCommand(ctx context.Context, cmd *models.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.New().String()
	}
	if cmd.Status == "" {
		cmd.Status = models.StatusPending
	}
	clone := *cmd
	r.commands[cmd.CommandID] = &clone
	return nil
}

func (r *fakeCommandsRepo) GetCommand(ctx context.Context, commandID string) (*models.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[commandID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *cmd
	return &clone, nil
}

func (r *fakeCommandsRepo) ListEligible(ctx context.Context, deviceID string, now time.Time, limit int) ([]*models.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Command
	for _, cmd := range r.commands {
		if cmd.DeviceID != deviceID || !cmd.Eligible(now) {
			continue
		}
		clone := *cmd
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority.Rank() != out[j].Priority.Rank() {
			return out[i].Priority.Rank() < out[j].Priority.Rank()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeCommandsRepo) ListByDevice(ctx context.Context, parentID, deviceID string, limit, offset int) ([]*models.Command, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Command
	for _, cmd := range r.commands {
		if cmd.DeviceID != deviceID || cmd.ParentID != parentID {
			continue
		}
		clone := *cmd
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (r *fakeCommandsRepo) MarkSent(ctx context.Context, commandID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[commandID]
	if !ok {
		return false, nil
	}
	if cmd.Status != models.StatusPending && cmd.Status != models.StatusSent {
		return false, nil
	}
	if !cmd.ExpiresAt.After(now) {
		return false, nil
	}
	cmd.Status = models.StatusSent
	if cmd.SentAt == nil {
		t := now
		cmd.SentAt = &t
	}
	return true, nil
}

func (r *fakeCommandsRepo) MarkDelivered(ctx context.Context, commandID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[commandID]
	if !ok || cmd.Status != models.StatusSent {
		return false, nil
	}
	cmd.Status = models.StatusDelivered
	t := now
	cmd.DeliveredAt = &t
	return true, nil
}

func (r *fakeCommandsRepo) MarkExecuting(ctx context.Context, commandID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[commandID]
	if !ok || cmd.Status != models.StatusDelivered {
		return false, nil
	}
	cmd.Status = models.StatusExecuting
	return true, nil
}

func (r *fakeCommandsRepo) Complete(ctx context.Context, commandID string, outcome json.RawMessage, message string, now time.Time) (bool, error) {
	return r.terminate(commandID, models.StatusCompleted, outcome, message, now)
}

func (r *fakeCommandsRepo) FailTerminal(ctx context.Context, commandID string, outcome json.RawMessage, message string, now time.Time) (bool, error) {
	return r.terminate(commandID, models.StatusFailed, outcome, message, now)
}

func (r *fakeCommandsRepo) terminate(commandID string, status models.CommandStatus, outcome json.RawMessage, message string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[commandID]
	if !ok || cmd.Status.IsTerminal() {
		return false, nil
	}
	cmd.Status = status
	cmd.ExecutionResult = outcome
	if message != "" {
		cmd.ResultMessage = &message
	}
	t := now
	cmd.ExecutedAt = &t
	return true, nil
}

func (r *fakeCommandsRepo) ScheduleRetry(ctx context.Context, commandID string, expectedRetryCount int, nextRetryAt time.Time, message string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[commandID]
	if !ok || cmd.Status.IsTerminal() {
		return false, nil
	}
	if cmd.RetryCount != expectedRetryCount || cmd.RetryCount >= models.MaxCommandRetries {
		return false, nil
	}
	cmd.Status = models.StatusPending
	cmd.RetryCount++
	t := nextRetryAt
	cmd.NextRetryAt = &t
	if message != "" {
		cmd.ResultMessage = &message
	}
	return true, nil
}

func (r *fakeCommandsRepo) Cancel(ctx context.Context, commandID, parentID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd, ok := r.commands[commandID]
	if !ok || cmd.ParentID != parentID {
		return false, nil
	}
	if cmd.Status != models.StatusPending && cmd.Status != models.StatusSent {
		return false, nil
	}
	cmd.Status = models.StatusCancelled
	return true, nil
}

func (r *fakeCommandsRepo) SupersedePendingSettings(ctx context.Context, deviceID string, beforeCreatedAt time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, cmd := range r.commands {
		if cmd.DeviceID == deviceID &&
			cmd.Type == models.CommandUpdateSettings &&
			cmd.Status == models.StatusPending &&
			cmd.CreatedAt.Before(beforeCreatedAt) {
			cmd.Status = models.StatusSuperseded
			n++
		}
	}
	return n, nil
}

func (r *fakeCommandsRepo) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, cmd := range r.commands {
		if !cmd.Status.IsTerminal() && !cmd.ExpiresAt.After(now) {
			cmd.Status = models.StatusExpired
			n++
		}
	}
	return n, nil
}

// fakeDevicesRepo 内存版设备仓库（只实现调度器用到的部分）
type fakeDevicesRepo struct {
	mu      sync.Mutex
	devices map[string]*models.Device
}

func newFakeDevicesRepo() *fakeDevicesRepo {
	return &fakeDevicesRepo{devices: make(map[string]*models.Device)}
}

func (r *fakeDevicesRepo) add(device *models.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *device
	r.devices[device.DeviceID] = &clone
}

func (r *fakeDevicesRepo) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[deviceID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *device
	return &clone, nil
}

func (r *fakeDevicesRepo) CreateDevice(ctx context.Context, device *models.Device) error {
	r.add(device)
	return nil
}

func (r *fakeDevicesRepo) ListDevicesByParent(ctx context.Context, parentID string) ([]*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Device
	for _, d := range r.devices {
		if d.ParentID == parentID {
			clone := *d
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *fakeDevicesRepo) UpdateHeartbeat(ctx context.Context, deviceID string, batteryLevel int, isCharging bool, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[deviceID]
	if !ok {
		return repository.ErrNotFound
	}
	device.IsOnline = true
	device.LastHeartbeat.Time = now
	device.LastHeartbeat.Valid = true
	device.BatteryLevel = batteryLevel
	device.IsCharging = isCharging
	return nil
}

func (r *fakeDevicesRepo) ListOfflineCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Device
	for _, d := range r.devices {
		if d.Status == models.DeviceActive && d.IsOnline &&
			d.LastHeartbeat.Valid && d.LastHeartbeat.Time.Before(cutoff) {
			clone := *d
			out = append(out, &clone)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeDevicesRepo) MarkOffline(ctx context.Context, deviceID string, observedHeartbeat time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[deviceID]
	if !ok || !device.IsOnline {
		return false, nil
	}
	if !device.LastHeartbeat.Valid || !device.LastHeartbeat.Time.Equal(observedHeartbeat) {
		return false, nil
	}
	device.IsOnline = false
	return true, nil
}

func (r *fakeDevicesRepo) UpdateSettings(ctx context.Context, deviceID string, settings models.DeviceSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[deviceID]
	if !ok {
		return repository.ErrNotFound
	}
	device.Settings = settings
	return nil
}

func (r *fakeDevicesRepo) SoftDelete(ctx context.Context, parentID, deviceID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[deviceID]
	if !ok || device.ParentID != parentID || device.Status == models.DeviceDeleted {
		return false, nil
	}
	device.Status = models.DeviceDeleted
	return true, nil
}

// fakePublisher 记录发布的事件
type fakePublisher struct {
	mu           sync.Mutex
	parentEvents map[string][]any
	deviceEvents map[string][]any
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		parentEvents: make(map[string][]any),
		deviceEvents: make(map[string][]any),
	}
}

func (p *fakePublisher) PublishToParent(ctx context.Context, parentID string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parentEvents[parentID] = append(p.parentEvents[parentID], event)
	return nil
}

func (p *fakePublisher) PublishToDevice(ctx context.Context, deviceID string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deviceEvents[deviceID] = append(p.deviceEvents[deviceID], event)
	return nil
}

// fakeAlertSink 记录发出的报警
type fakeAlertSink struct {
	mu     sync.Mutex
	alerts []*models.Alert
}

func (s *fakeAlertSink) Emit(ctx context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *alert
	s.alerts = append(s.alerts, &clone)
	return nil
}
