package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kidguard-dispatch/internal/models"
	"kidguard-dispatch/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAlertsRepo struct {
	mu        sync.Mutex
	alerts    map[string]*models.Alert
	createErr error
	notified  map[string][]string
}

func newFakeAlertsRepo() *fakeAlertsRepo {
	return &fakeAlertsRepo{
		alerts:   make(map[string]*models.Alert),
		notified: make(map[string][]string),
	}
}

func (r *fakeAlertsRepo) CreateAlert(ctx context.Context, alert *models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if alert.AlertID == "" {
		alert.AlertID = uuid.New().String()
	}
	clone := *alert
	r.alerts[alert.AlertID] = &clone
	return nil
}

func (r *fakeAlertsRepo) GetAlert(ctx context.Context, parentID, alertID string) (*models.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[alertID]
	if !ok || alert.ParentID != parentID {
		return nil, repository.ErrNotFound
	}
	clone := *alert
	return &clone, nil
}

func (r *fakeAlertsRepo) ListAlerts(ctx context.Context, parentID string, filters repository.AlertFilters, limit, offset int) ([]*models.Alert, int, error) {
	return nil, 0, nil
}

func (r *fakeAlertsRepo) MarkRead(ctx context.Context, parentID, alertID string) (bool, error) {
	return false, nil
}

func (r *fakeAlertsRepo) MarkResolved(ctx context.Context, parentID, alertID string) (bool, error) {
	return false, nil
}

func (r *fakeAlertsRepo) MarkAcknowledged(ctx context.Context, parentID, alertID string) (bool, error) {
	return false, nil
}

func (r *fakeAlertsRepo) MarkNotified(ctx context.Context, alertID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified[alertID] = append(r.notified[alertID], channel)
	return nil
}

func (r *fakeAlertsRepo) DeleteAlert(ctx context.Context, parentID, alertID string) (bool, error) {
	return false, nil
}

func (r *fakeAlertsRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (r *fakeAlertsRepo) channels(alertID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notified[alertID]...)
}

type fakeNotifier struct {
	mu      sync.Mutex
	pushes  []string
	emails  []string
	pushErr error
}

func (n *fakeNotifier) SendPush(ctx context.Context, parentID, title, body string, data map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pushErr != nil {
		return n.pushErr
	}
	n.pushes = append(n.pushes, title)
	return nil
}

func (n *fakeNotifier) SendEmail(ctx context.Context, parentID, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emails = append(n.emails, subject)
	return nil
}

func (n *fakeNotifier) pushCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pushes)
}

func (n *fakeNotifier) emailCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.emails)
}

type fakeEventPublisher struct {
	mu     sync.Mutex
	events []any
}

func (p *fakeEventPublisher) PublishToParent(ctx context.Context, parentID string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func newAlert(severity models.AlertSeverity) *models.Alert {
	return &models.Alert{
		DeviceID: "dev-1",
		ParentID: "parent-1",
		Type:     models.AlertLowBattery,
		Severity: severity,
		Message:  "Device battery at 5%",
	}
}

func TestEmit_PersistsBeforeReturning(t *testing.T) {
	repo := newFakeAlertsRepo()
	notifier := &fakeNotifier{}
	publisher := &fakeEventPublisher{}
	emitter := NewEmitter(repo, notifier, publisher, zap.NewNop())

	alert := newAlert(models.SeverityLow)
	require.NoError(t, emitter.Emit(context.Background(), alert))
	require.NotEmpty(t, alert.AlertID)

	stored, err := repo.GetAlert(context.Background(), "parent-1", alert.AlertID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertLowBattery, stored.Type)

	emitter.Wait()
}

func TestEmit_CreateFailurePropagates(t *testing.T) {
	repo := newFakeAlertsRepo()
	repo.createErr = errors.New("db down")
	emitter := NewEmitter(repo, &fakeNotifier{}, &fakeEventPublisher{}, zap.NewNop())

	err := emitter.Emit(context.Background(), newAlert(models.SeverityHigh))
	assert.Error(t, err)
}

func TestEmit_SeverityRouting(t *testing.T) {
	tests := []struct {
		severity   models.AlertSeverity
		wantPushes int
		wantEmails int
	}{
		{models.SeverityLow, 0, 0},
		{models.SeverityMedium, 0, 0},
		{models.SeverityHigh, 1, 0},
		{models.SeverityCritical, 1, 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			repo := newFakeAlertsRepo()
			notifier := &fakeNotifier{}
			publisher := &fakeEventPublisher{}
			emitter := NewEmitter(repo, notifier, publisher, zap.NewNop())

			alert := newAlert(tt.severity)
			require.NoError(t, emitter.Emit(context.Background(), alert))
			emitter.Wait()

			assert.Equal(t, tt.wantPushes, notifier.pushCount())
			assert.Equal(t, tt.wantEmails, notifier.emailCount())

			// 事件推送与通知渠道无关，任何级别都发
			publisher.mu.Lock()
			assert.Len(t, publisher.events, 1)
			publisher.mu.Unlock()
		})
	}
}

func TestEmit_MarksNotifiedChannels(t *testing.T) {
	repo := newFakeAlertsRepo()
	notifier := &fakeNotifier{}
	emitter := NewEmitter(repo, notifier, &fakeEventPublisher{}, zap.NewNop())

	alert := newAlert(models.SeverityCritical)
	require.NoError(t, emitter.Emit(context.Background(), alert))
	emitter.Wait()

	channels := repo.channels(alert.AlertID)
	assert.Contains(t, channels, repository.NotifyChannelPush)
	assert.Contains(t, channels, repository.NotifyChannelEmail)
}

func TestEmit_PushFailureDoesNotPropagate(t *testing.T) {
	repo := newFakeAlertsRepo()
	notifier := &fakeNotifier{pushErr: errors.New("gateway timeout")}
	emitter := NewEmitter(repo, notifier, &fakeEventPublisher{}, zap.NewNop())

	alert := newAlert(models.SeverityHigh)
	// 通知失败不影响 Emit 的结果，也不写 push_sent 标记
	require.NoError(t, emitter.Emit(context.Background(), alert))
	emitter.Wait()

	assert.Empty(t, repo.channels(alert.AlertID))
}

func TestEmit_AlreadySentFlagsSkipNotification(t *testing.T) {
	repo := newFakeAlertsRepo()
	notifier := &fakeNotifier{}
	emitter := NewEmitter(repo, notifier, &fakeEventPublisher{}, zap.NewNop())

	alert := newAlert(models.SeverityCritical)
	alert.PushSent = true
	alert.EmailSent = true
	require.NoError(t, emitter.Emit(context.Background(), alert))
	emitter.Wait()

	assert.Equal(t, 0, notifier.pushCount())
	assert.Equal(t, 0, notifier.emailCount())
}
