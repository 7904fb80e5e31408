package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupPublisher(t *testing.T) (*Publisher, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewPublisher(client, zap.NewNop()), client
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "kidguard:parent:p-1:events", ParentChannel("p-1"))
	assert.Equal(t, "kidguard:device:d-1:events", DeviceChannel("d-1"))
}

func TestPublishToParent_DeliversToSubscriber(t *testing.T) {
	publisher, client := setupPublisher(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, ParentChannel("parent-1"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	event := AlertEvent{
		Type:      EventAlertCreated,
		AlertID:   "alert-1",
		DeviceID:  "dev-1",
		AlertType: "low_battery",
		Severity:  "critical",
		Message:   "Device battery at 5%",
		Timestamp: time.Now().Unix(),
	}
	require.NoError(t, publisher.PublishToParent(ctx, "parent-1", event))

	select {
	case msg := <-sub.Channel():
		var got AlertEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, EventAlertCreated, got.Type)
		assert.Equal(t, "alert-1", got.AlertID)
		assert.Equal(t, "critical", got.Severity)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestPublishToDevice_NoSubscriberIsNotAnError(t *testing.T) {
	publisher, _ := setupPublisher(t)

	// 没有订阅者时消息丢弃，投递保证由拉取协议承担
	err := publisher.PublishToDevice(context.Background(), "dev-1", CommandEvent{
		Type:      EventCommandIssued,
		CommandID: "cmd-1",
		DeviceID:  "dev-1",
	})
	assert.NoError(t, err)
}

func TestPublish_UnmarshalableEventFails(t *testing.T) {
	publisher, _ := setupPublisher(t)

	err := publisher.PublishToParent(context.Background(), "parent-1", map[string]any{
		"bad": make(chan int),
	})
	assert.Error(t, err)
}
