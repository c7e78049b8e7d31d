package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilaydaydemir/screencast/internal/logger"
)

func receiveEvent(t *testing.T, msgs <-chan *message.Message) Event {
	t.Helper()
	select {
	case msg := <-msgs:
		var ev Event
		require.NoError(t, json.Unmarshal(msg.Payload, &ev))
		msg.Ack()
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := New(logger.Nop())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := b.Subscribe(ctx, TopicSessionEvents)
	require.NoError(t, err)

	b.Publish(TopicSessionEvents, TimerSync(42))

	ev := receiveEvent(t, msgs)
	assert.Equal(t, EventTimerSync, ev.Type)
	assert.Equal(t, 42, ev.Elapsed)
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New(logger.Nop())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := b.Subscribe(ctx, TopicSessionEvents)
	require.NoError(t, err)
	second, err := b.Subscribe(ctx, TopicSessionEvents)
	require.NoError(t, err)

	b.Publish(TopicSessionEvents, RecordingStopped(1024, true))

	for _, msgs := range []<-chan *message.Message{first, second} {
		ev := receiveEvent(t, msgs)
		assert.Equal(t, EventRecordingStopped, ev.Type)
		assert.Equal(t, int64(1024), ev.ArtifactSizeBytes)
		assert.True(t, ev.Recoverable)
	}
}

func TestEventConstructors(t *testing.T) {
	assert.Equal(t, Event{Type: EventStateChanged, State: "paused"}, StateChanged("paused"))
	assert.Equal(t, Event{Type: EventUploadProgress, Percent: 70}, UploadProgress(70))
	assert.Equal(t, Event{Type: EventUploadFailed, Reason: "network"}, UploadFailed("network"))
	assert.Equal(t, Event{Type: EventUploadComplete, RemoteID: "abc"}, UploadComplete("abc"))
}
