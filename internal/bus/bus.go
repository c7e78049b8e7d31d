package bus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

// TopicSessionEvents carries state/timer/upload notifications from the session
// controller to UI collaborators (panel, overlay). Delivery is at-least-once
// and consumers treat every event as an idempotent snapshot.
const TopicSessionEvents = "session.events"

// Bus is the in-process message fabric between the controller, the capture
// context, and the UI-facing fanout.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *zap.Logger
}

func New(logger *zap.Logger) *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			&zapAdapter{logger: logger},
		),
		logger: logger,
	}
}

// Publish marshals the event and fires it on the topic. Fire-and-forget:
// a publish failure is logged, never propagated, because sync events are
// advisory snapshots.
func (b *Bus) Publish(topic string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("bus: marshal event", zap.String("type", event.Type), zap.Error(err))
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		b.logger.Warn("bus: publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// zapAdapter bridges watermill's logger interface onto zap.
type zapAdapter struct {
	logger *zap.Logger
}

func (a *zapAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error(msg, append(toZap(fields), zap.Error(err))...)
}

func (a *zapAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, toZap(fields)...)
}

func (a *zapAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, toZap(fields)...)
}

func (a *zapAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, toZap(fields)...)
}

func (a *zapAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &zapAdapter{logger: a.logger.With(toZap(fields)...)}
}

func toZap(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
