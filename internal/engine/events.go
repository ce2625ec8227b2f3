package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
)

const (
	TopicInstanceSubmitted = "daemonflow.instance.submitted"
	TopicActionTransition  = "daemonflow.action.transitioned"
	TopicActionQueued      = "daemonflow.action.queued"
	TopicInstanceFinalized = "daemonflow.instance.finalized"
)

// Event is the JSON payload of every message on the bus.
type Event struct {
	Type       string               `json:"type"`
	InstanceID int64                `json:"instanceId"`
	ActionID   int64                `json:"actionId,omitempty"`
	Status     domain.QueableStatus `json:"status,omitempty"`
	Attempt    int                  `json:"attempt,omitempty"`
	At         time.Time            `json:"at"`
}

// EventBus is an in-process pub/sub for lifecycle notifications. Delivery is best
// effort: nothing in the engine depends on an event arriving.
type EventBus struct {
	pubsub *gochannel.GoChannel
}

func NewEventBus() *EventBus {
	return newEventBus(slog.Default())
}

// newEventBus logs watermill's per-message info chatter at debug.
func newEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            256,
				BlockPublishUntilSubscriberAck: false,
			},
			watermill.NewSlogLoggerWithLevelMapping(logger, map[slog.Level]slog.Level{
				slog.LevelInfo: slog.LevelDebug,
			}),
		),
	}
}

// Publish sends ev on topic. Failures are logged and swallowed.
func (b *EventBus) Publish(ctx context.Context, topic string, ev Event) {
	ev.Type = topic
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode event", "topic", topic, "error", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		slog.WarnContext(ctx, "Failed to publish event", "topic", topic, "instance_id", ev.InstanceID, "error", err)
	}
}

// Subscribe streams decoded events from topic until ctx is done or the bus closes.
func (b *EventBus) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	messages, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range messages {
			var ev Event
			err := json.Unmarshal(msg.Payload, &ev)
			msg.Ack()
			if err != nil {
				slog.WarnContext(ctx, "Dropping undecodable event", "topic", topic, "message_uuid", msg.UUID, "error", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *EventBus) Close() error {
	return b.pubsub.Close()
}
