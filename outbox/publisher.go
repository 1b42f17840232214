package outbox

import (
	"context"

	"github.com/shortlink-org/eventcore/cqrs/message"
)

// EventPublisher is what the outbox needs from the event bus.
type EventPublisher interface {
	Publish(ctx context.Context, event *message.DomainEvent) error
}

// ToEventBus delivers messages as domain events. The event id is the message
// id, so subscribers can drop redeliveries.
func ToEventBus(events EventPublisher) PublishFunc {
	return func(ctx context.Context, msg *Message) error {
		return events.Publish(ctx, ToEvent(msg))
	}
}

// ToEvent maps a message to the domain event it announces.
func ToEvent(msg *Message) *message.DomainEvent {
	return &message.DomainEvent{
		EventID:     msg.ID,
		EventType:   msg.EventType,
		AggregateID: msg.AggregateID,
		Timestamp:   msg.CreatedAt,
		Payload:     msg.Payload,
	}
}
