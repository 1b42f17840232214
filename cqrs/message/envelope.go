package message

import "time"

// EventEnvelope is the unit stored in the event store and carried across brokers.
type EventEnvelope struct {
	Event    *DomainEvent      `json:"event"`
	Metadata map[string]string `json:"metadata,omitempty"`
	StreamID string            `json:"streamId,omitempty"`
	Version  int64             `json:"version,omitempty"`
	StoredAt time.Time         `json:"storedAt,omitempty"`
}

// NewEnvelope wraps event with a copy of metadata.
func NewEnvelope(event *DomainEvent, metadata map[string]string) *EventEnvelope {
	return &EventEnvelope{
		Event:    event,
		Metadata: CopyMetadata(nil, metadata),
	}
}
