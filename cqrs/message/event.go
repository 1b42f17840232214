package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
)

// ErrEmptyPayload is returned when decoding an event without payload.
var ErrEmptyPayload = errors.New("cqrs/message: event payload is empty")

const (
	// PriorityNormal is the default priority of an event.
	PriorityNormal = 0
	// PriorityHigh events prefer the low-latency in-process transport.
	PriorityHigh = 2
)

// DomainEvent is a fact that already happened. Payload stays raw JSON across
// every boundary, receivers decode it into the shape they expect.
type DomainEvent struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	AggregateID   string          `json:"aggregateId,omitempty"`
	StreamID      string          `json:"streamId,omitempty"`
	Topic         string          `json:"topic,omitempty"`
	Priority      int             `json:"priority,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
	UserID        string          `json:"userId,omitempty"`
}

// EventOption customizes an event built by NewEvent.
type EventOption func(*DomainEvent)

func WithAggregateID(id string) EventOption {
	return func(e *DomainEvent) { e.AggregateID = id }
}

func WithStreamID(id string) EventOption {
	return func(e *DomainEvent) { e.StreamID = id }
}

func WithTopic(topic string) EventOption {
	return func(e *DomainEvent) { e.Topic = topic }
}

func WithPriority(priority int) EventOption {
	return func(e *DomainEvent) { e.Priority = priority }
}

func WithUserID(id string) EventOption {
	return func(e *DomainEvent) { e.UserID = id }
}

// WithCorrelation sets correlation and causation ids.
func WithCorrelation(correlationID, causationID string) EventOption {
	return func(e *DomainEvent) {
		e.CorrelationID = correlationID
		e.CausationID = causationID
	}
}

// CausedBy copies correlation data from the header of the command that produced the event.
func CausedBy(h *Header) EventOption {
	return func(e *DomainEvent) {
		if h == nil {
			return
		}
		e.CausationID = h.ID
		if e.CorrelationID == "" {
			e.CorrelationID = h.CorrelationID
		}
		if e.UserID == "" {
			e.UserID = h.UserID
		}
	}
}

// NewEvent encodes payload and builds a stamped event. An empty eventType
// falls back to the snake_case name of the payload type.
func NewEvent(eventType string, payload any, opts ...EventOption) (*DomainEvent, error) {
	if eventType == "" {
		eventType = NameOf(payload)
	}

	evt := &DomainEvent{EventType: eventType}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload of %s: %w", eventType, err)
		}
		evt.Payload = raw
	}

	for _, opt := range opts {
		opt(evt)
	}

	evt.Stamp(time.Now())

	return evt, nil
}

// Stamp fills EventID and Timestamp when absent.
func (e *DomainEvent) Stamp(now time.Time) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
}

// TopicName resolves the logical topic: Topic, then EventType, then a generic name.
func (e *DomainEvent) TopicName() string {
	switch {
	case e.Topic != "":
		return e.Topic
	case e.EventType != "":
		return e.EventType
	default:
		return NameOf(e)
	}
}

// DecodePayload unmarshals the raw payload into v.
func (e *DomainEvent) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return ErrEmptyPayload
	}

	return json.Unmarshal(e.Payload, v)
}
