/*
Package eventsourcing - append-only, per-stream, versioned event log with
snapshots and secondary indexes by event type and correlation id.
*/
package eventsourcing

import (
	"context"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/shortlink-org/eventcore/cqrs/message"
)

// GlobalStream collects events that carry no aggregate, stream or user id.
const GlobalStream = "global"

// EventStore - contract of an event store.
//
// Versions inside a stream start at 1 and grow by one on every append, equal
// events are never deduplicated.
type EventStore interface {
	Append(ctx context.Context, event *message.DomainEvent, metadata map[string]string, opts ...AppendOption) (*message.EventEnvelope, error)
	AppendBatch(ctx context.Context, events []*message.DomainEvent, metadata map[string]string) ([]*message.EventEnvelope, error)

	// GetEvents returns the closed range [from, to]. from < 1 means 1, to < 1 means the latest version.
	GetEvents(ctx context.Context, streamID string, from, to int64) ([]*message.EventEnvelope, error)
	// GetEventsByType returns up to limit events of the type, oldest first. limit < 1 means all.
	GetEventsByType(ctx context.Context, eventType string, limit int) ([]*message.EventEnvelope, error)
	GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]*message.EventEnvelope, error)
	StreamVersion(ctx context.Context, streamID string) (int64, error)

	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
	// GetSnapshot returns ErrSnapshotNotFound when nothing is stored for the aggregate.
	GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)

	// DeleteStream purges the stream, its index entries and its snapshot.
	DeleteStream(ctx context.Context, streamID string) error
}

// Snapshot is a point-in-time materialization of an aggregate.
type Snapshot struct {
	AggregateID string          `json:"aggregateId"`
	Version     int64           `json:"version"`
	Data        json.RawMessage `json:"data"`
	Timestamp   time.Time       `json:"timestamp"`
}

// ResolveStreamID picks aggregate id, then stream id, then a per-user stream, then the global one.
func ResolveStreamID(event *message.DomainEvent) string {
	switch {
	case event.AggregateID != "":
		return event.AggregateID
	case event.StreamID != "":
		return event.StreamID
	case event.UserID != "":
		return "user-" + event.UserID
	default:
		return GlobalStream
	}
}
