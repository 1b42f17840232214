package outbox

import (
	"time"

	"github.com/segmentio/encoding/json"
)

// Status of an outbox message. processed is absorbing.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// Message is a pending notification about a state change.
type Message struct {
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregateId"`
	EventType   string          `json:"eventType"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"createdAt"`
	ClaimedAt   *time.Time      `json:"claimedAt,omitempty"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	Status      Status          `json:"status"`
	Error       string          `json:"error,omitempty"`
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	out := *m
	out.Payload = append(json.RawMessage(nil), m.Payload...)
	out.ClaimedAt = cloneTime(m.ClaimedAt)
	out.ProcessedAt = cloneTime(m.ProcessedAt)

	return &out
}

// Eligible reports whether a poll may claim the message. A processing
// message is reclaimed only once its claim is older than staleBefore.
func (m *Message) Eligible(staleBefore time.Time) bool {
	switch m.Status {
	case StatusPending:
		return true
	case StatusProcessing:
		return m.RetryCount < m.MaxRetries && m.ClaimedAt != nil && m.ClaimedAt.Before(staleBefore)
	default:
		return false
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := *t

	return &v
}
