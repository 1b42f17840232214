package message

import (
	"time"

	"github.com/google/uuid"
)

// Header carries the identity fields shared by every command and query.
// Embed it by value into a struct and pass the struct by pointer.
type Header struct {
	ID            string    `json:"id,omitempty"`
	Timestamp     time.Time `json:"timestamp,omitempty"`
	UserID        string    `json:"userId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// Meta exposes the header of the embedding value.
func (h *Header) Meta() *Header {
	return h
}

// Stamp fills ID and Timestamp when absent.
func (h *Header) Stamp(now time.Time) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = now.UTC()
	}
}

// Command is a request to change state. CommandType must return a stable tag,
// it is the dispatch key.
type Command interface {
	CommandType() string
	Meta() *Header
}

// Query is a request to read state. QueryType must return a stable tag.
type Query interface {
	QueryType() string
	Meta() *Header
}
