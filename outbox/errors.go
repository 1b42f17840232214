package outbox

import (
	"errors"
	"fmt"
)

var (
	ErrMessageNotFound  = errors.New("outbox: message not found")
	ErrMessageProcessed = errors.New("outbox: message already processed")
	ErrAlreadyStarted   = errors.New("outbox: poller already started")
	ErrStopTimeout      = errors.New("outbox: in-flight batch did not finish in time")
	ErrNilPublisher     = errors.New("outbox: publish func is required")
	ErrNilRepository    = errors.New("outbox: repository is required")
	ErrEmptyEventType   = errors.New("outbox: event type is empty")
)

// DeliveryError is a failed publish attempt of one message.
type DeliveryError struct {
	MessageID string
	EventType string
	Attempt   int
	Exhausted bool
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("outbox: delivery of %s (%s) failed on attempt %d: %v", e.MessageID, e.EventType, e.Attempt, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
