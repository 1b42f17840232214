package handlers

import (
	"errors"
	"fmt"
)

var (
	ErrNilHandler     = errors.New("cqrs/handlers: handler is nil")
	ErrEmptyEventType = errors.New("cqrs/handlers: event type is empty")
	ErrDecodePayload  = errors.New("cqrs/handlers: decode payload")
)

// PanicError is returned in place of a handler that panicked.
type PanicError struct {
	EventType string
	Value     any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("cqrs/handlers: handler for %s panicked: %v", e.EventType, e.Value)
}
