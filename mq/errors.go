package mq

import (
	"errors"
	"fmt"
)

var (
	// ErrBrokerNotConnected is returned by operations that need a live connection.
	ErrBrokerNotConnected = errors.New("mq: broker is not connected")
	// ErrEmptyTopic is returned when a topic name is blank.
	ErrEmptyTopic = errors.New("mq: topic is empty")
	// ErrNilHandler is returned by Subscribe when handler is nil.
	ErrNilHandler = errors.New("mq: handler is nil")
)

// HandlerPanicError wraps a value recovered from a panicking handler.
type HandlerPanicError struct {
	Topic string
	Value any
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("mq: handler for topic %q panicked: %v", e.Topic, e.Value)
}
