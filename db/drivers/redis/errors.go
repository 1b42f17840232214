package redis

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

var (
	// ErrInvalidURI is returned when no address is configured.
	ErrInvalidURI = errors.New("db/redis: address is empty")
	// ErrNotConnected is returned by Execute before Init succeeded or after Close.
	ErrNotConnected = errors.New("db/redis: client is not connected")
	// ErrMaxRetriesExceeded is wrapped when the retry ceiling is hit.
	ErrMaxRetriesExceeded = errors.New("db/redis: max retries exceeded")
)

// ConnectionError describes a failed connection attempt.
type ConnectionError struct {
	Op            string
	Attempt       int
	Reconnectable bool
	Err           error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("db/redis: %s failed (attempt %d, reconnectable=%t): %v", e.Op, e.Attempt, e.Reconnectable, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

var reconnectableMarkers = []string{
	"ECONNRESET",
	"connection reset",
	"broken pipe",
	"ETIMEDOUT",
	"timeout",
	"ECONNREFUSED",
	"connection refused",
	"READONLY",
}

// IsReconnectable reports whether err is a transport failure worth a reconnect.
// Everything else, including redis.Nil and script errors, is treated as fatal.
func IsReconnectable(err error) bool {
	if err == nil {
		return false
	}

	// the server closed the connection under us
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	for _, marker := range reconnectableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}
