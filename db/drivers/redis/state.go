package redis

// State of the connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReady        State = "ready"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// EventKind names a lifecycle notification.
type EventKind string

const (
	EventStateChanged       EventKind = "state_changed"
	EventRetry              EventKind = "retry"
	EventMaxRetriesExceeded EventKind = "max_retries_exceeded"
)

// Event is delivered to watchers on every lifecycle change.
type Event struct {
	Kind    EventKind
	From    State
	To      State
	Attempt int
	Err     error
}
