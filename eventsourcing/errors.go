package eventsourcing

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict is matched by *ConcurrencyError.
	ErrConcurrencyConflict = errors.New("eventsourcing: concurrency conflict")
	// ErrSnapshotNotFound is returned by GetSnapshot.
	ErrSnapshotNotFound = errors.New("eventsourcing: snapshot not found")
	// ErrNilEvent is returned when appending a nil event.
	ErrNilEvent = errors.New("eventsourcing: event is nil")
	// ErrEmptyStreamID is returned when a stream id is blank.
	ErrEmptyStreamID = errors.New("eventsourcing: stream id is empty")
)

// ConcurrencyError reports a failed expected-version check.
type ConcurrencyError struct {
	StreamID string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("eventsourcing: stream %q is at version %d, expected %d", e.StreamID, e.Actual, e.Expected)
}

func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}
