package postgres

import "fmt"

// StoreError describes a failed driver operation.
type StoreError struct {
	Op      string
	Err     error
	Details string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("db/postgres: %s: %s: %v", e.Op, e.Details, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// PingConnectionError is returned when the first ping fails.
type PingConnectionError struct {
	Err error
}

func (e *PingConnectionError) Error() string {
	return fmt.Sprintf("db/postgres: failed to ping the database: %v", e.Err)
}

func (e *PingConnectionError) Unwrap() error {
	return e.Err
}
