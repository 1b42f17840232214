/*
Data Base package
*/
package db

import (
	"context"
	"errors"
)

// ErrGetConnection is returned when a store exposes an unexpected connection type.
var ErrGetConnection = errors.New("db: failed to get connection")

// DB - common interface of db
type DB interface {
	Init(ctx context.Context) error
	GetConn() any
}
