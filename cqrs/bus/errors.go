package bus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrHandlerNotFound  = errors.New("cqrs/bus: handler not found")
	ErrDuplicateHandler = errors.New("cqrs/bus: handler already registered")
	ErrValidation       = errors.New("cqrs/bus: validation failed")

	errNilMessage = errors.New("cqrs/bus: message is nil")
	errNilHandler = errors.New("cqrs/bus: handler is nil")
	errEmptyType  = errors.New("cqrs/bus: message type is empty")
	errNilEvent   = errors.New("cqrs/bus: event is nil")
)

// HandlerNotFoundError is returned when no handler is registered for the type.
type HandlerNotFoundError struct {
	Kind string
	Type string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("cqrs/bus: no %s handler registered for %q", e.Kind, e.Type)
}

func (e *HandlerNotFoundError) Is(target error) bool { return target == ErrHandlerNotFound }

// DuplicateHandlerError is returned by Register when the type already has a handler.
type DuplicateHandlerError struct {
	Kind string
	Type string
}

func (e *DuplicateHandlerError) Error() string {
	return fmt.Sprintf("cqrs/bus: %s handler for %q is already registered", e.Kind, e.Type)
}

func (e *DuplicateHandlerError) Is(target error) bool { return target == ErrDuplicateHandler }

// ValidationError carries every violation reported by a validator.
type ValidationError struct {
	Type       string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("cqrs/bus: %s is invalid: %s", e.Type, strings.Join(e.Violations, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// newValidationError flattens a validator error. A *multierror.Error yields
// one violation per wrapped error.
func newValidationError(typ string, err error) *ValidationError {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return &ValidationError{Type: typ, Violations: verr.Violations}
	}

	var merr *multierror.Error
	if errors.As(err, &merr) {
		violations := make([]string, 0, len(merr.Errors))
		for _, e := range merr.Errors {
			violations = append(violations, e.Error())
		}
		return &ValidationError{Type: typ, Violations: violations}
	}

	return &ValidationError{Type: typ, Violations: []string{err.Error()}}
}
