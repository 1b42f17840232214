package saga

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidDefinition  = errors.New("saga: invalid definition")
	ErrDuplicateSaga      = errors.New("saga: definition already registered")
	ErrSagaNotFound       = errors.New("saga: definition not found")
	ErrInstanceNotFound   = errors.New("saga: instance not found")
	ErrInstanceTerminal   = errors.New("saga: instance is in a terminal state")
	ErrSagaTimeout        = errors.New("saga: deadline exceeded")
	ErrStepPanic          = errors.New("saga: step panicked")
	ErrNoRepository       = errors.New("saga: repository is required")
	ErrOrchestratorClosed = errors.New("saga: orchestrator is closed")
)

// StepError wraps the failure of a step's execute or compensate func.
type StepError struct {
	SagaID string
	Saga   string
	Step   string
	Index  int
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga %s (%s): step %s failed: %v", e.Saga, e.SagaID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// CompensationError is handed to the escalation hook when at least one
// compensate func failed. Errors holds one StepError per failed step.
type CompensationError struct {
	SagaID string
	Saga   string
	Cause  error
	Errors []error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("saga %s (%s): %d compensation(s) failed after: %v", e.Saga, e.SagaID, len(e.Errors), e.Cause)
}

func (e *CompensationError) Unwrap() []error {
	return e.Errors
}
