package saga

import (
	"context"
	"fmt"
	"maps"
	"time"
)

// Context is the running data of a saga. Values must be JSON-serializable,
// they are persisted and echoed in lifecycle events.
type Context map[string]any

// Clone returns a shallow copy.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	maps.Copy(out, c)

	return out
}

// Merge copies partial into c, overwriting existing keys.
func (c Context) Merge(partial Context) {
	maps.Copy(c, partial)
}

// ExecuteFunc runs a step and returns the keys it adds to the context.
type ExecuteFunc func(ctx context.Context, data Context) (Context, error)

// CompensateFunc undoes a completed step. cause is the error that stopped the saga.
type CompensateFunc func(ctx context.Context, data Context, cause error) error

// Step of a saga definition.
type Step struct {
	Name       string
	Execute    ExecuteFunc
	Compensate CompensateFunc
}

// Definition is a named, ordered list of steps. Timeout is the deadline of a
// whole run, zero means none.
type Definition struct {
	Name    string
	Steps   []Step
	Timeout time.Duration
}

// Validate checks names and handlers.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: saga %s has no steps", ErrInvalidDefinition, d.Name)
	}
	if d.Timeout < 0 {
		return fmt.Errorf("%w: saga %s has a negative timeout", ErrInvalidDefinition, d.Name)
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("%w: saga %s step %d has no name", ErrInvalidDefinition, d.Name, i)
		}
		if step.Execute == nil {
			return fmt.Errorf("%w: saga %s step %s has no execute func", ErrInvalidDefinition, d.Name, step.Name)
		}
		if _, ok := seen[step.Name]; ok {
			return fmt.Errorf("%w: saga %s has duplicate step %s", ErrInvalidDefinition, d.Name, step.Name)
		}
		seen[step.Name] = struct{}{}
	}

	return nil
}

func (d *Definition) step(name string) (Step, bool) {
	for _, step := range d.Steps {
		if step.Name == name {
			return step, true
		}
	}

	return Step{}, false
}
