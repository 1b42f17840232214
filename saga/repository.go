package saga

import "context"

// Repository persists saga instances. Save must refuse to overwrite an
// instance that is already terminal with ErrInstanceTerminal, and Get returns
// ErrInstanceNotFound for unknown ids.
type Repository interface {
	Save(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	ListByState(ctx context.Context, state State) ([]*Instance, error)
}
