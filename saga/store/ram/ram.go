/*
Package ram - in-memory saga repository, state is lost on restart.
*/
package ram

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/shortlink-org/eventcore/saga"
)

// Store implements saga.Repository.
type Store struct {
	mu        sync.RWMutex
	instances map[string]*saga.Instance
}

func New() *Store {
	return &Store{
		instances: make(map[string]*saga.Instance),
	}
}

func (s *Store) Save(_ context.Context, inst *saga.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.instances[inst.ID]; ok && prev.State.Terminal() {
		return saga.ErrInstanceTerminal
	}

	s.instances[inst.ID] = inst.Clone()

	return nil
}

func (s *Store) Get(_ context.Context, id string) (*saga.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, saga.ErrInstanceNotFound
	}

	return inst.Clone(), nil
}

// ListByState returns matching instances ordered by start time.
func (s *Store) ListByState(_ context.Context, state saga.State) ([]*saga.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*saga.Instance
	for _, inst := range s.instances {
		if inst.State == state {
			out = append(out, inst.Clone())
		}
	}

	slices.SortFunc(out, func(a, b *saga.Instance) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	return out, nil
}
