package handlers

import (
	"context"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/shortlink-org/eventcore/cqrs/message"
)

// EventHandler processes one immutable event.
type EventHandler func(ctx context.Context, event *message.DomainEvent) error

// HandlerID identifies a subscription, it is what Remove takes back.
type HandlerID uint64

type entry struct {
	id      HandlerID
	handler EventHandler
}

// Registry maps an event type to any number of handlers. It knows nothing
// about brokers; the event bus decides what a first or last handler means.
type Registry struct {
	mu       sync.RWMutex
	seq      HandlerID
	handlers map[string][]entry
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]entry)}
}

// Add registers h and reports whether it is the first handler of eventType.
func (r *Registry) Add(eventType string, h EventHandler) (HandlerID, bool, error) {
	if eventType == "" {
		return 0, false, ErrEmptyEventType
	}
	if h == nil {
		return 0, false, ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	first := len(r.handlers[eventType]) == 0
	r.handlers[eventType] = append(r.handlers[eventType], entry{id: r.seq, handler: h})

	return r.seq, first, nil
}

// Remove drops one handler. last is true when eventType has no handlers left.
func (r *Registry) Remove(eventType string, id HandlerID) (removed, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.handlers[eventType]
	idx := slices.IndexFunc(entries, func(e entry) bool { return e.id == id })
	if idx < 0 {
		return false, false
	}

	entries = slices.Delete(slices.Clone(entries), idx, idx+1)
	if len(entries) == 0 {
		delete(r.handlers, eventType)
		return true, true
	}

	r.handlers[eventType] = entries

	return true, false
}

// RemoveAll drops every handler of eventType and returns how many there were.
func (r *Registry) RemoveAll(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.handlers[eventType])
	delete(r.handlers, eventType)

	return n
}

func (r *Registry) Count(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handlers[eventType])
}

// EventTypes lists types with at least one handler, sorted.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	slices.Sort(types)

	return types
}

// Dispatch runs every handler registered under key concurrently. Failures
// and panics are isolated per handler and returned together.
func (r *Registry) Dispatch(ctx context.Context, key string, event *message.DomainEvent) error {
	r.mu.RLock()
	entries := slices.Clone(r.handlers[key])
	r.mu.RUnlock()

	var g multierror.Group
	for _, e := range entries {
		g.Go(func() error {
			return safeCall(ctx, e.handler, event)
		})
	}

	return g.Wait().ErrorOrNil()
}

func safeCall(ctx context.Context, h EventHandler, event *message.DomainEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{EventType: event.EventType, Value: p, Stack: debug.Stack()}
		}
	}()

	return h(ctx, event)
}
