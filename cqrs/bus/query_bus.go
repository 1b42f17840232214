package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/shortlink-org/eventcore/cqrs/message"
)

// QueryHandler answers one query type.
type QueryHandler func(ctx context.Context, q message.Query) (any, error)

// CachePolicy controls caching of one query type on a bus with a cache.
type CachePolicy struct {
	Disabled bool
}

type queryEntry struct {
	policy CachePolicy
	decode decodeFunc
}

// QueryBus dispatches every query to exactly one handler. With a cache, hits
// skip the validator, middleware and handler.
type QueryBus struct {
	core  *pipeline
	cache *QueryCache

	mu      sync.RWMutex
	entries map[string]queryEntry
}

func NewQueryBus(opts ...Option) (*QueryBus, error) {
	o := applyOptions(opts)

	core, err := newPipeline("query", o)
	if err != nil {
		return nil, err
	}

	return &QueryBus{
		core:    core,
		cache:   o.cache,
		entries: make(map[string]queryEntry),
	}, nil
}

// Register binds queryType to an untyped handler. Cached results of such a
// query come back as generic data (maps, slices, numbers); use RegisterQuery
// to get the concrete type back.
func (b *QueryBus) Register(queryType string, h QueryHandler) error {
	return b.register(queryType, h, decodeAs[any])
}

func (b *QueryBus) register(queryType string, h QueryHandler, decode decodeFunc) error {
	if h == nil {
		return errNilHandler
	}

	err := b.core.register(queryType, func(ctx context.Context, msg any) (any, error) {
		q, ok := msg.(message.Query)
		if !ok {
			return nil, fmt.Errorf("cqrs/bus: %T is not a query", msg)
		}
		return h(ctx, q)
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	policy := b.entries[queryType].policy
	b.entries[queryType] = queryEntry{policy: policy, decode: decode}
	b.mu.Unlock()

	return nil
}

// SetCachePolicy may be called before or after Register.
func (b *QueryBus) SetCachePolicy(queryType string, policy CachePolicy) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entries[queryType]
	e.policy = policy
	b.entries[queryType] = e
}

func (b *QueryBus) Unregister(queryType string) bool {
	b.mu.Lock()
	delete(b.entries, queryType)
	b.mu.Unlock()

	return b.core.unregister(queryType)
}

func (b *QueryBus) RegisterValidator(queryType string, v Validator) {
	b.core.registerValidator(queryType, v)
}

func (b *QueryBus) Use(mws ...Middleware) {
	b.core.use(mws...)
}

func (b *QueryBus) Has(queryType string) bool {
	return b.core.has(queryType)
}

// Execute answers q, from the cache when possible.
func (b *QueryBus) Execute(ctx context.Context, q message.Query) (any, error) {
	if q == nil {
		return nil, errNilMessage
	}

	h := hooks{}

	if decode, ok := b.cacheable(q.QueryType()); ok {
		var key string

		h.lookup = func(ctx context.Context, _ any) (any, bool) {
			var err error
			key, err = b.cache.Key(q)
			if err != nil {
				return nil, false
			}
			return b.cache.get(ctx, key, decode)
		}
		h.store = func(ctx context.Context, _ any, result any) {
			if key != "" {
				b.cache.set(ctx, key, result)
			}
		}
	}

	return b.core.dispatch(ctx, q.QueryType(), q.Meta(), q, h)
}

// ClearCache purges all cached results.
func (b *QueryBus) ClearCache() {
	if b.cache != nil {
		b.cache.Clear()
	}
}

func (b *QueryBus) cacheable(queryType string) (decodeFunc, bool) {
	if b.cache == nil {
		return nil, false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entries[queryType]
	if !ok || e.policy.Disabled || e.decode == nil {
		return nil, false
	}

	return e.decode, true
}

// RegisterQuery registers a handler typed on both the query and its result.
func RegisterQuery[Q message.Query, R any](b *QueryBus, queryType string, h func(ctx context.Context, q Q) (R, error)) error {
	if h == nil {
		return errNilHandler
	}

	return b.register(queryType, func(ctx context.Context, q message.Query) (any, error) {
		typed, ok := q.(Q)
		if !ok {
			return nil, fmt.Errorf("cqrs/bus: query %q has type %T", queryType, q)
		}
		return h(ctx, typed)
	}, decodeAs[R])
}

// Ask executes q and asserts the result type.
func Ask[R any](ctx context.Context, b *QueryBus, q message.Query) (R, error) {
	var zero R

	result, err := b.Execute(ctx, q)
	if err != nil {
		return zero, err
	}

	if result == nil {
		return zero, nil
	}

	typed, ok := result.(R)
	if !ok {
		return zero, fmt.Errorf("cqrs/bus: result of %s is %T", q.QueryType(), result)
	}

	return typed, nil
}
