package bus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlink-org/eventcore/cqrs/bus"
	"github.com/shortlink-org/eventcore/cqrs/message"
)

func newCachedQueryBus(t *testing.T) *bus.QueryBus {
	t.Helper()

	local := cache.New(&cache.Options{LocalCache: cache.NewTinyLFU(100, time.Minute)})

	queryBus, err := bus.NewQueryBus(bus.WithQueryCache(bus.NewQueryCache(local, time.Minute, nil)))
	require.NoError(t, err)

	return queryBus
}

func TestQueryBus_CachesWithinTTL(t *testing.T) {
	queryBus := newCachedQueryBus(t)

	calls := 0
	require.NoError(t, bus.RegisterQuery(queryBus, "get_link", func(_ context.Context, q *getLink) (linkView, error) {
		calls++
		return linkView{Hash: q.Hash, URL: "https://example.com", Visits: calls}, nil
	}))

	ctx := context.Background()

	first, err := bus.Ask[linkView](ctx, queryBus, &getLink{Hash: "abc"})
	require.NoError(t, err)

	// a new id and correlation id do not change the key
	second, err := bus.Ask[linkView](ctx, queryBus, &getLink{Header: message.Header{CorrelationID: "other"}, Hash: "abc"})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)

	_, err = bus.Ask[linkView](ctx, queryBus, &getLink{Hash: "xyz"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestQueryBus_MissAfterTTL(t *testing.T) {
	// the local tier keeps entries for a minute, the query TTL is much shorter
	local := cache.New(&cache.Options{LocalCache: cache.NewTinyLFU(100, time.Minute)})
	ttl := 50 * time.Millisecond

	queryBus, err := bus.NewQueryBus(bus.WithQueryCache(bus.NewQueryCache(local, ttl, nil)))
	require.NoError(t, err)

	calls := 0
	require.NoError(t, bus.RegisterQuery(queryBus, "get_link", func(_ context.Context, q *getLink) (linkView, error) {
		calls++
		return linkView{Hash: q.Hash, Visits: calls}, nil
	}))

	ctx := context.Background()

	first, err := bus.Ask[linkView](ctx, queryBus, &getLink{Hash: "abc"})
	require.NoError(t, err)

	cached, err := bus.Ask[linkView](ctx, queryBus, &getLink{Hash: "abc"})
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	time.Sleep(4 * ttl)

	fresh, err := bus.Ask[linkView](ctx, queryBus, &getLink{Hash: "abc"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, fresh.Visits)
}

func TestQueryBus_HitSkipsValidatorAndMiddleware(t *testing.T) {
	queryBus := newCachedQueryBus(t)

	var validated, wrapped int
	require.NoError(t, bus.RegisterQuery(queryBus, "get_link", func(_ context.Context, q *getLink) (linkView, error) {
		return linkView{Hash: q.Hash}, nil
	}))
	queryBus.RegisterValidator("get_link", func(context.Context, any) error {
		validated++
		return nil
	})
	queryBus.Use(func(next bus.HandlerFunc) bus.HandlerFunc {
		return func(ctx context.Context, msg any) (any, error) {
			wrapped++
			return next(ctx, msg)
		}
	})

	ctx := context.Background()
	for range 3 {
		_, err := queryBus.Execute(ctx, &getLink{Hash: "abc"})
		require.NoError(t, err)
	}

	assert.Equal(t, 1, validated)
	assert.Equal(t, 1, wrapped)
}

func TestQueryBus_ErrorsAreNotCached(t *testing.T) {
	queryBus := newCachedQueryBus(t)

	errUnavailable := errors.New("unavailable")
	calls := 0
	require.NoError(t, bus.RegisterQuery(queryBus, "get_link", func(_ context.Context, q *getLink) (linkView, error) {
		calls++
		if calls == 1 {
			return linkView{}, errUnavailable
		}
		return linkView{Hash: q.Hash}, nil
	}))

	ctx := context.Background()

	_, err := bus.Ask[linkView](ctx, queryBus, &getLink{Hash: "abc"})
	require.ErrorIs(t, err, errUnavailable)

	view, err := bus.Ask[linkView](ctx, queryBus, &getLink{Hash: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "abc", view.Hash)
	assert.Equal(t, 2, calls)
}

func TestQueryBus_ClearCache(t *testing.T) {
	queryBus := newCachedQueryBus(t)

	calls := 0
	require.NoError(t, bus.RegisterQuery(queryBus, "get_link", func(_ context.Context, q *getLink) (linkView, error) {
		calls++
		return linkView{Hash: q.Hash}, nil
	}))

	ctx := context.Background()

	_, err := queryBus.Execute(ctx, &getLink{Hash: "abc"})
	require.NoError(t, err)

	queryBus.ClearCache()

	_, err = queryBus.Execute(ctx, &getLink{Hash: "abc"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestQueryBus_CachePolicyDisabled(t *testing.T) {
	queryBus := newCachedQueryBus(t)
	queryBus.SetCachePolicy("get_link", bus.CachePolicy{Disabled: true})

	calls := 0
	require.NoError(t, queryBus.Register("get_link", func(context.Context, message.Query) (any, error) {
		calls++
		return calls, nil
	}))

	ctx := context.Background()
	for range 2 {
		_, err := queryBus.Execute(ctx, &getLink{Hash: "abc"})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, calls)
}

func TestQueryBus_WithoutCache(t *testing.T) {
	queryBus, err := bus.NewQueryBus()
	require.NoError(t, err)

	calls := 0
	require.NoError(t, bus.RegisterQuery(queryBus, "get_link", func(_ context.Context, q *getLink) (string, error) {
		calls++
		return q.Hash, nil
	}))

	ctx := context.Background()
	for range 2 {
		hash, err := bus.Ask[string](ctx, queryBus, &getLink{Hash: "abc"})
		require.NoError(t, err)
		assert.Equal(t, "abc", hash)
	}

	assert.Equal(t, 2, calls)
	queryBus.ClearCache()
}

func TestQueryBus_Dispatch(t *testing.T) {
	queryBus, err := bus.NewQueryBus()
	require.NoError(t, err)

	_, err = queryBus.Execute(context.Background(), &getLink{})
	require.ErrorIs(t, err, bus.ErrHandlerNotFound)

	h := func(context.Context, message.Query) (any, error) { return "x", nil }
	require.NoError(t, queryBus.Register("get_link", h))
	require.ErrorIs(t, queryBus.Register("get_link", h), bus.ErrDuplicateHandler)

	_, err = bus.Ask[int](context.Background(), queryBus, &getLink{})
	require.Error(t, err)

	assert.True(t, queryBus.Unregister("get_link"))
	assert.False(t, queryBus.Has("get_link"))
}

func TestQueryCache_KeyIgnoresHeader(t *testing.T) {
	qc := bus.NewQueryCache(cache.New(&cache.Options{LocalCache: cache.NewTinyLFU(10, time.Minute)}), 0, nil)

	a, err := qc.Key(&getLink{Header: message.Header{ID: "1", Timestamp: time.Now()}, Hash: "abc"})
	require.NoError(t, err)
	b, err := qc.Key(&getLink{Header: message.Header{ID: "2", CorrelationID: "c"}, Hash: "abc"})
	require.NoError(t, err)
	c, err := qc.Key(&getLink{Header: message.Header{UserID: "alice"}, Hash: "abc"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	qc.Clear()

	d, err := qc.Key(&getLink{Hash: "abc"})
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}
