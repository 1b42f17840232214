package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shortlink-org/eventcore/cqrs/message"
	dbredis "github.com/shortlink-org/eventcore/db/drivers/redis"
	"github.com/shortlink-org/eventcore/eventsourcing"
	"github.com/shortlink-org/eventcore/eventsourcing/estest"
	"github.com/shortlink-org/eventcore/eventsourcing/store/redis"
)

// leakOptions grows in integration builds.
var leakOptions []goleak.Option

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, leakOptions...)
}

func newStore(t *testing.T, opts eventsourcing.Options) (*redis.Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	conn := dbredis.New(dbredis.Config{
		Addr:        mr.Addr(),
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		MaxRetries:  3,
		PingTimeout: time.Second,
	}, nil)
	require.NoError(t, conn.Init(context.Background()))

	t.Cleanup(func() {
		require.NoError(t, conn.Close())
	})

	return redis.New(conn, "test:es:", opts), mr
}

func TestStore(t *testing.T) {
	estest.Run(t, func(t *testing.T, opts eventsourcing.Options) eventsourcing.EventStore {
		store, _ := newStore(t, opts)
		return store
	})
}

func TestAppend_KeyLayout(t *testing.T) {
	ctx := context.Background()
	store, mr := newStore(t, eventsourcing.Options{Retention: time.Hour})

	evt, err := message.NewEvent("link_added", map[string]string{"url": "a"},
		message.WithAggregateID("link-1"),
		message.WithCorrelation("corr", ""),
	)
	require.NoError(t, err)

	_, err = store.Append(ctx, evt, nil)
	require.NoError(t, err)

	for _, key := range []string{
		"test:es:stream:link-1",
		"test:es:version:link-1",
		"test:es:type:link_added",
		"test:es:correlation:corr",
	} {
		assert.True(t, mr.Exists(key), key)
		assert.Equal(t, time.Hour, mr.TTL(key), key)
	}

	version, err := mr.Get("test:es:version:link-1")
	require.NoError(t, err)
	assert.Equal(t, "1", version)
}

func TestRetention(t *testing.T) {
	ctx := context.Background()
	store, mr := newStore(t, eventsourcing.Options{Retention: time.Minute, SnapshotEvery: 1})

	evt, err := message.NewEvent("link_added", nil, message.WithAggregateID("old"))
	require.NoError(t, err)

	_, err = store.Append(ctx, evt, nil)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	events, err := store.GetEvents(ctx, "old", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = store.GetSnapshot(ctx, "old")
	require.ErrorIs(t, err, eventsourcing.ErrSnapshotNotFound)

	version, err := store.StreamVersion(ctx, "old")
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestIndex_SkipsRecreatedStream(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t, eventsourcing.Options{MaxLength: 1})

	first, err := message.NewEvent("first", nil, message.WithAggregateID("s"))
	require.NoError(t, err)
	second, err := message.NewEvent("second", nil, message.WithAggregateID("s"))
	require.NoError(t, err)

	_, err = store.Append(ctx, first, nil)
	require.NoError(t, err)
	_, err = store.Append(ctx, second, nil)
	require.NoError(t, err)

	// version 1 was trimmed, its type reference survives the delete
	require.NoError(t, store.DeleteStream(ctx, "s"))

	third, err := message.NewEvent("third", nil, message.WithAggregateID("s"))
	require.NoError(t, err)
	env, err := store.Append(ctx, third, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), env.Version)

	events, err := store.GetEventsByType(ctx, "first", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
