/*
Package estest holds the behaviour every eventsourcing.EventStore shares, run
against each implementation from its own tests.
*/
package estest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlink-org/eventcore/cqrs/message"
	"github.com/shortlink-org/eventcore/eventsourcing"
)

// Factory builds an empty store with the given options.
type Factory func(t *testing.T, opts eventsourcing.Options) eventsourcing.EventStore

type linkAdded struct {
	URL string `json:"url"`
}

func newEvent(t *testing.T, eventType, url string, opts ...message.EventOption) *message.DomainEvent {
	t.Helper()

	evt, err := message.NewEvent(eventType, linkAdded{URL: url}, opts...)
	require.NoError(t, err)

	return evt
}

// Run executes the shared cases.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("VersionsStartAtOne", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t, eventsourcing.Options{})

		first, err := store.Append(ctx, newEvent(t, "link_added", "a", message.WithAggregateID("link-1")), map[string]string{"k": "v"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), first.Version)
		assert.Equal(t, "link-1", first.StreamID)
		assert.Equal(t, "v", first.Metadata["k"])
		assert.False(t, first.StoredAt.IsZero())

		// equal events are not deduplicated
		evt := newEvent(t, "link_added", "a", message.WithAggregateID("link-1"))
		second, err := store.Append(ctx, evt, nil)
		require.NoError(t, err)
		third, err := store.Append(ctx, evt, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(2), second.Version)
		assert.Equal(t, int64(3), third.Version)

		version, err := store.StreamVersion(ctx, "link-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), version)

		version, err = store.StreamVersion(ctx, "missing")
		require.NoError(t, err)
		assert.Zero(t, version)
	})

	t.Run("StreamResolution", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t, eventsourcing.Options{})

		cases := map[string]*message.DomainEvent{
			"agg":        newEvent(t, "x", "1", message.WithAggregateID("agg"), message.WithStreamID("ignored")),
			"stream":     newEvent(t, "x", "2", message.WithStreamID("stream"), message.WithUserID("u")),
			"user-alice": newEvent(t, "x", "3", message.WithUserID("alice")),
			"global":     newEvent(t, "x", "4"),
		}

		for want, evt := range cases {
			env, err := store.Append(ctx, evt, nil)
			require.NoError(t, err)
			assert.Equal(t, want, env.StreamID)
		}
	})

	t.Run("GetEventsRange", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t, eventsourcing.Options{})

		for _, url := range []string{"a", "b", "c", "d"} {
			_, err := store.Append(ctx, newEvent(t, "link_added", url, message.WithAggregateID("range")), nil)
			require.NoError(t, err)
		}

		all, err := store.GetEvents(ctx, "range", 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		for i, env := range all {
			assert.Equal(t, int64(i+1), env.Version)
		}

		var payload linkAdded
		require.NoError(t, all[3].Event.DecodePayload(&payload))
		assert.Equal(t, "d", payload.URL)

		middle, err := store.GetEvents(ctx, "range", 2, 3)
		require.NoError(t, err)
		require.Len(t, middle, 2)
		assert.Equal(t, int64(2), middle[0].Version)
		assert.Equal(t, int64(3), middle[1].Version)

		none, err := store.GetEvents(ctx, "nothing", 0, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ExpectedVersion", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t, eventsourcing.Options{})

		_, err := store.Append(ctx, newEvent(t, "x", "a", message.WithAggregateID("occ")), nil, eventsourcing.WithExpectedVersion(0))
		require.NoError(t, err)

		_, err = store.Append(ctx, newEvent(t, "x", "b", message.WithAggregateID("occ")), nil, eventsourcing.WithExpectedVersion(0))
		require.ErrorIs(t, err, eventsourcing.ErrConcurrencyConflict)

		var conflict *eventsourcing.ConcurrencyError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, int64(1), conflict.Actual)

		env, err := store.Append(ctx, newEvent(t, "x", "c", message.WithAggregateID("occ")), nil, eventsourcing.WithExpectedVersion(1))
		require.NoError(t, err)
		assert.Equal(t, int64(2), env.Version)
	})

	t.Run("Indexes", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t, eventsourcing.Options{})

		_, err := store.Append(ctx, newEvent(t, "order_created", "1", message.WithAggregateID("o1"), message.WithCorrelation("corr-1", "")), nil)
		require.NoError(t, err)
		_, err = store.Append(ctx, newEvent(t, "order_paid", "2", message.WithAggregateID("o1"), message.WithCorrelation("corr-1", "")), nil)
		require.NoError(t, err)
		_, err = store.Append(ctx, newEvent(t, "order_created", "3", message.WithAggregateID("o2")), nil)
		require.NoError(t, err)

		created, err := store.GetEventsByType(ctx, "order_created", 0)
		require.NoError(t, err)
		require.Len(t, created, 2)
		assert.Equal(t, "o1", created[0].StreamID)
		assert.Equal(t, "o2", created[1].StreamID)

		limited, err := store.GetEventsByType(ctx, "order_created", 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		correlated, err := store.GetEventsByCorrelationID(ctx, "corr-1")
		require.NoError(t, err)
		require.Len(t, correlated, 2)
		assert.Equal(t, "order_created", correlated[0].Event.EventType)
		assert.Equal(t, "order_paid", correlated[1].Event.EventType)
	})

	t.Run("Snapshots", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t, eventsourcing.Options{SnapshotEvery: 3})

		_, err := store.GetSnapshot(ctx, "snap")
		require.ErrorIs(t, err, eventsourcing.ErrSnapshotNotFound)

		for _, url := range []string{"a", "b", "c", "d"} {
			_, err = store.Append(ctx, newEvent(t, "link_added", url, message.WithAggregateID("snap")), nil)
			require.NoError(t, err)
		}

		snapshot, err := store.GetSnapshot(ctx, "snap")
		require.NoError(t, err)
		assert.Equal(t, int64(3), snapshot.Version)
		assert.JSONEq(t, `{"url":"c"}`, string(snapshot.Data))

		require.NoError(t, store.SaveSnapshot(ctx, &eventsourcing.Snapshot{
			AggregateID: "snap",
			Version:     4,
			Data:        json.RawMessage(`{"count":4}`),
			Timestamp:   time.Now().UTC(),
		}))

		snapshot, err = store.GetSnapshot(ctx, "snap")
		require.NoError(t, err)
		assert.Equal(t, int64(4), snapshot.Version)
		assert.JSONEq(t, `{"count":4}`, string(snapshot.Data))
	})

	t.Run("DeleteStream", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t, eventsourcing.Options{SnapshotEvery: 1})

		_, err := store.Append(ctx, newEvent(t, "user_registered", "a", message.WithAggregateID("gdpr"), message.WithCorrelation("c-gdpr", "")), nil)
		require.NoError(t, err)
		_, err = store.Append(ctx, newEvent(t, "user_registered", "b", message.WithAggregateID("keep")), nil)
		require.NoError(t, err)

		require.NoError(t, store.DeleteStream(ctx, "gdpr"))

		events, err := store.GetEvents(ctx, "gdpr", 0, 0)
		require.NoError(t, err)
		assert.Empty(t, events)

		byType, err := store.GetEventsByType(ctx, "user_registered", 0)
		require.NoError(t, err)
		require.Len(t, byType, 1)
		assert.Equal(t, "keep", byType[0].StreamID)

		byCorr, err := store.GetEventsByCorrelationID(ctx, "c-gdpr")
		require.NoError(t, err)
		assert.Empty(t, byCorr)

		_, err = store.GetSnapshot(ctx, "gdpr")
		require.ErrorIs(t, err, eventsourcing.ErrSnapshotNotFound)

		version, err := store.StreamVersion(ctx, "gdpr")
		require.NoError(t, err)
		assert.Zero(t, version)
	})

	t.Run("MaxLength", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t, eventsourcing.Options{MaxLength: 2})

		for _, url := range []string{"a", "b", "c", "d", "e"} {
			_, err := store.Append(ctx, newEvent(t, "link_added", url, message.WithAggregateID("capped")), nil)
			require.NoError(t, err)
		}

		events, err := store.GetEvents(ctx, "capped", 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(4), events[0].Version)
		assert.Equal(t, int64(5), events[1].Version)

		version, err := store.StreamVersion(ctx, "capped")
		require.NoError(t, err)
		assert.Equal(t, int64(5), version)
	})

	t.Run("AppendBatch", func(t *testing.T) {
		ctx := context.Background()
		store := factory(t, eventsourcing.Options{})

		envs, err := store.AppendBatch(ctx, []*message.DomainEvent{
			newEvent(t, "x", "a", message.WithAggregateID("b1")),
			newEvent(t, "x", "b", message.WithAggregateID("b2")),
			newEvent(t, "x", "c", message.WithAggregateID("b1")),
		}, map[string]string{"batch": "yes"})
		require.NoError(t, err)
		require.Len(t, envs, 3)
		assert.Equal(t, int64(1), envs[0].Version)
		assert.Equal(t, int64(1), envs[1].Version)
		assert.Equal(t, int64(2), envs[2].Version)
		assert.Equal(t, "yes", envs[2].Metadata["batch"])

		_, err = store.AppendBatch(ctx, []*message.DomainEvent{nil}, nil)
		require.ErrorIs(t, err, eventsourcing.ErrNilEvent)
	})
}
