package bus_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlink-org/eventcore/cqrs/bus"
	"github.com/shortlink-org/eventcore/cqrs/handlers"
	"github.com/shortlink-org/eventcore/cqrs/message"
	"github.com/shortlink-org/eventcore/eventsourcing"
	"github.com/shortlink-org/eventcore/eventsourcing/store/ram"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// collector is an event handler that remembers what it saw.
type collector struct {
	mu     sync.Mutex
	events []*message.DomainEvent
}

func (c *collector) handle(_ context.Context, event *message.DomainEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) last() *message.DomainEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[len(c.events)-1]
}

func TestEventBus_StoreThenPublish(t *testing.T) {
	ctx := context.Background()
	store := ram.New(eventsourcing.Options{})
	eventBus, _, remote := newEventBus(t, store)

	got := &collector{}
	_, err := eventBus.Subscribe(ctx, "link_created", got.handle)
	require.NoError(t, err)

	for i := range 2 {
		event, err := message.NewEvent("link_created", map[string]int{"n": i}, message.WithAggregateID("link-1"))
		require.NoError(t, err)

		require.NoError(t, eventBus.Publish(ctx, event))

		events, err := store.GetEvents(ctx, "link-1", 0, 0)
		require.NoError(t, err)
		require.Len(t, events, i+1)
		assert.Equal(t, int64(i+1), events[i].Version)
		assert.Equal(t, event.EventID, events[i].Event.EventID)
	}

	require.Eventually(t, func() bool { return got.count() == 2 }, waitFor, tick)
	assert.Equal(t, int64(2), remote.Metrics().PublishedCount)

	var payload map[string]int
	require.NoError(t, got.last().DecodePayload(&payload))
	assert.Contains(t, []int{0, 1}, payload["n"])
}

// failingStore refuses every append.
type failingStore struct {
	eventsourcing.EventStore
}

var errStoreDown = errors.New("store down")

func (failingStore) Append(context.Context, *message.DomainEvent, map[string]string, ...eventsourcing.AppendOption) (*message.EventEnvelope, error) {
	return nil, errStoreDown
}

func (failingStore) AppendBatch(context.Context, []*message.DomainEvent, map[string]string) ([]*message.EventEnvelope, error) {
	return nil, errStoreDown
}

func TestEventBus_StoreFailureBlocksPublish(t *testing.T) {
	ctx := context.Background()
	eventBus, local, remote := newEventBus(t, failingStore{})

	event, err := message.NewEvent("link_created", nil)
	require.NoError(t, err)

	require.ErrorIs(t, eventBus.Publish(ctx, event), errStoreDown)
	require.ErrorIs(t, eventBus.PublishBatch(ctx, []*message.DomainEvent{event}), errStoreDown)

	assert.Zero(t, local.Metrics().PublishedCount)
	assert.Zero(t, remote.Metrics().PublishedCount)
}

func TestEventBus_RoutesByPriority(t *testing.T) {
	ctx := context.Background()
	eventBus, local, remote := newEventBus(t, nil)

	urgent, err := message.NewEvent("cache_invalidated", nil, message.WithPriority(message.PriorityHigh))
	require.NoError(t, err)
	normal, err := message.NewEvent("link_created", nil)
	require.NoError(t, err)

	require.NoError(t, eventBus.Publish(ctx, urgent))
	require.NoError(t, eventBus.Publish(ctx, normal))

	assert.Equal(t, int64(1), local.Metrics().PublishedCount)
	assert.Equal(t, int64(1), remote.Metrics().PublishedCount)
}

func TestEventBus_SubscriberSeesBothBrokers(t *testing.T) {
	ctx := context.Background()
	eventBus, _, _ := newEventBus(t, nil)

	got := &collector{}
	id, err := eventBus.Subscribe(ctx, "link_created", got.handle)
	require.NoError(t, err)

	viaLocal, err := message.NewEvent("link_created", nil, message.WithPriority(message.PriorityHigh))
	require.NoError(t, err)
	viaRemote, err := message.NewEvent("link_created", nil)
	require.NoError(t, err)

	require.NoError(t, eventBus.Publish(ctx, viaLocal))
	require.NoError(t, eventBus.Publish(ctx, viaRemote))
	require.Eventually(t, func() bool { return got.count() == 2 }, waitFor, tick)

	require.NoError(t, eventBus.Unsubscribe(ctx, "link_created", id))
	assert.Zero(t, eventBus.Registry().Count("link_created"))

	late, err := message.NewEvent("link_created", nil)
	require.NoError(t, err)
	require.NoError(t, eventBus.Publish(ctx, late))

	assert.Never(t, func() bool { return got.count() != 2 }, 100*time.Millisecond, tick)
}

func TestEventBus_UnsubscribeKeepsOtherHandlers(t *testing.T) {
	ctx := context.Background()
	eventBus, _, _ := newEventBus(t, nil)

	first, second := &collector{}, &collector{}
	id, err := eventBus.Subscribe(ctx, "link_created", first.handle)
	require.NoError(t, err)
	_, err = eventBus.Subscribe(ctx, "link_created", second.handle)
	require.NoError(t, err)

	require.NoError(t, eventBus.Unsubscribe(ctx, "link_created", id))

	event, err := message.NewEvent("link_created", nil)
	require.NoError(t, err)
	require.NoError(t, eventBus.Publish(ctx, event))

	require.Eventually(t, func() bool { return second.count() == 1 }, waitFor, tick)
	assert.Zero(t, first.count())

	require.NoError(t, eventBus.UnsubscribeAll(ctx, "link_created"))
	assert.Empty(t, eventBus.Registry().EventTypes())
}

func TestEventBus_TopicOverridesEventType(t *testing.T) {
	ctx := context.Background()
	eventBus, _, _ := newEventBus(t, nil)

	got := &collector{}
	_, err := eventBus.Subscribe(ctx, "links", got.handle)
	require.NoError(t, err)

	event, err := message.NewEvent("link_created", nil, message.WithTopic("links"))
	require.NoError(t, err)
	require.NoError(t, eventBus.Publish(ctx, event))

	require.Eventually(t, func() bool { return got.count() == 1 }, waitFor, tick)
	assert.Equal(t, "link_created", got.last().EventType)
}

func TestEventBus_HandlerFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	eventBus, _, remote := newEventBus(t, nil)

	var failed atomic.Int32
	_, err := eventBus.Subscribe(ctx, "link_created", func(context.Context, *message.DomainEvent) error {
		failed.Add(1)
		return errors.New("handler broke")
	})
	require.NoError(t, err)

	got := &collector{}
	_, err = eventBus.Subscribe(ctx, "link_created", got.handle)
	require.NoError(t, err)

	event, err := message.NewEvent("link_created", nil)
	require.NoError(t, err)
	require.NoError(t, eventBus.Publish(ctx, event))

	require.Eventually(t, func() bool { return got.count() == 1 && failed.Load() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return remote.Metrics().ErrorCount == 1 }, waitFor, tick)
}

func TestEventBus_PublishBatchGroupsByBroker(t *testing.T) {
	ctx := context.Background()
	store := ram.New(eventsourcing.Options{})
	eventBus, local, remote := newEventBus(t, store)

	var events []*message.DomainEvent
	for _, priority := range []int{message.PriorityHigh, message.PriorityNormal, message.PriorityHigh} {
		event, err := message.NewEvent("link_created", nil, message.WithPriority(priority), message.WithAggregateID("batch"))
		require.NoError(t, err)
		events = append(events, event)
	}

	require.NoError(t, eventBus.PublishBatch(ctx, events))

	assert.Equal(t, int64(2), local.Metrics().PublishedCount)
	assert.Equal(t, int64(1), remote.Metrics().PublishedCount)

	stored, err := store.GetEvents(ctx, "batch", 0, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestEventBus_RequiresBrokers(t *testing.T) {
	_, err := bus.NewEventBus(bus.EventBusConfig{})
	require.Error(t, err)
}

func TestRoutingPolicy(t *testing.T) {
	policy := bus.NewRoutingPolicy([]string{"forced_local"}, []string{"forced_remote"}, 0)

	cases := []struct {
		event *message.DomainEvent
		want  bus.Target
	}{
		{&message.DomainEvent{EventType: "plain"}, bus.TargetRemote},
		{&message.DomainEvent{EventType: "plain", Priority: 1}, bus.TargetRemote},
		{&message.DomainEvent{EventType: "plain", Priority: 2}, bus.TargetLocal},
		{&message.DomainEvent{EventType: "plain", Priority: 5}, bus.TargetLocal},
		{&message.DomainEvent{EventType: "forced_local"}, bus.TargetLocal},
		{&message.DomainEvent{EventType: "forced_remote", Priority: 9}, bus.TargetRemote},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, policy.Route(tc.event), "%s/%d", tc.event.EventType, tc.event.Priority)
	}

	assert.Equal(t, "local", bus.TargetLocal.String())
	assert.Equal(t, "remote", bus.TargetRemote.String())
}

func TestEventBus_HandlerMiddlewareWrapsSubscriptions(t *testing.T) {
	ctx := context.Background()

	eventBus, _, _ := newEventBus(t, ram.New(eventsourcing.Options{}),
		bus.WithHandlerMiddleware(handlers.AsMiddleware(handlers.DecoratorConfig{RetryMax: 2})),
	)

	var attempts atomic.Int32
	done := make(chan struct{})
	_, err := eventBus.Subscribe(ctx, "link_created", func(context.Context, *message.DomainEvent) error {
		if attempts.Add(1) < 3 {
			return errors.New("not yet")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)

	event, err := message.NewEvent("link_created", nil, message.WithAggregateID("link-1"))
	require.NoError(t, err)
	require.NoError(t, eventBus.Publish(ctx, event))

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("handler was not retried")
	}

	assert.Equal(t, int32(3), attempts.Load())
}
