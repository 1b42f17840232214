package redis_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shortlink-org/eventcore/config"
	dbredis "github.com/shortlink-org/eventcore/db/drivers/redis"
	"github.com/shortlink-org/eventcore/mq"
	"github.com/shortlink-org/eventcore/mq/redis"
)

// leakOptions grows in integration builds.
var leakOptions []goleak.Option

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, leakOptions...)
}

func newBroker(t *testing.T, opts ...mq.Option) (*redis.Broker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	store := dbredis.New(dbredis.Config{
		Addr:        mr.Addr(),
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		MaxRetries:  3,
		PingTimeout: time.Second,
	}, nil)

	broker, err := redis.New(store, "test:", opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, broker.Disconnect(context.Background()))
		require.NoError(t, store.Close())
	})

	return broker, mr
}

func TestPublish_BeforeConnect(t *testing.T) {
	broker, _ := newBroker(t)
	ctx := context.Background()
	msg := mq.Message{Topic: "journal", Payload: []byte("x")}

	require.ErrorIs(t, broker.Publish(ctx, msg), mq.ErrBrokerNotConnected)
	require.ErrorIs(t, broker.PublishBatch(ctx, []mq.Message{msg}), mq.ErrBrokerNotConnected)
	assert.Zero(t, broker.Metrics().PublishedCount)

	require.NoError(t, broker.Connect(ctx))
	require.NoError(t, broker.Connect(ctx))

	require.NoError(t, broker.Publish(ctx, msg))
	assert.Equal(t, int64(1), broker.Metrics().PublishedCount)
}

func TestSubscribe_StripsChannelPrefix(t *testing.T) {
	broker, mr := newBroker(t)
	ctx := context.Background()

	require.NoError(t, broker.Connect(ctx))

	received := make(chan mq.Message, 1)
	require.NoError(t, broker.Subscribe(ctx, "journal", func(_ context.Context, msg mq.Message) error {
		received <- msg
		return nil
	}))

	assert.Equal(t, []string{"test:journal"}, mr.PubSubChannels("*"))

	require.NoError(t, broker.Publish(ctx, mq.Message{
		Topic:    "journal",
		Payload:  []byte(`{"id":1}`),
		Metadata: map[string]string{"k": "v"},
	}))

	select {
	case msg := <-received:
		assert.Equal(t, "journal", msg.Topic)
		assert.Equal(t, []byte(`{"id":1}`), msg.Payload)
		assert.Equal(t, "v", msg.Metadata["k"])
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	assert.Eventually(t, func() bool {
		return broker.Metrics().ReceivedCount == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSubscribe_OneUnderlyingSubscriptionPerTopic(t *testing.T) {
	var errs sync.WaitGroup
	errs.Add(1)

	broker, mr := newBroker(t, mq.WithErrorHook(func(context.Context, string, error) {
		errs.Done()
	}))
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)

	require.NoError(t, broker.Subscribe(ctx, "journal", func(context.Context, mq.Message) error {
		wg.Done()
		return nil
	}))
	require.NoError(t, broker.Connect(ctx))
	require.NoError(t, broker.Subscribe(ctx, "journal", func(context.Context, mq.Message) error {
		return errors.New("boom")
	}))
	require.NoError(t, broker.Subscribe(ctx, "journal", func(context.Context, mq.Message) error {
		wg.Done()
		return nil
	}))

	assert.Equal(t, map[string]int{"test:journal": 1}, mr.PubSubNumSub("test:journal"))

	require.NoError(t, broker.PublishBatch(ctx, []mq.Message{{Topic: "journal", Payload: []byte("x")}}))

	wg.Wait()
	errs.Wait()

	metrics := broker.Metrics()
	assert.Equal(t, int64(1), metrics.PublishedCount)
	assert.Equal(t, int64(1), metrics.ErrorCount)
}

func TestUnsubscribe_TearsDownSubscription(t *testing.T) {
	broker, mr := newBroker(t)
	ctx := context.Background()

	require.NoError(t, broker.Connect(ctx))
	require.NoError(t, broker.Subscribe(ctx, "journal", func(context.Context, mq.Message) error { return nil }))
	require.NoError(t, broker.Unsubscribe(ctx, "journal"))
	require.NoError(t, broker.Unsubscribe(ctx, "journal"))

	assert.Eventually(t, func() bool {
		return len(mr.PubSubChannels("*")) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestChannelPrefix(t *testing.T) {
	cfg, err := config.New()
	require.NoError(t, err)

	assert.Equal(t, "eventcore:", redis.ChannelPrefix(cfg))

	cfg.Set("MQ_REDIS_CHANNEL_PREFIX", " Billing Events: ")
	assert.Equal(t, "billing_events:", redis.ChannelPrefix(cfg))
}
