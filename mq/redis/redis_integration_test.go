//go:build integration

package redis_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlink-org/eventcore/db/drivers/redis/redistest"
	"github.com/shortlink-org/eventcore/mq"
	"github.com/shortlink-org/eventcore/mq/redis"
)

func init() {
	leakOptions = append(leakOptions, redistest.LeakOptions()...)
}

func TestBroker_RealRedis(t *testing.T) {
	ctx := context.Background()
	store := redistest.Start(t)

	broker, err := redis.New(store, "it:")
	require.NoError(t, err)
	require.NoError(t, broker.Connect(ctx))
	t.Cleanup(func() { require.NoError(t, broker.Disconnect(context.Background())) })

	var (
		mu  sync.Mutex
		got []string
	)
	require.NoError(t, broker.Subscribe(ctx, "journal", func(_ context.Context, msg mq.Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(msg.Payload))
		return nil
	}))

	batch := []mq.Message{
		{Topic: "journal", Payload: []byte("a")},
		{Topic: "journal", Payload: []byte("b")},
		{Topic: "journal", Payload: []byte("c")},
	}
	require.NoError(t, broker.PublishBatch(ctx, batch))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(batch)
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, got)
	mu.Unlock()

	assert.Equal(t, int64(3), broker.Metrics().PublishedCount)
}
