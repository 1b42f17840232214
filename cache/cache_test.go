package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gocache "github.com/go-redis/cache/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlink-org/eventcore/cache"
	"github.com/shortlink-org/eventcore/config"
	"github.com/shortlink-org/eventcore/db/drivers/redis"
)

func TestNew_LocalOnly(t *testing.T) {
	ctx := context.Background()

	cfg, err := config.New()
	require.NoError(t, err)

	c, err := cache.New(ctx, nil, cfg)
	require.NoError(t, err)

	require.NoError(t, c.Set(&gocache.Item{Ctx: ctx, Key: "k", Value: "v"}))

	var got string
	require.NoError(t, c.Get(ctx, "k", &got))
	assert.Equal(t, "v", got)
}

func TestNew_RedisTier(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cfg, err := config.New()
	require.NoError(t, err)

	store := redis.New(redis.Config{Addr: mr.Addr(), MaxRetries: 1, PingTimeout: time.Second}, nil)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	c, err := cache.New(ctx, store, cfg)
	require.NoError(t, err)

	require.NoError(t, c.Set(&gocache.Item{Ctx: ctx, Key: "shared", Value: 42, TTL: time.Minute}))
	assert.True(t, mr.Exists("shared"))
}

func TestNew_RedisDown(t *testing.T) {
	cfg, err := config.New()
	require.NoError(t, err)

	store := redis.New(redis.Config{Addr: "127.0.0.1:1", MaxRetries: 1, BaseDelay: time.Millisecond, PingTimeout: 50 * time.Millisecond}, nil)
	t.Cleanup(func() { _ = store.Close() })

	_, err = cache.New(context.Background(), store, cfg)

	var initErr *cache.InitCacheError
	require.ErrorAs(t, err, &initErr)
}
