/*
Package cache builds the two-tier result cache: a TinyLFU cache in process
and, when a Redis connection is given, a shared Redis tier behind it.
*/
package cache

import (
	"context"

	"github.com/go-redis/cache/v9"

	"github.com/shortlink-org/eventcore/config"
	"github.com/shortlink-org/eventcore/db/drivers/redis"
)

// New returns a new cache.Cache. store may be nil for a process-local cache.
func New(ctx context.Context, store *redis.Store, cfg *config.Config) (*cache.Cache, error) {
	cfg.SetDefault("LOCAL_CACHE_TTL", "1m")
	cfg.SetDefault("LOCAL_CACHE_COUNT", 1000)
	cfg.SetDefault("LOCAL_CACHE_METRICS_ENABLED", true)

	opts := &cache.Options{
		LocalCache:   cache.NewTinyLFU(cfg.GetInt("LOCAL_CACHE_COUNT"), cfg.GetDuration("LOCAL_CACHE_TTL")),
		StatsEnabled: cfg.GetBool("LOCAL_CACHE_METRICS_ENABLED"),
	}

	if store != nil {
		if err := store.Init(ctx); err != nil {
			return nil, &InitCacheError{err}
		}

		client, err := store.Client()
		if err != nil {
			return nil, &InitCacheError{err}
		}

		opts.Redis = client
	}

	return cache.New(opts), nil
}
