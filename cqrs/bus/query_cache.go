package bus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/segmentio/encoding/json"
	"go.uber.org/atomic"

	"github.com/shortlink-org/eventcore/config"
	"github.com/shortlink-org/eventcore/cqrs/message"
	"github.com/shortlink-org/eventcore/logger"
)

const defaultQueryCacheTTL = 60 * time.Second

// headerFields differ between otherwise equal queries and are not part of the key.
var headerFields = []string{"id", "timestamp", "correlationId"}

// QueryCache keeps successful query results for a fixed TTL. Entries carry
// their own expiry, so a local tier with a longer TTL never serves them late.
type QueryCache struct {
	cache  *cache.Cache
	ttl    time.Duration
	prefix string
	log    logger.Logger
	now    func() time.Time

	// generation is part of every key, Clear moves it forward
	generation atomic.Int64
}

// LoadQueryCacheTTL reads QUERY_CACHE_TTL.
func LoadQueryCacheTTL(cfg *config.Config) time.Duration {
	cfg.SetDefault("QUERY_CACHE_TTL", defaultQueryCacheTTL.String())

	return cfg.GetDuration("QUERY_CACHE_TTL")
}

// NewQueryCache wraps c. A zero ttl means 60s.
func NewQueryCache(c *cache.Cache, ttl time.Duration, log logger.Logger) *QueryCache {
	if ttl <= 0 {
		ttl = defaultQueryCacheTTL
	}
	if log == nil {
		log = logger.NewNoop()
	}

	return &QueryCache{
		cache:  c,
		ttl:    ttl,
		prefix: "eventcore:query:",
		log:    log,
		now:    time.Now,
	}
}

// Key derives the cache key from the query type and the query's own fields.
func (c *QueryCache) Key(q message.Query) (string, error) {
	raw, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("cqrs/bus: cache key of %s: %w", q.QueryType(), err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("cqrs/bus: cache key of %s: %w", q.QueryType(), err)
	}

	for _, f := range headerFields {
		delete(fields, f)
	}

	// map keys are encoded sorted
	canonical, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("cqrs/bus: cache key of %s: %w", q.QueryType(), err)
	}

	sum := sha256.Sum256(canonical)

	return c.prefix + strconv.FormatInt(c.generation.Load(), 10) + ":" + q.QueryType() + ":" + hex.EncodeToString(sum[:]), nil
}

// Clear makes every entry unreachable. Old entries age out with their TTL.
func (c *QueryCache) Clear() {
	c.generation.Inc()
}

// Stats returns hit and miss counters when LOCAL_CACHE_METRICS_ENABLED is set.
func (c *QueryCache) Stats() *cache.Stats {
	return c.cache.Stats()
}

func (c *QueryCache) get(ctx context.Context, key string, decode decodeFunc) (any, bool) {
	value, err := decode(ctx, c.cache, key, c.now())
	if err == nil {
		return value, true
	}

	if !errors.Is(err, cache.ErrCacheMiss) {
		c.log.WarnWithContext(ctx, "cqrs: query cache read failed",
			slog.String("key", key),
			slog.Any("error", err),
		)
	}

	return nil, false
}

func (c *QueryCache) set(ctx context.Context, key string, value any) {
	err := c.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   key,
		Value: cachedResult[any]{Value: value, ExpiresAt: c.now().Add(c.ttl).UnixNano()},
		TTL:   c.ttl,
	})
	if err != nil {
		c.log.WarnWithContext(ctx, "cqrs: query cache write failed",
			slog.String("key", key),
			slog.Any("error", err),
		)
	}
}

type cachedResult[R any] struct {
	Value     R
	ExpiresAt int64
}

// decodeFunc reads a cached value into the result type of one query. An entry
// expired at now is a miss.
type decodeFunc func(ctx context.Context, c *cache.Cache, key string, now time.Time) (any, error)

func decodeAs[R any](ctx context.Context, c *cache.Cache, key string, now time.Time) (any, error) {
	var entry cachedResult[R]
	if err := c.Get(ctx, key, &entry); err != nil {
		return nil, err
	}

	if now.UnixNano() >= entry.ExpiresAt {
		return nil, cache.ErrCacheMiss
	}

	return entry.Value, nil
}
