package redis

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/atomic"

	"github.com/shortlink-org/eventcore/logger"
)

// Config - config
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxRetries  int
	PingTimeout time.Duration
	DialTimeout time.Duration
	PoolSize    int
}

// Health is the outcome of a ping.
type Health struct {
	Healthy bool
	Latency time.Duration
	State   State
	Err     error
}

// Metrics describes the manager and its pool.
type Metrics struct {
	State        State
	Reconnects   int64
	Failures     int64
	QueueDepth   int64
	CircuitState string

	TotalConns uint32
	IdleConns  uint32
	StaleConns uint32
	Hits       uint32
	Misses     uint32
	Timeouts   uint32
}

// Store manages a single go-redis client through its connect, retry and
// reconnect lifecycle.
type Store struct {
	config Config
	log    logger.Logger

	mu       sync.RWMutex
	client   *redis.Client
	state    State
	watchers map[int]func(Event)
	watchSeq int

	breaker *gobreaker.CircuitBreaker

	reconnecting atomic.Bool
	reconnects   atomic.Int64
	failures     atomic.Int64
	inflight     atomic.Int64

	lifeCtx context.Context
	cancel  context.CancelFunc
	loopWg  sync.WaitGroup
}
