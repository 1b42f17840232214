package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/shortlink-org/eventcore/config"
	"github.com/shortlink-org/eventcore/logger"
)

const (
	breakerFailures = 5
	breakerTimeout  = 30 * time.Second
)

// New creates a store, nothing is dialed until Init.
func New(cfg Config, log logger.Logger) *Store {
	if log == nil {
		log = logger.NewNoop()
	}

	s := &Store{
		config:   cfg,
		log:      log,
		state:    StateDisconnected,
		watchers: make(map[int]func(Event)),
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsReconnectable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn("db/redis: circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return s
}

// LoadConfig reads the connection settings.
func LoadConfig(cfg *config.Config) Config {
	cfg.SetDefault("STORE_REDIS_URI", "localhost:6379") // Redis Host
	cfg.SetDefault("STORE_REDIS_USERNAME", "")          // Redis Username
	cfg.SetDefault("STORE_REDIS_PASSWORD", "")          // Redis Password
	cfg.SetDefault("STORE_REDIS_DB", 0)
	cfg.SetDefault("REDIS_RECONNECT_BASE_DELAY", "50ms")
	cfg.SetDefault("REDIS_RECONNECT_MAX_DELAY", "2s")
	cfg.SetDefault("REDIS_RECONNECT_MAX_RETRIES", 10) //nolint:mnd // default retry ceiling
	cfg.SetDefault("REDIS_PING_TIMEOUT", "1s")
	cfg.SetDefault("REDIS_DIAL_TIMEOUT", "5s")
	cfg.SetDefault("REDIS_POOL_SIZE", 0) // 0 - go-redis default

	return Config{
		Addr:        cfg.GetString("STORE_REDIS_URI"),
		Username:    cfg.GetString("STORE_REDIS_USERNAME"),
		Password:    cfg.GetString("STORE_REDIS_PASSWORD"),
		DB:          cfg.GetInt("STORE_REDIS_DB"),
		BaseDelay:   cfg.GetDuration("REDIS_RECONNECT_BASE_DELAY"),
		MaxDelay:    cfg.GetDuration("REDIS_RECONNECT_MAX_DELAY"),
		MaxRetries:  cfg.GetInt("REDIS_RECONNECT_MAX_RETRIES"),
		PingTimeout: cfg.GetDuration("REDIS_PING_TIMEOUT"),
		DialTimeout: cfg.GetDuration("REDIS_DIAL_TIMEOUT"),
		PoolSize:    cfg.GetInt("REDIS_POOL_SIZE"),
	}
}

// Backoff returns min(attempt*base, max).
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := time.Duration(attempt) * base
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}

	return delay
}

// Init - dial and ping with backoff. Calling it on a ready store is a no-op.
func (s *Store) Init(ctx context.Context) error {
	if s.config.Addr == "" {
		return &ConnectionError{Op: "init", Err: ErrInvalidURI}
	}

	s.mu.Lock()
	if s.client != nil && (s.state == StateReady || s.reconnecting.Load()) {
		s.mu.Unlock()
		return nil
	}

	if s.client == nil {
		s.client = redis.NewClient(&redis.Options{
			Addr:        s.config.Addr,
			Username:    s.config.Username,
			Password:    s.config.Password,
			DB:          s.config.DB,
			DialTimeout: s.config.DialTimeout,
			PoolSize:    s.config.PoolSize,
			MaxRetries:  -1, // retries belong to the store
		})
		s.client.AddHook(&hook{store: s})
		s.lifeCtx, s.cancel = context.WithCancel(context.Background())
	}
	s.mu.Unlock()

	s.setState(StateConnecting, nil)

	if err := s.connectWithRetry(ctx, "init"); err != nil {
		_ = s.release() //nolint:errcheck // the connection error is more useful
		return err
	}

	s.log.Info("db/redis: connected", slog.String("addr", s.config.Addr))

	return nil
}

// GetConn - get connect
func (s *Store) GetConn() any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.client
}

// Client returns the underlying client when the store is ready.
func (s *Store) Client() (*redis.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.client == nil {
		return nil, ErrNotConnected
	}

	if s.state != StateReady && s.state != StateConnected {
		return nil, &ConnectionError{Op: "client", Reconnectable: true, Err: ErrNotConnected}
	}

	return s.client, nil
}

// Execute runs fn through the circuit breaker. Transport failures come back as
// *ConnectionError and start a background reconnect.
func (s *Store) Execute(ctx context.Context, fn func(ctx context.Context, client *redis.Client) error) error {
	client, err := s.Client()
	if err != nil {
		return err
	}

	s.inflight.Inc()
	defer s.inflight.Dec()

	_, err = s.breaker.Execute(func() (any, error) {
		return nil, fn(ctx, client)
	})
	if err == nil {
		return nil
	}

	if IsReconnectable(err) {
		return &ConnectionError{Op: "execute", Reconnectable: true, Err: err}
	}

	return err
}

// Health pings the server under the ping timeout.
func (s *Store) Health(ctx context.Context) Health {
	s.mu.RLock()
	client, state := s.client, s.state
	s.mu.RUnlock()

	if client == nil {
		return Health{State: state, Err: ErrNotConnected}
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout())
	defer cancel()

	start := time.Now()
	err := client.Ping(pingCtx).Err()

	return Health{
		Healthy: err == nil,
		Latency: time.Since(start),
		State:   state,
		Err:     err,
	}
}

func (s *Store) Metrics() Metrics {
	s.mu.RLock()
	client, state := s.client, s.state
	s.mu.RUnlock()

	metrics := Metrics{
		State:        state,
		Reconnects:   s.reconnects.Load(),
		Failures:     s.failures.Load(),
		QueueDepth:   s.inflight.Load(),
		CircuitState: s.breaker.State().String(),
	}

	if client != nil {
		stats := client.PoolStats()
		metrics.TotalConns = stats.TotalConns
		metrics.IdleConns = stats.IdleConns
		metrics.StaleConns = stats.StaleConns
		metrics.Hits = stats.Hits
		metrics.Misses = stats.Misses
		metrics.Timeouts = stats.Timeouts
	}

	return metrics
}

func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// Watch subscribes fn to lifecycle events. fn runs on the goroutine that
// changed the state and must not block. The returned func removes it.
func (s *Store) Watch(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.watchSeq++
	id := s.watchSeq
	s.watchers[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		delete(s.watchers, id)
	}
}

// Close stops reconnect loops and closes the client. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.client == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.mu.Unlock()

	s.loopWg.Wait()

	err := s.release()

	s.log.Info("db/redis: disconnected", slog.String("addr", s.config.Addr))

	return err
}

func (s *Store) release() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.setState(StateDisconnected, nil)

	if client == nil {
		return nil
	}

	if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("db/redis: close: %w", err)
	}

	return nil
}

func (s *Store) connectWithRetry(ctx context.Context, op string) error {
	for attempt := 1; ; attempt++ {
		err := s.ping(ctx)
		if err == nil {
			s.setState(StateConnected, nil)
			s.setState(StateReady, nil)

			return nil
		}

		s.failures.Inc()

		if !IsReconnectable(err) {
			s.setState(StateError, err)
			return &ConnectionError{Op: op, Attempt: attempt, Err: err}
		}

		if attempt >= s.config.MaxRetries {
			s.emit(Event{Kind: EventMaxRetriesExceeded, To: s.State(), Attempt: attempt, Err: err})
			s.log.Error("db/redis: giving up",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)

			return &ConnectionError{
				Op:            op,
				Attempt:       attempt,
				Reconnectable: true,
				Err:           fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err),
			}
		}

		delay := Backoff(attempt, s.config.BaseDelay, s.config.MaxDelay)
		s.emit(Event{Kind: EventRetry, To: s.State(), Attempt: attempt, Err: err})
		s.log.Warn("db/redis: connection attempt failed",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.Any("error", err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &ConnectionError{Op: op, Attempt: attempt, Err: ctx.Err()}
		case <-timer.C:
		}
	}
}

func (s *Store) ping(ctx context.Context) error {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()

	if client == nil {
		return ErrNotConnected
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout())
	defer cancel()

	return client.Ping(pingCtx).Err()
}

func (s *Store) pingTimeout() time.Duration {
	if s.config.PingTimeout <= 0 {
		return time.Second
	}

	return s.config.PingTimeout
}

// observe is called by the client hook for every command result.
func (s *Store) observe(err error) {
	if !IsReconnectable(err) || s.State() != StateReady {
		return
	}

	s.startReconnect(err)
}

func (s *Store) startReconnect(cause error) {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}

	s.mu.RLock()
	ctx := s.lifeCtx
	s.mu.RUnlock()

	if ctx == nil || ctx.Err() != nil {
		s.reconnecting.Store(false)
		return
	}

	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()
		defer s.reconnecting.Store(false)

		s.setState(StateError, cause)
		s.setState(StateReconnecting, nil)
		s.reconnects.Inc()

		if err := s.connectWithRetry(ctx, "reconnect"); err != nil {
			s.setState(StateDisconnected, err)
		}
	}()
}

func (s *Store) setState(to State, cause error) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	s.log.Debug("db/redis: state changed",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)

	s.emit(Event{Kind: EventStateChanged, From: from, To: to, Err: cause})
}

func (s *Store) emit(event Event) {
	s.mu.RLock()
	watchers := make([]func(Event), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	s.mu.RUnlock()

	for _, fn := range watchers {
		fn(event)
	}
}
