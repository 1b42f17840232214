package handlers

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/shortlink-org/eventcore/config"
	"github.com/shortlink-org/eventcore/cqrs/message"
)

// DecoratorConfig controls event handler middleware behavior.
type DecoratorConfig struct {
	Timeout                time.Duration
	RetryMax               int
	RetryDelay             time.Duration
	CircuitBreakerEnabled  bool
	CircuitBreakerSettings *gobreaker.Settings
}

// LoadDecoratorConfig reads EVENT_HANDLER_* keys.
func LoadDecoratorConfig(cfg *config.Config) DecoratorConfig {
	cfg.SetDefault("EVENT_HANDLER_TIMEOUT", "30s")
	cfg.SetDefault("EVENT_HANDLER_RETRY_MAX", 0)
	cfg.SetDefault("EVENT_HANDLER_RETRY_DELAY", "100ms")
	cfg.SetDefault("EVENT_HANDLER_CIRCUIT_BREAKER_ENABLED", false)

	return DecoratorConfig{
		Timeout:               cfg.GetDuration("EVENT_HANDLER_TIMEOUT"),
		RetryMax:              cfg.GetInt("EVENT_HANDLER_RETRY_MAX"),
		RetryDelay:            cfg.GetDuration("EVENT_HANDLER_RETRY_DELAY"),
		CircuitBreakerEnabled: cfg.GetBool("EVENT_HANDLER_CIRCUIT_BREAKER_ENABLED"),
	}
}

// Middleware wraps an event handler.
type Middleware func(EventHandler) EventHandler

// Decorate wraps handler with the standard middlewares:
// Recoverer -> CircuitBreaker -> Timeout -> Retry.
func Decorate(h EventHandler, cfg DecoratorConfig) EventHandler {
	if h == nil {
		return nil
	}

	decorated := Recoverer(h)

	if cfg.CircuitBreakerEnabled {
		settings := cfg.CircuitBreakerSettings
		if settings == nil {
			defaultCfg := defaultCircuitBreakerSettings()
			settings = &defaultCfg
		}
		decorated = CircuitBreaker(gobreaker.NewCircuitBreaker(*settings))(decorated)
	}

	if cfg.Timeout > 0 {
		decorated = Timeout(cfg.Timeout)(decorated)
	}

	if cfg.RetryMax > 0 {
		decorated = Retry(cfg.RetryMax, cfg.RetryDelay)(decorated)
	}

	return decorated
}

// AsMiddleware turns a decorator config into a Middleware.
func AsMiddleware(cfg DecoratorConfig) Middleware {
	return func(next EventHandler) EventHandler {
		return Decorate(next, cfg)
	}
}

// Chain applies middlewares sequentially, the last one ends up outermost.
func Chain(h EventHandler, middlewares ...Middleware) EventHandler {
	for _, mw := range middlewares {
		if mw == nil {
			continue
		}
		h = mw(h)
	}
	return h
}

// Recoverer converts a panic into *PanicError.
func Recoverer(h EventHandler) EventHandler {
	return func(ctx context.Context, event *message.DomainEvent) error {
		return safeCall(ctx, h, event)
	}
}

// CircuitBreaker rejects calls with gobreaker.ErrOpenState while cb is open.
func CircuitBreaker(cb *gobreaker.CircuitBreaker) Middleware {
	return func(next EventHandler) EventHandler {
		return func(ctx context.Context, event *message.DomainEvent) error {
			_, err := cb.Execute(func() (any, error) {
				return nil, next(ctx, event)
			})
			return err
		}
	}
}

// Timeout bounds the context passed to the handler. The handler has to honor it.
func Timeout(d time.Duration) Middleware {
	return func(next EventHandler) EventHandler {
		return func(ctx context.Context, event *message.DomainEvent) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			return next(ctx, event)
		}
	}
}

// Retry calls the handler up to retryMax extra times.
func Retry(retryMax int, delay time.Duration) Middleware {
	return func(next EventHandler) EventHandler {
		return func(ctx context.Context, event *message.DomainEvent) error {
			var err error
			for attempt := 0; attempt <= retryMax; attempt++ {
				if err = next(ctx, event); err == nil {
					return nil
				}

				if attempt == retryMax || delay <= 0 {
					continue
				}

				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return err
				case <-timer.C:
				}
			}
			return err
		}
	}
}

func defaultCircuitBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "eventcore_event_handler",
		Timeout:     30 * time.Second,
		Interval:    0,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}
