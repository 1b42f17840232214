package handlers_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortlink-org/eventcore/config"
	"github.com/shortlink-org/eventcore/cqrs/handlers"
	"github.com/shortlink-org/eventcore/cqrs/message"
)

var errTransient = errors.New("transient")

func TestDecorate_Retry(t *testing.T) {
	attempts := 0
	h := handlers.Decorate(func(context.Context, *message.DomainEvent) error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	}, handlers.DecoratorConfig{RetryMax: 2})

	require.NoError(t, h(context.Background(), &message.DomainEvent{}))
	assert.Equal(t, 3, attempts)
}

func TestDecorate_RetryExhausted(t *testing.T) {
	attempts := 0
	h := handlers.Decorate(func(context.Context, *message.DomainEvent) error {
		attempts++
		return errTransient
	}, handlers.DecoratorConfig{RetryMax: 1, RetryDelay: time.Millisecond})

	require.ErrorIs(t, h(context.Background(), &message.DomainEvent{}), errTransient)
	assert.Equal(t, 2, attempts)
}

func TestDecorate_Timeout(t *testing.T) {
	h := handlers.Decorate(func(ctx context.Context, _ *message.DomainEvent) error {
		<-ctx.Done()
		return ctx.Err()
	}, handlers.DecoratorConfig{Timeout: 10 * time.Millisecond})

	require.ErrorIs(t, h(context.Background(), &message.DomainEvent{}), context.DeadlineExceeded)
}

func TestDecorate_Recoverer(t *testing.T) {
	h := handlers.Decorate(func(context.Context, *message.DomainEvent) error {
		panic("nope")
	}, handlers.DecoratorConfig{})

	var panicErr *handlers.PanicError
	require.ErrorAs(t, h(context.Background(), &message.DomainEvent{EventType: "x"}), &panicErr)
	assert.Equal(t, "x", panicErr.EventType)
}

func TestDecorate_CircuitBreakerOpens(t *testing.T) {
	calls := 0
	h := handlers.Decorate(func(context.Context, *message.DomainEvent) error {
		calls++
		return errTransient
	}, handlers.DecoratorConfig{
		CircuitBreakerEnabled: true,
		CircuitBreakerSettings: &gobreaker.Settings{
			Name:    "test",
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 2
			},
		},
	})

	ctx := context.Background()
	evt := &message.DomainEvent{}

	require.ErrorIs(t, h(ctx, evt), errTransient)
	require.ErrorIs(t, h(ctx, evt), errTransient)
	require.ErrorIs(t, h(ctx, evt), gobreaker.ErrOpenState)
	assert.Equal(t, 2, calls)
}

func TestChain_Order(t *testing.T) {
	var trace []string
	mw := func(name string) handlers.Middleware {
		return func(next handlers.EventHandler) handlers.EventHandler {
			return func(ctx context.Context, e *message.DomainEvent) error {
				trace = append(trace, name)
				return next(ctx, e)
			}
		}
	}

	h := handlers.Chain(func(context.Context, *message.DomainEvent) error {
		trace = append(trace, "handler")
		return nil
	}, mw("inner"), nil, mw("outer"))

	require.NoError(t, h(context.Background(), &message.DomainEvent{}))
	assert.Equal(t, []string{"outer", "inner", "handler"}, trace)
}

func TestTyped(t *testing.T) {
	type linkAdded struct {
		URL string `json:"url"`
	}

	evt, err := message.NewEvent("link_added", linkAdded{URL: "https://example.com"})
	require.NoError(t, err)

	var got string
	h := handlers.Typed(func(_ context.Context, payload linkAdded, _ *message.DomainEvent) error {
		got = payload.URL
		return nil
	})

	require.NoError(t, h(context.Background(), evt))
	assert.Equal(t, "https://example.com", got)

	require.ErrorIs(t, h(context.Background(), &message.DomainEvent{EventType: "empty"}), handlers.ErrDecodePayload)
}

func TestLoadDecoratorConfig(t *testing.T) {
	cfg, err := config.New()
	require.NoError(t, err)

	assert.Equal(t, handlers.DecoratorConfig{
		Timeout:    30 * time.Second,
		RetryDelay: 100 * time.Millisecond,
	}, handlers.LoadDecoratorConfig(cfg))

	cfg.Set("EVENT_HANDLER_RETRY_MAX", 2)
	cfg.Set("EVENT_HANDLER_CIRCUIT_BREAKER_ENABLED", true)

	loaded := handlers.LoadDecoratorConfig(cfg)
	assert.Equal(t, 2, loaded.RetryMax)
	assert.True(t, loaded.CircuitBreakerEnabled)
}
