package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shortlink-org/eventcore/cqrs/message"
)

// HandlerFunc is the untyped form of a command or query handler.
type HandlerFunc func(ctx context.Context, msg any) (any, error)

// Middleware wraps every dispatch of a bus. Returning an error without
// calling next aborts the dispatch.
type Middleware func(next HandlerFunc) HandlerFunc

// Validator reports violations for one message type. Return a
// *multierror.Error to report several at once.
type Validator func(ctx context.Context, msg any) error

// Stage of a dispatch as seen by observers.
type Stage string

const (
	StageReceived Stage = "received"
	StageExecuted Stage = "executed"
	StageFailed   Stage = "failed"
)

// Notification describes one lifecycle step of a dispatch.
type Notification struct {
	Kind          string
	Stage         Stage
	Type          string
	ID            string
	CorrelationID string
	Cached        bool
	Duration      time.Duration
	Err           error
}

// Observer receives lifecycle notifications synchronously.
type Observer func(ctx context.Context, n Notification)

// hooks let QueryBus serve and fill its cache around the handler.
type hooks struct {
	lookup func(ctx context.Context, msg any) (any, bool)
	store  func(ctx context.Context, msg any, result any)
}

// pipeline is the dispatch core shared by CommandBus and QueryBus.
type pipeline struct {
	kind string
	opts options

	mu         sync.RWMutex
	handlers   map[string]HandlerFunc
	validators map[string]Validator
	middleware []Middleware

	dispatched metric.Int64Counter
	duration   metric.Float64Histogram
}

func newPipeline(kind string, o options) (*pipeline, error) {
	meter := o.meterProvider.Meter("eventcore.cqrs")

	dispatched, err := meter.Int64Counter("eventcore_cqrs_dispatch_total",
		metric.WithDescription("Commands and queries dispatched, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("cqrs/bus: create dispatch counter: %w", err)
	}

	duration, err := meter.Float64Histogram("eventcore_cqrs_dispatch_duration_seconds",
		metric.WithDescription("Time spent dispatching commands and queries"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("cqrs/bus: create duration histogram: %w", err)
	}

	return &pipeline{
		kind:       kind,
		opts:       o,
		handlers:   make(map[string]HandlerFunc),
		validators: make(map[string]Validator),
		dispatched: dispatched,
		duration:   duration,
	}, nil
}

func (p *pipeline) register(typ string, h HandlerFunc) error {
	if typ == "" {
		return errEmptyType
	}
	if h == nil {
		return errNilHandler
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.handlers[typ]; ok {
		return &DuplicateHandlerError{Kind: p.kind, Type: typ}
	}

	p.handlers[typ] = h

	return nil
}

func (p *pipeline) unregister(typ string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.handlers[typ]
	delete(p.handlers, typ)
	delete(p.validators, typ)

	return ok
}

func (p *pipeline) registerValidator(typ string, v Validator) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v == nil {
		delete(p.validators, typ)
		return
	}

	p.validators[typ] = v
}

func (p *pipeline) use(mws ...Middleware) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, mw := range mws {
		if mw != nil {
			p.middleware = append(p.middleware, mw)
		}
	}
}

func (p *pipeline) has(typ string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.handlers[typ]

	return ok
}

// dispatch resolves the handler before anything else runs, then validates,
// then calls the handler through the middleware chain.
func (p *pipeline) dispatch(ctx context.Context, typ string, header *message.Header, msg any, h hooks) (any, error) {
	start := time.Now()

	if header != nil {
		header.Stamp(start)
	}

	n := Notification{Kind: p.kind, Type: typ}
	if header != nil {
		n.ID = header.ID
		n.CorrelationID = header.CorrelationID
	}

	p.notify(ctx, n, StageReceived)

	result, cached, err := p.run(ctx, typ, msg, h)

	n.Cached = cached
	n.Duration = time.Since(start)
	n.Err = err

	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else if cached {
		outcome = "cached"
	}

	attrs := metric.WithAttributes(
		attribute.String("kind", p.kind),
		attribute.String("type", typ),
		attribute.String("outcome", outcome),
	)
	p.dispatched.Add(ctx, 1, attrs)
	p.duration.Record(ctx, n.Duration.Seconds(), attrs)

	if err != nil {
		p.notify(ctx, n, StageFailed)
		return nil, err
	}

	p.notify(ctx, n, StageExecuted)

	return result, nil
}

func (p *pipeline) run(ctx context.Context, typ string, msg any, h hooks) (any, bool, error) {
	p.mu.RLock()
	handler, ok := p.handlers[typ]
	validator := p.validators[typ]
	chain := p.middleware
	p.mu.RUnlock()

	if !ok {
		return nil, false, &HandlerNotFoundError{Kind: p.kind, Type: typ}
	}

	if h.lookup != nil {
		if result, hit := h.lookup(ctx, msg); hit {
			return result, true, nil
		}
	}

	if validator != nil {
		if err := validator(ctx, msg); err != nil {
			return nil, false, newValidationError(typ, err)
		}
	}

	// first registered middleware is outermost
	wrapped := handler
	for i := len(chain) - 1; i >= 0; i-- {
		wrapped = chain[i](wrapped)
	}

	result, err := wrapped(ctx, msg)
	if err != nil {
		return nil, false, err
	}

	if h.store != nil {
		h.store(ctx, msg, result)
	}

	return result, false, nil
}

func (p *pipeline) notify(ctx context.Context, n Notification, stage Stage) {
	n.Stage = stage

	fields := []slog.Attr{
		slog.String("kind", n.Kind),
		slog.String("type", n.Type),
		slog.String("id", n.ID),
	}

	switch stage {
	case StageFailed:
		p.opts.log.WarnWithContext(ctx, "cqrs: dispatch failed",
			append(fields, slog.Duration("duration", n.Duration), slog.Any("error", n.Err))...)
	case StageExecuted:
		p.opts.log.DebugWithContext(ctx, "cqrs: dispatch executed",
			append(fields, slog.Duration("duration", n.Duration), slog.Bool("cached", n.Cached))...)
	default:
		p.opts.log.DebugWithContext(ctx, "cqrs: dispatch received", fields...)
	}

	for _, observe := range p.opts.observers {
		observe(ctx, n)
	}
}
