package saga

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/shortlink-org/eventcore/logger"
)

// EscalationFunc is called when a rollback left some steps uncompensated.
type EscalationFunc func(ctx context.Context, inst *Instance, err *CompensationError)

type Option func(*options)

type options struct {
	repo           Repository
	events         Publisher
	log            logger.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	escalate       EscalationFunc
}

func WithRepository(repo Repository) Option {
	return func(o *options) { o.repo = repo }
}

// WithPublisher publishes lifecycle events, usually to the event bus.
func WithPublisher(events Publisher) Option {
	return func(o *options) { o.events = events }
}

func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = provider }
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = provider }
}

// WithEscalation sets the hook for partially failed compensations.
func WithEscalation(fn EscalationFunc) Option {
	return func(o *options) { o.escalate = fn }
}

func applyOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	if o.log == nil {
		o.log = logger.NewNoop()
	}
	if o.tracerProvider == nil {
		o.tracerProvider = tracenoop.NewTracerProvider()
	}
	if o.meterProvider == nil {
		o.meterProvider = noop.NewMeterProvider()
	}

	return o
}
