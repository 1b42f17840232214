package mq

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/shortlink-org/eventcore/logger"
)

// ErrorHook receives every handler failure after it has been counted.
type ErrorHook func(ctx context.Context, topic string, err error)

// Options are shared by broker implementations.
type Options struct {
	Logger        logger.Logger
	MeterProvider metric.MeterProvider
	OnError       ErrorHook
}

// Option configures a broker.
type Option func(*Options)

func WithLogger(log logger.Logger) Option {
	return func(o *Options) { o.Logger = log }
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *Options) { o.MeterProvider = provider }
}

// WithErrorHook sets the error signal for isolated handler failures.
func WithErrorHook(hook ErrorHook) Option {
	return func(o *Options) { o.OnError = hook }
}

// ApplyOptions resolves opts over defaults.
func ApplyOptions(opts []Option) Options {
	o := Options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	if o.Logger == nil {
		o.Logger = logger.NewNoop()
	}
	if o.MeterProvider == nil {
		o.MeterProvider = noop.NewMeterProvider()
	}

	return o
}
