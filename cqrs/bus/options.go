package bus

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/shortlink-org/eventcore/cqrs/handlers"
	"github.com/shortlink-org/eventcore/logger"
)

// Option configures CommandBus, QueryBus and EventBus. Options that do not
// apply to a bus are ignored by it.
type Option func(*options)

type options struct {
	log           logger.Logger
	meterProvider metric.MeterProvider
	observers     []Observer
	events        EventPublisher
	cache         *QueryCache
	serviceName   string
	middlewares   []handlers.Middleware
}

func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = provider }
}

// WithObserver subscribes to received, executed and failed notifications.
func WithObserver(observer Observer) Option {
	return func(o *options) { o.observers = append(o.observers, observer) }
}

// WithEventPublisher makes CommandBus publish the events returned by handlers.
func WithEventPublisher(events EventPublisher) Option {
	return func(o *options) { o.events = events }
}

// WithQueryCache enables result caching on QueryBus.
func WithQueryCache(cache *QueryCache) Option {
	return func(o *options) { o.cache = cache }
}

// WithServiceName stamps the service name into the metadata of published events.
func WithServiceName(name string) Option {
	return func(o *options) { o.serviceName = name }
}

// WithHandlerMiddleware wraps every handler passed to EventBus.Subscribe.
func WithHandlerMiddleware(middlewares ...handlers.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, middlewares...) }
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
	if o.meterProvider == nil {
		o.meterProvider = noop.NewMeterProvider()
	}

	return o
}
