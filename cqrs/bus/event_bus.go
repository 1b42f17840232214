package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/shortlink-org/eventcore/cqrs/handlers"
	"github.com/shortlink-org/eventcore/cqrs/message"
	"github.com/shortlink-org/eventcore/eventsourcing"
	"github.com/shortlink-org/eventcore/mq"
)

var errBrokerRequired = errors.New("cqrs/bus: local and remote brokers are required")

// EventBusConfig wires the parts of an EventBus. Store, Routing, Serializer
// and Registry are optional.
type EventBusConfig struct {
	Local      mq.Broker
	Remote     mq.Broker
	Routing    RoutingStrategy
	Serializer message.Serializer
	Store      eventsourcing.EventStore
	Registry   *handlers.Registry
}

// EventBus is the single publish/subscribe entry point. It records events in
// the store before handing them to a broker.
type EventBus struct {
	local      mq.Broker
	remote     mq.Broker
	routing    RoutingStrategy
	serializer message.Serializer
	store      eventsourcing.EventStore
	registry   *handlers.Registry
	opts       options

	// serializes broker subscription changes
	subMu sync.Mutex

	published metric.Int64Counter
}

func NewEventBus(cfg EventBusConfig, opts ...Option) (*EventBus, error) {
	if cfg.Local == nil || cfg.Remote == nil {
		return nil, errBrokerRequired
	}

	o := applyOptions(opts)

	if cfg.Routing == nil {
		cfg.Routing = NewRoutingPolicy(nil, nil, message.PriorityHigh)
	}
	if cfg.Serializer == nil {
		cfg.Serializer = message.NewJSONSerializer()
	}
	if cfg.Registry == nil {
		cfg.Registry = handlers.NewRegistry()
	}

	published, err := o.meterProvider.Meter("eventcore.cqrs").Int64Counter("eventcore_event_bus_published_total",
		metric.WithDescription("Events published by the event bus, by broker"))
	if err != nil {
		return nil, fmt.Errorf("cqrs/bus: create published counter: %w", err)
	}

	return &EventBus{
		local:      cfg.Local,
		remote:     cfg.Remote,
		routing:    cfg.Routing,
		serializer: cfg.Serializer,
		store:      cfg.Store,
		registry:   cfg.Registry,
		opts:       o,
		published:  published,
	}, nil
}

// Connect connects both brokers.
func (b *EventBus) Connect(ctx context.Context) error {
	if err := b.local.Connect(ctx); err != nil {
		return fmt.Errorf("cqrs/bus: connect local broker: %w", err)
	}
	if err := b.remote.Connect(ctx); err != nil {
		return fmt.Errorf("cqrs/bus: connect remote broker: %w", err)
	}

	return nil
}

// Disconnect disconnects both brokers, even if the first one fails.
func (b *EventBus) Disconnect(ctx context.Context) error {
	var result *multierror.Error

	if err := b.local.Disconnect(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("cqrs/bus: disconnect local broker: %w", err))
	}
	if err := b.remote.Disconnect(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("cqrs/bus: disconnect remote broker: %w", err))
	}

	return result.ErrorOrNil()
}

// Publish appends the event to the store when there is one, then publishes it
// on the broker chosen by the routing strategy. A store failure means nothing
// is published.
func (b *EventBus) Publish(ctx context.Context, event *message.DomainEvent) error {
	if event == nil {
		return errNilEvent
	}

	ctx = message.WithServiceName(ctx, b.opts.serviceName)
	event.Stamp(time.Now())

	md := message.SetTrace(ctx, nil, event)

	env, err := b.record(ctx, event, md)
	if err != nil {
		return err
	}

	target := b.routing.Route(event)

	msg, err := b.toMessage(env)
	if err != nil {
		return err
	}

	if err := b.broker(target).Publish(ctx, msg); err != nil {
		b.opts.log.ErrorWithContext(ctx, "cqrs: publish event failed",
			slog.String("event_type", event.EventType),
			slog.String("event_id", event.EventID),
			slog.String("broker", target.String()),
			slog.Any("error", err),
		)
		return fmt.Errorf("cqrs/bus: publish %s to %s broker: %w", event.EventType, target, err)
	}

	b.published.Add(ctx, 1, metric.WithAttributes(attribute.String("broker", target.String())))

	return nil
}

// PublishBatch stores all events, groups them by broker and publishes the
// groups in parallel.
func (b *EventBus) PublishBatch(ctx context.Context, events []*message.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}

	ctx = message.WithServiceName(ctx, b.opts.serviceName)
	now := time.Now()

	for _, event := range events {
		if event == nil {
			return errNilEvent
		}
		event.Stamp(now)
	}

	envs, err := b.recordBatch(ctx, events)
	if err != nil {
		return err
	}

	groups := make(map[Target][]mq.Message, 2)
	for _, env := range envs {
		msg, err := b.toMessage(env)
		if err != nil {
			return err
		}

		target := b.routing.Route(env.Event)
		groups[target] = append(groups[target], msg)
	}

	var g errgroup.Group
	for target, msgs := range groups {
		g.Go(func() error {
			if err := b.broker(target).PublishBatch(ctx, msgs); err != nil {
				b.opts.log.ErrorWithContext(ctx, "cqrs: publish batch failed",
					slog.String("broker", target.String()),
					slog.Int("size", len(msgs)),
					slog.Any("error", err),
				)
				return fmt.Errorf("cqrs/bus: publish batch to %s broker: %w", target, err)
			}

			b.published.Add(ctx, int64(len(msgs)), metric.WithAttributes(attribute.String("broker", target.String())))
			return nil
		})
	}

	return g.Wait()
}

// Subscribe adds a handler for eventType. The first handler of a type
// subscribes on both brokers under the same topic.
func (b *EventBus) Subscribe(ctx context.Context, eventType string, h handlers.EventHandler) (handlers.HandlerID, error) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	if h != nil {
		h = handlers.Chain(h, b.opts.middlewares...)
	}

	id, first, err := b.registry.Add(eventType, h)
	if err != nil {
		return 0, err
	}

	if !first {
		return id, nil
	}

	if err := b.local.Subscribe(ctx, eventType, b.deliver); err != nil {
		b.registry.Remove(eventType, id)
		return 0, fmt.Errorf("cqrs/bus: subscribe local broker to %s: %w", eventType, err)
	}

	if err := b.remote.Subscribe(ctx, eventType, b.deliver); err != nil {
		if errUnsub := b.local.Unsubscribe(ctx, eventType); errUnsub != nil {
			err = multierror.Append(err, errUnsub)
		}
		b.registry.Remove(eventType, id)
		return 0, fmt.Errorf("cqrs/bus: subscribe remote broker to %s: %w", eventType, err)
	}

	b.opts.log.Info("cqrs: subscribed",
		slog.String("event_type", eventType),
	)

	return id, nil
}

// Unsubscribe removes one handler. When it was the last one for eventType,
// both broker subscriptions are torn down.
func (b *EventBus) Unsubscribe(ctx context.Context, eventType string, id handlers.HandlerID) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	removed, last := b.registry.Remove(eventType, id)
	if !removed || !last {
		return nil
	}

	return b.teardown(ctx, eventType)
}

// UnsubscribeAll removes every handler of eventType.
func (b *EventBus) UnsubscribeAll(ctx context.Context, eventType string) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	if b.registry.RemoveAll(eventType) == 0 {
		return nil
	}

	return b.teardown(ctx, eventType)
}

// Registry exposes the handler registry.
func (b *EventBus) Registry() *handlers.Registry {
	return b.registry
}

// BrokerMetrics returns the metrics of both brokers.
func (b *EventBus) BrokerMetrics() (local, remote mq.Metrics) {
	return b.local.Metrics(), b.remote.Metrics()
}

func (b *EventBus) teardown(ctx context.Context, eventType string) error {
	var result *multierror.Error

	if err := b.local.Unsubscribe(ctx, eventType); err != nil {
		result = multierror.Append(result, fmt.Errorf("cqrs/bus: unsubscribe local broker from %s: %w", eventType, err))
	}
	if err := b.remote.Unsubscribe(ctx, eventType); err != nil {
		result = multierror.Append(result, fmt.Errorf("cqrs/bus: unsubscribe remote broker from %s: %w", eventType, err))
	}

	return result.ErrorOrNil()
}

// deliver is the broker handler of every subscribed topic.
func (b *EventBus) deliver(ctx context.Context, msg mq.Message) error {
	env, err := b.serializer.Deserialize(msg.Payload)
	if err != nil {
		b.opts.log.ErrorWithContext(ctx, "cqrs: drop undecodable event",
			slog.String("topic", msg.Topic),
			slog.Any("error", err),
		)
		return err
	}

	ctx = message.ContextFromMetadata(ctx, msg.Metadata)

	return b.registry.Dispatch(ctx, msg.Topic, env.Event)
}

func (b *EventBus) record(ctx context.Context, event *message.DomainEvent, md map[string]string) (*message.EventEnvelope, error) {
	if b.store == nil {
		env := message.NewEnvelope(event, md)
		env.StreamID = eventsourcing.ResolveStreamID(event)
		return env, nil
	}

	env, err := b.store.Append(ctx, event, md)
	if err != nil {
		b.opts.log.ErrorWithContext(ctx, "cqrs: append event failed",
			slog.String("event_type", event.EventType),
			slog.String("event_id", event.EventID),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("cqrs/bus: store %s: %w", event.EventType, err)
	}

	return env, nil
}

func (b *EventBus) recordBatch(ctx context.Context, events []*message.DomainEvent) ([]*message.EventEnvelope, error) {
	md := message.SetTrace(ctx, nil, nil)

	if b.store == nil {
		envs := make([]*message.EventEnvelope, 0, len(events))
		for _, event := range events {
			env := message.NewEnvelope(event, md)
			env.StreamID = eventsourcing.ResolveStreamID(event)
			envs = append(envs, env)
		}
		return envs, nil
	}

	envs, err := b.store.AppendBatch(ctx, events, md)
	if err != nil {
		b.opts.log.ErrorWithContext(ctx, "cqrs: append batch failed",
			slog.Int("size", len(events)),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("cqrs/bus: store batch: %w", err)
	}

	return envs, nil
}

func (b *EventBus) toMessage(env *message.EventEnvelope) (mq.Message, error) {
	// per-event keys on top of what was stored
	env.Metadata = message.CopyMetadata(nil, env.Metadata)
	if env.Metadata == nil {
		env.Metadata = make(map[string]string)
	}
	env.Metadata[message.MetadataEventType] = env.Event.EventType
	if env.Event.CorrelationID != "" {
		env.Metadata[message.MetadataCorrelationID] = env.Event.CorrelationID
	}

	data, err := b.serializer.Serialize(env)
	if err != nil {
		return mq.Message{}, fmt.Errorf("cqrs/bus: %w", err)
	}

	return mq.Message{
		Topic:    env.Event.TopicName(),
		Payload:  data,
		Metadata: env.Metadata,
	}, nil
}

func (b *EventBus) broker(t Target) mq.Broker {
	if t == TargetLocal {
		return b.local
	}
	return b.remote
}
