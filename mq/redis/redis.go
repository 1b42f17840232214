/*
Package redis is the distributed broker: Redis Pub/Sub reached through the
connection store of db/drivers/redis. Channels carry a prefix which is
stripped again before handlers see the topic.
*/
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"

	"github.com/shortlink-org/eventcore/config"
	"github.com/shortlink-org/eventcore/cqrs/message"
	dbredis "github.com/shortlink-org/eventcore/db/drivers/redis"
	"github.com/shortlink-org/eventcore/mq"
)

// frame is the wire form of a message on a Redis channel.
type frame struct {
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Broker is the Redis Pub/Sub implementation of mq.Broker.
type Broker struct {
	store  *dbredis.Store
	prefix string

	opts       mq.Options
	counters   *mq.Counters
	dispatcher *mq.Dispatcher

	mu        sync.Mutex
	connected bool
	subs      map[string]*goredis.PubSub
	wg        sync.WaitGroup
}

// ChannelPrefix reads MQ_REDIS_CHANNEL_PREFIX, lower-cased and without spaces.
func ChannelPrefix(cfg *config.Config) string {
	cfg.SetDefault("MQ_REDIS_CHANNEL_PREFIX", "eventcore:")

	return message.SanitizeTopic(cfg.GetString("MQ_REDIS_CHANNEL_PREFIX"))
}

// New creates a disconnected broker on top of store.
func New(store *dbredis.Store, prefix string, opts ...mq.Option) (*Broker, error) {
	o := mq.ApplyOptions(opts)

	counters, err := mq.NewCounters("redis", o.MeterProvider)
	if err != nil {
		return nil, err
	}

	return &Broker{
		store:      store,
		prefix:     prefix,
		opts:       o,
		counters:   counters,
		dispatcher: mq.NewDispatcher(counters, o),
		subs:       make(map[string]*goredis.PubSub),
	}, nil
}

// Connect initializes the store (a no-op when it is ready) and opens
// subscriptions for handlers registered earlier.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connected {
		return nil
	}

	if err := b.store.Init(ctx); err != nil {
		return fmt.Errorf("mq/redis: connect: %w", err)
	}

	for _, topic := range b.dispatcher.Topics() {
		if err := b.subscribeLocked(ctx, topic); err != nil {
			return err
		}
	}

	b.connected = true
	b.opts.Logger.Info("mq: redis broker connected")

	return nil
}

// Disconnect closes subscriptions. The store is shared and stays open.
func (b *Broker) Disconnect(_ context.Context) error {
	b.mu.Lock()

	if !b.connected {
		b.mu.Unlock()
		return nil
	}

	b.connected = false
	subs := b.subs
	b.subs = make(map[string]*goredis.PubSub)

	b.mu.Unlock()

	for topic, ps := range subs {
		if err := ps.Close(); err != nil {
			b.opts.Logger.Warn("mq: redis unsubscribe failed",
				slog.String("topic", topic),
				slog.Any("error", err),
			)
		}
	}

	b.wg.Wait()
	b.opts.Logger.Info("mq: redis broker disconnected")

	return nil
}

func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.connected
}

func (b *Broker) Publish(ctx context.Context, msg mq.Message) error {
	if !b.IsConnected() {
		return mq.ErrBrokerNotConnected
	}

	data, err := encode(msg)
	if err != nil {
		return err
	}

	err = b.store.Execute(ctx, func(ctx context.Context, client *goredis.Client) error {
		return client.Publish(ctx, b.prefix+msg.Topic, data).Err()
	})
	if err != nil {
		b.counters.Failed(ctx, err)
		return fmt.Errorf("mq/redis: publish to %s: %w", msg.Topic, err)
	}

	b.counters.Published(ctx, 1)

	return nil
}

// PublishBatch sends every message in one pipeline.
func (b *Broker) PublishBatch(ctx context.Context, msgs []mq.Message) error {
	if !b.IsConnected() {
		return mq.ErrBrokerNotConnected
	}
	if len(msgs) == 0 {
		return nil
	}

	frames := make([][]byte, len(msgs))
	for i, msg := range msgs {
		data, err := encode(msg)
		if err != nil {
			return err
		}
		frames[i] = data
	}

	err := b.store.Execute(ctx, func(ctx context.Context, client *goredis.Client) error {
		_, err := client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
			for i, msg := range msgs {
				pipe.Publish(ctx, b.prefix+msg.Topic, frames[i])
			}
			return nil
		})
		return err
	})
	if err != nil {
		b.counters.Failed(ctx, err)
		return fmt.Errorf("mq/redis: publish batch: %w", err)
	}

	b.counters.Published(ctx, len(msgs))

	return nil
}

func (b *Broker) Subscribe(ctx context.Context, topic string, handler mq.Handler) error {
	if topic == "" {
		return mq.ErrEmptyTopic
	}
	if handler == nil {
		return mq.ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.dispatcher.Add(topic, handler) || !b.connected {
		return nil
	}

	return b.subscribeLocked(ctx, topic)
}

func (b *Broker) subscribeLocked(ctx context.Context, topic string) error {
	client, err := b.store.Client()
	if err != nil {
		return fmt.Errorf("mq/redis: subscribe to %s: %w", topic, err)
	}

	ps := client.Subscribe(ctx, b.prefix+topic)

	// wait for the confirmation so nothing published after Subscribe returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("mq/redis: subscribe to %s: %w", topic, err)
	}

	b.subs[topic] = ps

	b.wg.Add(1)
	go b.consume(ps)

	b.opts.Logger.Debug("mq: redis subscription created", slog.String("topic", topic))

	return nil
}

func (b *Broker) consume(ps *goredis.PubSub) {
	defer b.wg.Done()

	for raw := range ps.Channel() {
		topic := strings.TrimPrefix(raw.Channel, b.prefix)
		ctx := context.Background()

		msg, err := decode(topic, raw.Payload)
		if err != nil {
			b.counters.Failed(ctx, err)
			b.opts.Logger.Error("mq: redis frame rejected",
				slog.String("topic", topic),
				slog.Any("error", err),
			)
			continue
		}

		b.dispatcher.Dispatch(ctx, msg)
	}
}

func (b *Broker) Unsubscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	ps, ok := b.subs[topic]
	delete(b.subs, topic)
	b.dispatcher.Remove(topic)
	b.mu.Unlock()

	if !ok {
		return nil
	}

	if err := ps.Close(); err != nil {
		return fmt.Errorf("mq/redis: unsubscribe from %s: %w", topic, err)
	}

	return nil
}

func (b *Broker) Metrics() mq.Metrics {
	return b.counters.Snapshot()
}

func encode(msg mq.Message) ([]byte, error) {
	if msg.Topic == "" {
		return nil, mq.ErrEmptyTopic
	}

	data, err := json.Marshal(frame{Metadata: msg.Metadata, Payload: msg.Payload})
	if err != nil {
		return nil, fmt.Errorf("mq/redis: encode frame: %w", err)
	}

	return data, nil
}

func decode(topic, payload string) (mq.Message, error) {
	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return mq.Message{}, fmt.Errorf("mq/redis: decode frame: %w", err)
	}

	return mq.Message{Topic: topic, Payload: f.Payload, Metadata: f.Metadata}, nil
}

var _ mq.Broker = (*Broker)(nil)
