/*
Package memory is the in-process broker. Delivery goes through a Watermill
GoChannel, so handlers always run on a separate goroutine after Publish returns.
Nothing is persisted.
*/
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/shortlink-org/eventcore/mq"
	"github.com/shortlink-org/eventcore/watermill"
)

const defaultBufferSize = 256

// Broker is the in-process implementation of mq.Broker.
type Broker struct {
	opts       mq.Options
	counters   *mq.Counters
	dispatcher *mq.Dispatcher
	bufferSize int64

	mu     sync.Mutex
	pubsub *gochannel.GoChannel
	ctx    context.Context
	cancel context.CancelFunc
	subs   map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a disconnected broker.
func New(opts ...mq.Option) (*Broker, error) {
	o := mq.ApplyOptions(opts)

	counters, err := mq.NewCounters("memory", o.MeterProvider)
	if err != nil {
		return nil, err
	}

	return &Broker{
		opts:       o,
		counters:   counters,
		dispatcher: mq.NewDispatcher(counters, o),
		bufferSize: defaultBufferSize,
		subs:       make(map[string]context.CancelFunc),
	}, nil
}

func (b *Broker) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubsub != nil {
		return nil
	}

	b.pubsub = gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: b.bufferSize,
	}, watermill.NewWatermillLogger(b.opts.Logger))
	b.ctx, b.cancel = context.WithCancel(context.Background())

	// handlers registered before Connect get their subscription now
	for _, topic := range b.dispatcher.Topics() {
		if err := b.subscribeLocked(topic); err != nil {
			return err
		}
	}

	b.opts.Logger.Info("mq: memory broker connected")

	return nil
}

func (b *Broker) Disconnect(_ context.Context) error {
	b.mu.Lock()

	if b.pubsub == nil {
		b.mu.Unlock()
		return nil
	}

	pubsub := b.pubsub
	b.pubsub = nil
	b.cancel()
	b.subs = make(map[string]context.CancelFunc)

	b.mu.Unlock()

	err := pubsub.Close()
	b.wg.Wait()

	if err != nil {
		return fmt.Errorf("mq/memory: close: %w", err)
	}

	b.opts.Logger.Info("mq: memory broker disconnected")

	return nil
}

func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.pubsub != nil
}

func (b *Broker) Publish(ctx context.Context, msg mq.Message) error {
	return b.publish(ctx, []mq.Message{msg})
}

// PublishBatch publishes sequentially, preserving order.
func (b *Broker) PublishBatch(ctx context.Context, msgs []mq.Message) error {
	return b.publish(ctx, msgs)
}

func (b *Broker) publish(ctx context.Context, msgs []mq.Message) error {
	b.mu.Lock()
	pubsub := b.pubsub
	b.mu.Unlock()

	if pubsub == nil {
		return mq.ErrBrokerNotConnected
	}

	for _, msg := range msgs {
		if msg.Topic == "" {
			return mq.ErrEmptyTopic
		}

		if err := pubsub.Publish(msg.Topic, watermill.ToMessage(ctx, msg)); err != nil {
			b.counters.Failed(ctx, err)
			return fmt.Errorf("mq/memory: publish to %s: %w", msg.Topic, err)
		}

		b.counters.Published(ctx, 1)
	}

	return nil
}

func (b *Broker) Subscribe(_ context.Context, topic string, handler mq.Handler) error {
	if topic == "" {
		return mq.ErrEmptyTopic
	}
	if handler == nil {
		return mq.ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.dispatcher.Add(topic, handler) || b.pubsub == nil {
		return nil
	}

	return b.subscribeLocked(topic)
}

func (b *Broker) subscribeLocked(topic string) error {
	subCtx, cancel := context.WithCancel(b.ctx)

	messages, err := b.pubsub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return fmt.Errorf("mq/memory: subscribe to %s: %w", topic, err)
	}

	b.subs[topic] = cancel

	b.wg.Add(1)
	go b.consume(subCtx, topic, messages)

	b.opts.Logger.Debug("mq: memory subscription created", slog.String("topic", topic))

	return nil
}

func (b *Broker) consume(ctx context.Context, topic string, messages <-chan *message.Message) {
	defer b.wg.Done()

	for wmMsg := range messages {
		if ctx.Err() != nil {
			wmMsg.Ack()
			continue
		}

		msgCtx, msg := watermill.FromMessage(context.Background(), topic, wmMsg)
		b.dispatcher.Dispatch(msgCtx, msg)

		// failures were isolated and reported by the dispatcher
		wmMsg.Ack()
	}
}

func (b *Broker) Unsubscribe(_ context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dispatcher.Remove(topic)

	if cancel, ok := b.subs[topic]; ok {
		cancel()
		delete(b.subs, topic)
	}

	return nil
}

func (b *Broker) Metrics() mq.Metrics {
	return b.counters.Snapshot()
}

var _ mq.Broker = (*Broker)(nil)
