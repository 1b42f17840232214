package mq

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Dispatcher keeps the local handlers of every subscribed topic and fans
// incoming messages out to them.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	counters *Counters
	opts     Options
}

func NewDispatcher(counters *Counters, opts Options) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]Handler),
		counters: counters,
		opts:     opts,
	}
}

// Add registers handler and reports whether it is the first one for topic.
func (d *Dispatcher) Add(topic string, handler Handler) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	first := len(d.handlers[topic]) == 0
	d.handlers[topic] = append(d.handlers[topic], handler)

	return first
}

// Remove drops every handler of topic and reports whether any existed.
func (d *Dispatcher) Remove(topic string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.handlers[topic]
	delete(d.handlers, topic)

	return ok
}

func (d *Dispatcher) Has(topic string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.handlers[topic]) > 0
}

// Topics returns subscribed topics in lexical order.
func (d *Dispatcher) Topics() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	topics := make([]string, 0, len(d.handlers))
	for topic := range d.handlers {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	return topics
}

// Dispatch runs all handlers of msg.Topic concurrently and waits for them.
// A failing or panicking handler is counted and reported, siblings are unaffected.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers[msg.Topic]...)
	d.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	d.counters.Received(ctx)

	var wg sync.WaitGroup
	wg.Add(len(handlers))

	for _, handler := range handlers {
		go func(h Handler) {
			defer wg.Done()

			if err := d.invoke(ctx, h, msg); err != nil {
				d.fail(ctx, msg.Topic, err)
			}
		}(handler)
	}

	wg.Wait()
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerPanicError{Topic: msg.Topic, Value: r}
		}
	}()

	return h(ctx, msg)
}

func (d *Dispatcher) fail(ctx context.Context, topic string, err error) {
	d.counters.Failed(ctx, err)

	d.opts.Logger.ErrorWithContext(ctx, "mq: handler failed",
		slog.String("topic", topic),
		slog.Any("error", err),
	)

	if d.opts.OnError != nil {
		d.opts.OnError(ctx, topic, err)
	}
}
