/*
Message Queue

Broker is the publish/subscribe transport used by the event bus. Two
implementations live in subpackages: memory (in-process, Watermill GoChannel)
and redis (Redis Pub/Sub behind the connection manager).
*/
package mq

import (
	"context"
)

// Message is a transport-level unit: a logical topic, opaque bytes and string metadata.
type Message struct {
	Topic    string
	Payload  []byte
	Metadata map[string]string
}

// Handler processes one delivered message.
type Handler func(ctx context.Context, msg Message) error

// Broker is the contract every transport implements.
//
// Connect and Disconnect are idempotent. Publish fails with ErrBrokerNotConnected
// until Connect succeeds. The first Subscribe to a topic creates the underlying
// subscription, later calls add handlers to it. Unsubscribe drops every handler
// of the topic and tears the subscription down.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	Publish(ctx context.Context, msg Message) error
	PublishBatch(ctx context.Context, msgs []Message) error

	Subscribe(ctx context.Context, topic string, handler Handler) error
	Unsubscribe(ctx context.Context, topic string) error

	Metrics() Metrics
}

// PublishSequential publishes msgs one by one and stops at the first error.
func PublishSequential(ctx context.Context, broker Broker, msgs []Message) error {
	for _, msg := range msgs {
		if err := broker.Publish(ctx, msg); err != nil {
			return err
		}
	}

	return nil
}
