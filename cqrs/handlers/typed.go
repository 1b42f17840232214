package handlers

import (
	"context"
	"fmt"

	"github.com/shortlink-org/eventcore/cqrs/message"
)

// Typed decodes the payload into T before calling fn.
func Typed[T any](fn func(ctx context.Context, payload T, event *message.DomainEvent) error) EventHandler {
	return func(ctx context.Context, event *message.DomainEvent) error {
		var payload T
		if err := event.DecodePayload(&payload); err != nil {
			return fmt.Errorf("%w of %s: %w", ErrDecodePayload, event.EventType, err)
		}

		return fn(ctx, payload, event)
	}
}
