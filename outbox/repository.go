package outbox

import (
	"context"
	"time"
)

// Repository persists outbox messages.
type Repository interface {
	// Add stores a new pending message. Durable implementations write inside
	// the transaction carried by ctx, if any.
	Add(ctx context.Context, msg *Message) error
	// Claim moves up to limit eligible messages, oldest first, to processing
	// and stamps ClaimedAt with now.
	Claim(ctx context.Context, limit int, now, staleBefore time.Time) ([]*Message, error)
	// Update persists the outcome of a delivery. It returns ErrMessageProcessed
	// for a message that is already processed.
	Update(ctx context.Context, msg *Message) error
	Get(ctx context.Context, id string) (*Message, error)
	// DeleteProcessed removes processed messages older than before.
	DeleteProcessed(ctx context.Context, before time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
