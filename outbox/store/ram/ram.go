/*
Package ram - in-memory outbox repository, state is lost on restart.
*/
package ram

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shortlink-org/eventcore/outbox"
)

// Store implements outbox.Repository.
type Store struct {
	mu       sync.Mutex
	messages map[string]*outbox.Message
}

func New() *Store {
	return &Store{
		messages: make(map[string]*outbox.Message),
	}
}

func (s *Store) Add(_ context.Context, msg *outbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[msg.ID] = msg.Clone()

	return nil
}

func (s *Store) Claim(_ context.Context, limit int, now, staleBefore time.Time) ([]*outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*outbox.Message
	for _, msg := range s.messages {
		if msg.Eligible(staleBefore) {
			eligible = append(eligible, msg)
		}
	}

	slices.SortFunc(eligible, func(a, b *outbox.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return strings.Compare(a.ID, b.ID)
	})

	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]*outbox.Message, 0, len(eligible))
	for _, msg := range eligible {
		claimed := now
		msg.Status = outbox.StatusProcessing
		msg.ClaimedAt = &claimed
		out = append(out, msg.Clone())
	}

	return out, nil
}

func (s *Store) Update(_ context.Context, msg *outbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.messages[msg.ID]
	if !ok {
		return outbox.ErrMessageNotFound
	}
	if prev.Status == outbox.StatusProcessed {
		return outbox.ErrMessageProcessed
	}

	s.messages[msg.ID] = msg.Clone()

	return nil
}

func (s *Store) Get(_ context.Context, id string) (*outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, outbox.ErrMessageNotFound
	}

	return msg.Clone(), nil
}

func (s *Store) DeleteProcessed(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, msg := range s.messages {
		if msg.Status == outbox.StatusProcessed && msg.ProcessedAt != nil && msg.ProcessedAt.Before(before) {
			delete(s.messages, id)
			deleted++
		}
	}

	return deleted, nil
}

func (s *Store) CountByStatus(_ context.Context) (map[outbox.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[outbox.Status]int64)
	for _, msg := range s.messages {
		counts[msg.Status]++
	}

	return counts, nil
}
