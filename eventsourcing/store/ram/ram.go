/*
Package ram - in-memory event store. Retention is enforced lazily: an expired
stream or snapshot disappears on the next access.
*/
package ram

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/shortlink-org/eventcore/cqrs/message"
	"github.com/shortlink-org/eventcore/eventsourcing"
)

type ref struct {
	streamID string
	version  int64
}

type stream struct {
	events    []*message.EventEnvelope
	version   int64
	expiresAt time.Time
}

type snapshotEntry struct {
	snapshot  eventsourcing.Snapshot
	expiresAt time.Time
}

// Store implements eventsourcing.EventStore.
type Store struct {
	mu   sync.RWMutex
	opts eventsourcing.Options
	now  func() time.Time

	streams       map[string]*stream
	snapshots     map[string]snapshotEntry
	byType        map[string][]ref
	byCorrelation map[string][]ref
}

func New(opts eventsourcing.Options) *Store {
	return &Store{
		opts:          opts.WithDefaults(),
		now:           time.Now,
		streams:       make(map[string]*stream),
		snapshots:     make(map[string]snapshotEntry),
		byType:        make(map[string][]ref),
		byCorrelation: make(map[string][]ref),
	}
}

func (s *Store) Append(_ context.Context, event *message.DomainEvent, metadata map[string]string, opts ...eventsourcing.AppendOption) (*message.EventEnvelope, error) {
	if event == nil {
		return nil, eventsourcing.ErrNilEvent
	}

	o := eventsourcing.ApplyAppendOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	streamID := eventsourcing.ResolveStreamID(event)

	if o.ExpectedVersion != eventsourcing.AnyVersion {
		if current := s.versionLocked(streamID); current != o.ExpectedVersion {
			return nil, &eventsourcing.ConcurrencyError{StreamID: streamID, Expected: o.ExpectedVersion, Actual: current}
		}
	}

	env := s.appendLocked(streamID, event, metadata)

	return clone(env), nil
}

// AppendBatch appends every event under one lock.
func (s *Store) AppendBatch(_ context.Context, events []*message.DomainEvent, metadata map[string]string) ([]*message.EventEnvelope, error) {
	for _, event := range events {
		if event == nil {
			return nil, eventsourcing.ErrNilEvent
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*message.EventEnvelope, 0, len(events))
	for _, event := range events {
		env := s.appendLocked(eventsourcing.ResolveStreamID(event), event, metadata)
		out = append(out, clone(env))
	}

	return out, nil
}

func (s *Store) GetEvents(_ context.Context, streamID string, from, to int64) ([]*message.EventEnvelope, error) {
	if streamID == "" {
		return nil, eventsourcing.ErrEmptyStreamID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.streamLocked(streamID)
	if st == nil {
		return nil, nil
	}

	if from < 1 {
		from = 1
	}
	if to < 1 {
		to = st.version
	}

	var out []*message.EventEnvelope
	for _, env := range st.events {
		if env.Version >= from && env.Version <= to {
			out = append(out, clone(env))
		}
	}

	return out, nil
}

func (s *Store) GetEventsByType(_ context.Context, eventType string, limit int) ([]*message.EventEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.resolveLocked(s.byType[eventType], limit), nil
}

func (s *Store) GetEventsByCorrelationID(_ context.Context, correlationID string) ([]*message.EventEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.resolveLocked(s.byCorrelation[correlationID], 0), nil
}

func (s *Store) StreamVersion(_ context.Context, streamID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.versionLocked(streamID), nil
}

func (s *Store) SaveSnapshot(_ context.Context, snapshot *eventsourcing.Snapshot) error {
	if snapshot == nil || snapshot.AggregateID == "" {
		return eventsourcing.ErrEmptyStreamID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.saveSnapshotLocked(*snapshot)

	return nil
}

func (s *Store) GetSnapshot(_ context.Context, aggregateID string) (*eventsourcing.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.snapshots[aggregateID]
	if !ok {
		return nil, eventsourcing.ErrSnapshotNotFound
	}

	if s.now().After(entry.expiresAt) {
		delete(s.snapshots, aggregateID)
		return nil, eventsourcing.ErrSnapshotNotFound
	}

	snapshot := entry.snapshot

	return &snapshot, nil
}

func (s *Store) DeleteStream(_ context.Context, streamID string) error {
	if streamID == "" {
		return eventsourcing.ErrEmptyStreamID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropLocked(streamID)
	delete(s.snapshots, streamID)

	return nil
}

func (s *Store) appendLocked(streamID string, event *message.DomainEvent, metadata map[string]string) *message.EventEnvelope {
	now := s.now()
	event.Stamp(now)

	st := s.streamLocked(streamID)
	if st == nil {
		st = &stream{}
		s.streams[streamID] = st
	}

	st.version++
	st.expiresAt = now.Add(s.opts.Retention)

	stored := *event
	env := message.NewEnvelope(&stored, metadata)
	env.StreamID = streamID
	env.Version = st.version
	env.StoredAt = now.UTC()

	st.events = append(st.events, env)
	if s.opts.MaxLength > 0 && int64(len(st.events)) > s.opts.MaxLength {
		st.events = slices.Clone(st.events[int64(len(st.events))-s.opts.MaxLength:])
	}

	r := ref{streamID: streamID, version: env.Version}
	s.byType[event.EventType] = append(s.byType[event.EventType], r)
	if event.CorrelationID != "" {
		s.byCorrelation[event.CorrelationID] = append(s.byCorrelation[event.CorrelationID], r)
	}

	if s.opts.SnapshotDue(env.Version) {
		// a failing snapshotter only skips the automatic snapshot
		if snapshot, err := s.opts.BuildSnapshot(env); err == nil {
			s.saveSnapshotLocked(*snapshot)
		}
	}

	return env
}

func (s *Store) saveSnapshotLocked(snapshot eventsourcing.Snapshot) {
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = s.now().UTC()
	}

	s.snapshots[snapshot.AggregateID] = snapshotEntry{
		snapshot:  snapshot,
		expiresAt: s.now().Add(s.opts.Retention),
	}
}

// streamLocked returns the live stream or nil, dropping it when expired.
func (s *Store) streamLocked(streamID string) *stream {
	st, ok := s.streams[streamID]
	if !ok {
		return nil
	}

	if s.now().After(st.expiresAt) {
		s.dropLocked(streamID)
		return nil
	}

	return st
}

func (s *Store) versionLocked(streamID string) int64 {
	if st := s.streamLocked(streamID); st != nil {
		return st.version
	}

	return 0
}

func (s *Store) dropLocked(streamID string) {
	delete(s.streams, streamID)

	inStream := func(r ref) bool { return r.streamID == streamID }
	for key, refs := range s.byType {
		if refs = slices.DeleteFunc(refs, inStream); len(refs) == 0 {
			delete(s.byType, key)
		} else {
			s.byType[key] = refs
		}
	}
	for key, refs := range s.byCorrelation {
		if refs = slices.DeleteFunc(refs, inStream); len(refs) == 0 {
			delete(s.byCorrelation, key)
		} else {
			s.byCorrelation[key] = refs
		}
	}
}

// resolveLocked maps index refs to envelopes, skipping trimmed or expired ones.
func (s *Store) resolveLocked(refs []ref, limit int) []*message.EventEnvelope {
	var out []*message.EventEnvelope

	for _, r := range slices.Clone(refs) {
		if limit > 0 && len(out) >= limit {
			break
		}

		st := s.streamLocked(r.streamID)
		if st == nil || len(st.events) == 0 {
			continue
		}

		idx := r.version - st.events[0].Version
		if idx < 0 || idx >= int64(len(st.events)) {
			continue
		}

		out = append(out, clone(st.events[idx]))
	}

	return out
}

func clone(env *message.EventEnvelope) *message.EventEnvelope {
	event := *env.Event
	out := *env
	out.Event = &event
	out.Metadata = message.CopyMetadata(nil, env.Metadata)

	return &out
}
