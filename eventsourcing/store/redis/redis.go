/*
Package redis - event store on Redis.

Every stream is a sorted set scored by version whose members are
"<version>|<envelope json>". Type and correlation indexes are sorted sets of
"<stream id>|<version>" scored by store time. Keys expire after the retention
period counted from the last append.
*/
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"

	"github.com/shortlink-org/eventcore/cqrs/message"
	dbredis "github.com/shortlink-org/eventcore/db/drivers/redis"
	"github.com/shortlink-org/eventcore/eventsourcing"
)

// DefaultPrefix namespaces every key of the store.
const DefaultPrefix = "eventcore:es:"

// Store implements eventsourcing.EventStore.
type Store struct {
	conn   *dbredis.Store
	prefix string
	opts   eventsourcing.Options
}

func New(conn *dbredis.Store, prefix string, opts eventsourcing.Options) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Store{
		conn:   conn,
		prefix: prefix,
		opts:   opts.WithDefaults(),
	}
}

func (s *Store) streamKey(id string) string     { return s.prefix + "stream:" + id }
func (s *Store) versionKey(id string) string    { return s.prefix + "version:" + id }
func (s *Store) typeKey(t string) string        { return s.prefix + "type:" + t }
func (s *Store) correlationKey(c string) string { return s.prefix + "correlation:" + c }
func (s *Store) snapshotKey(id string) string   { return s.prefix + "snapshot:" + id }

func (s *Store) Append(ctx context.Context, event *message.DomainEvent, metadata map[string]string, opts ...eventsourcing.AppendOption) (*message.EventEnvelope, error) {
	if event == nil {
		return nil, eventsourcing.ErrNilEvent
	}

	o := eventsourcing.ApplyAppendOptions(opts)

	env, keys, args, err := s.prepare(event, metadata, o.ExpectedVersion)
	if err != nil {
		return nil, err
	}

	var res []int64
	err = s.conn.Execute(ctx, func(ctx context.Context, client *goredis.Client) error {
		var errRun error
		res, errRun = appendScript.Run(ctx, client, keys, args...).Int64Slice()
		return errRun
	})
	if err != nil {
		return nil, fmt.Errorf("eventsourcing/redis: append to %s: %w", env.StreamID, err)
	}

	if res[0] < 0 {
		return nil, &eventsourcing.ConcurrencyError{StreamID: env.StreamID, Expected: o.ExpectedVersion, Actual: res[1]}
	}

	env.Version = res[0]
	s.autoSnapshot(ctx, env)

	return env, nil
}

// AppendBatch pipelines one script call per event.
func (s *Store) AppendBatch(ctx context.Context, events []*message.DomainEvent, metadata map[string]string) ([]*message.EventEnvelope, error) {
	envs := make([]*message.EventEnvelope, 0, len(events))
	keys := make([][]string, 0, len(events))
	args := make([][]any, 0, len(events))

	for _, event := range events {
		if event == nil {
			return nil, eventsourcing.ErrNilEvent
		}

		env, k, a, err := s.prepare(event, metadata, eventsourcing.AnyVersion)
		if err != nil {
			return nil, err
		}

		envs = append(envs, env)
		keys = append(keys, k)
		args = append(args, a)
	}

	if len(envs) == 0 {
		return envs, nil
	}

	cmds := make([]*goredis.Cmd, len(envs))
	err := s.conn.Execute(ctx, func(ctx context.Context, client *goredis.Client) error {
		// EVALSHA inside a pipeline cannot fall back, make sure the script is cached
		if err := appendScript.Load(ctx, client).Err(); err != nil {
			return err
		}

		_, err := client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
			for i := range envs {
				cmds[i] = appendScript.EvalSha(ctx, pipe, keys[i], args[i]...)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("eventsourcing/redis: append batch: %w", err)
	}

	for i, env := range envs {
		res, err := cmds[i].Int64Slice()
		if err != nil {
			return nil, fmt.Errorf("eventsourcing/redis: append batch: %w", err)
		}

		env.Version = res[0]
		s.autoSnapshot(ctx, env)
	}

	return envs, nil
}

func (s *Store) GetEvents(ctx context.Context, streamID string, from, to int64) ([]*message.EventEnvelope, error) {
	if streamID == "" {
		return nil, eventsourcing.ErrEmptyStreamID
	}

	if from < 1 {
		from = 1
	}

	maxScore := "+inf"
	if to > 0 {
		maxScore = strconv.FormatInt(to, 10)
	}

	var members []string
	err := s.conn.Execute(ctx, func(ctx context.Context, client *goredis.Client) error {
		var errRange error
		members, errRange = client.ZRangeByScore(ctx, s.streamKey(streamID), &goredis.ZRangeBy{
			Min: strconv.FormatInt(from, 10),
			Max: maxScore,
		}).Result()
		return errRange
	})
	if err != nil {
		return nil, fmt.Errorf("eventsourcing/redis: read %s: %w", streamID, err)
	}

	out := make([]*message.EventEnvelope, 0, len(members))
	for _, member := range members {
		env, err := decodeMember(member)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}

	return out, nil
}

func (s *Store) GetEventsByType(ctx context.Context, eventType string, limit int) ([]*message.EventEnvelope, error) {
	return s.readIndex(ctx, s.typeKey(eventType), limit, func(env *message.EventEnvelope) bool {
		return env.Event.EventType == eventType
	})
}

func (s *Store) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]*message.EventEnvelope, error) {
	return s.readIndex(ctx, s.correlationKey(correlationID), 0, func(env *message.EventEnvelope) bool {
		return env.Event.CorrelationID == correlationID
	})
}

func (s *Store) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	var version int64
	err := s.conn.Execute(ctx, func(ctx context.Context, client *goredis.Client) error {
		v, errGet := client.Get(ctx, s.versionKey(streamID)).Int64()
		if errors.Is(errGet, goredis.Nil) {
			return nil
		}
		version = v
		return errGet
	})
	if err != nil {
		return 0, fmt.Errorf("eventsourcing/redis: version of %s: %w", streamID, err)
	}

	return version, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snapshot *eventsourcing.Snapshot) error {
	if snapshot == nil || snapshot.AggregateID == "" {
		return eventsourcing.ErrEmptyStreamID
	}

	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("eventsourcing/redis: encode snapshot: %w", err)
	}

	err = s.conn.Execute(ctx, func(ctx context.Context, client *goredis.Client) error {
		return client.Set(ctx, s.snapshotKey(snapshot.AggregateID), data, s.opts.Retention).Err()
	})
	if err != nil {
		return fmt.Errorf("eventsourcing/redis: save snapshot of %s: %w", snapshot.AggregateID, err)
	}

	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, aggregateID string) (*eventsourcing.Snapshot, error) {
	var data []byte
	err := s.conn.Execute(ctx, func(ctx context.Context, client *goredis.Client) error {
		var errGet error
		data, errGet = client.Get(ctx, s.snapshotKey(aggregateID)).Bytes()
		return errGet
	})
	if errors.Is(err, goredis.Nil) {
		return nil, eventsourcing.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("eventsourcing/redis: read snapshot of %s: %w", aggregateID, err)
	}

	var snapshot eventsourcing.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("eventsourcing/redis: decode snapshot of %s: %w", aggregateID, err)
	}

	return &snapshot, nil
}

// DeleteStream reads the stream to find its index entries, then removes
// everything in one MULTI block.
func (s *Store) DeleteStream(ctx context.Context, streamID string) error {
	events, err := s.GetEvents(ctx, streamID, 0, 0)
	if err != nil {
		return err
	}

	err = s.conn.Execute(ctx, func(ctx context.Context, client *goredis.Client) error {
		_, errTx := client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			for _, env := range events {
				ref := indexRef(streamID, env.Version)
				pipe.ZRem(ctx, s.typeKey(env.Event.EventType), ref)
				if env.Event.CorrelationID != "" {
					pipe.ZRem(ctx, s.correlationKey(env.Event.CorrelationID), ref)
				}
			}
			pipe.Del(ctx, s.streamKey(streamID), s.versionKey(streamID), s.snapshotKey(streamID))
			return nil
		})
		return errTx
	})
	if err != nil {
		return fmt.Errorf("eventsourcing/redis: delete %s: %w", streamID, err)
	}

	return nil
}

func (s *Store) prepare(event *message.DomainEvent, metadata map[string]string, expected int64) (*message.EventEnvelope, []string, []any, error) {
	now := time.Now()
	event.Stamp(now)

	stored := *event
	env := message.NewEnvelope(&stored, metadata)
	env.StreamID = eventsourcing.ResolveStreamID(event)
	env.StoredAt = now.UTC()

	data, err := json.Marshal(env)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("eventsourcing/redis: encode envelope: %w", err)
	}

	keys := []string{s.streamKey(env.StreamID), s.versionKey(env.StreamID), s.typeKey(event.EventType)}
	if event.CorrelationID != "" {
		keys = append(keys, s.correlationKey(event.CorrelationID))
	}

	args := []any{
		expected,
		data,
		env.StoredAt.UnixMilli(),
		env.StreamID,
		s.opts.MaxLength,
		s.opts.Retention.Milliseconds(),
	}

	return env, keys, args, nil
}

// autoSnapshot is best effort, the append already succeeded.
func (s *Store) autoSnapshot(ctx context.Context, env *message.EventEnvelope) {
	if !s.opts.SnapshotDue(env.Version) {
		return
	}

	snapshot, err := s.opts.BuildSnapshot(env)
	if err != nil {
		return
	}

	_ = s.SaveSnapshot(ctx, snapshot) //nolint:errcheck // best effort
}

// readIndex resolves index references. match drops references that point at
// a recreated stream after the original entry was trimmed.
func (s *Store) readIndex(ctx context.Context, key string, limit int, match func(*message.EventEnvelope) bool) ([]*message.EventEnvelope, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	var refs []string
	err := s.conn.Execute(ctx, func(ctx context.Context, client *goredis.Client) error {
		var errRange error
		refs, errRange = client.ZRange(ctx, key, 0, stop).Result()
		return errRange
	})
	if err != nil {
		return nil, fmt.Errorf("eventsourcing/redis: read index %s: %w", key, err)
	}

	if len(refs) == 0 {
		return nil, nil
	}

	cmds := make([]*goredis.StringSliceCmd, len(refs))
	err = s.conn.Execute(ctx, func(ctx context.Context, client *goredis.Client) error {
		_, errPipe := client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
			for i, ref := range refs {
				streamID, version, ok := parseRef(ref)
				if !ok {
					continue
				}
				v := strconv.FormatInt(version, 10)
				cmds[i] = pipe.ZRangeByScore(ctx, s.streamKey(streamID), &goredis.ZRangeBy{Min: v, Max: v})
			}
			return nil
		})
		return errPipe
	})
	if err != nil {
		return nil, fmt.Errorf("eventsourcing/redis: read index %s: %w", key, err)
	}

	out := make([]*message.EventEnvelope, 0, len(refs))
	for _, cmd := range cmds {
		if cmd == nil {
			continue
		}

		members := cmd.Val()
		// trimmed or expired entries leave dangling references
		if len(members) == 0 {
			continue
		}

		env, err := decodeMember(members[0])
		if err != nil {
			return nil, err
		}
		if match(env) {
			out = append(out, env)
		}
	}

	return out, nil
}

func indexRef(streamID string, version int64) string {
	return streamID + "|" + strconv.FormatInt(version, 10)
}

func parseRef(ref string) (string, int64, bool) {
	idx := strings.LastIndexByte(ref, '|')
	if idx < 0 {
		return "", 0, false
	}

	version, err := strconv.ParseInt(ref[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}

	return ref[:idx], version, true
}

func decodeMember(member string) (*message.EventEnvelope, error) {
	raw, body, ok := strings.Cut(member, "|")
	if !ok {
		return nil, fmt.Errorf("eventsourcing/redis: malformed entry %q", member)
	}

	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("eventsourcing/redis: malformed version %q: %w", raw, err)
	}

	var env message.EventEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("eventsourcing/redis: decode entry: %w", err)
	}

	env.Version = version

	return &env, nil
}
