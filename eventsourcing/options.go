package eventsourcing

import (
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/shortlink-org/eventcore/config"
	"github.com/shortlink-org/eventcore/cqrs/message"
)

const (
	defaultSnapshotEvery = 100
	defaultRetention     = 30 * 24 * time.Hour
)

// AnyVersion disables the expected-version check.
const AnyVersion int64 = -1

// AppendOptions tune a single append.
type AppendOptions struct {
	// ExpectedVersion is the version the stream must be at before the append.
	// 0 means the stream must not exist yet.
	ExpectedVersion int64
}

type AppendOption func(*AppendOptions)

// WithExpectedVersion enables optimistic concurrency for the append.
func WithExpectedVersion(version int64) AppendOption {
	return func(o *AppendOptions) { o.ExpectedVersion = version }
}

// ApplyAppendOptions resolves opts, the default is AnyVersion.
func ApplyAppendOptions(opts []AppendOption) AppendOptions {
	o := AppendOptions{ExpectedVersion: AnyVersion}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Snapshotter builds the body of an automatic snapshot from the latest envelope.
type Snapshotter func(latest *message.EventEnvelope) (json.RawMessage, error)

// LatestPayload uses the payload of the latest event as the snapshot body. It
// is not a replayed aggregate state.
func LatestPayload(latest *message.EventEnvelope) (json.RawMessage, error) {
	return latest.Event.Payload, nil
}

// Options are shared by store implementations.
type Options struct {
	SnapshotEvery int64
	Retention     time.Duration
	MaxLength     int64
	Snapshotter   Snapshotter
}

// LoadOptions reads EVENT_STORE_* settings.
func LoadOptions(cfg *config.Config) Options {
	cfg.SetDefault("EVENT_STORE_SNAPSHOT_EVERY", defaultSnapshotEvery)
	cfg.SetDefault("EVENT_STORE_RETENTION", defaultRetention.String())
	cfg.SetDefault("EVENT_STORE_MAX_LENGTH", 0) // 0 - unbounded

	return Options{
		SnapshotEvery: int64(cfg.GetInt("EVENT_STORE_SNAPSHOT_EVERY")),
		Retention:     cfg.GetDuration("EVENT_STORE_RETENTION"),
		MaxLength:     int64(cfg.GetInt("EVENT_STORE_MAX_LENGTH")),
	}.WithDefaults()
}

// WithDefaults fills zero values.
func (o Options) WithDefaults() Options {
	if o.SnapshotEvery <= 0 {
		o.SnapshotEvery = defaultSnapshotEvery
	}
	if o.Retention <= 0 {
		o.Retention = defaultRetention
	}
	if o.Snapshotter == nil {
		o.Snapshotter = LatestPayload
	}
	return o
}

// SnapshotDue reports whether reaching version triggers an automatic snapshot.
func (o Options) SnapshotDue(version int64) bool {
	return o.SnapshotEvery > 0 && version > 0 && version%o.SnapshotEvery == 0
}

// BuildSnapshot makes the automatic snapshot for latest.
func (o Options) BuildSnapshot(latest *message.EventEnvelope) (*Snapshot, error) {
	data, err := o.Snapshotter(latest)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		AggregateID: latest.StreamID,
		Version:     latest.Version,
		Data:        data,
		Timestamp:   latest.StoredAt,
	}, nil
}
