/*
Package outbox delivers recorded state-change notifications at least once.
A background poller claims eligible messages in batches and hands each one to
the publish func, retrying failures until the retry budget is spent.
*/
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/encoding/json"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/shortlink-org/eventcore/logger"
)

// PublishFunc delivers a message. It must return an error on failure and be
// safe to call more than once for the same message.
type PublishFunc func(ctx context.Context, msg *Message) error

// Option configures an Outbox.
type Option func(*Outbox)

func WithLogger(log logger.Logger) Option {
	return func(o *Outbox) { o.log = log }
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *Outbox) { o.meterProvider = provider }
}

// BatchResult sums up one ProcessBatch call.
type BatchResult struct {
	Claimed   int
	Processed int
	Retried   int
	Failed    int
	// Unrecorded outcomes could not be written back. Those messages stay in
	// processing until their claim goes stale.
	Unrecorded int
}

// Stats is the queue depth by status.
type Stats struct {
	Pending    int64
	Processing int64
	Processed  int64
	Failed     int64
}

// Outbox polls a repository and publishes what it finds.
type Outbox struct {
	repo    Repository
	publish PublishFunc
	cfg     Config
	log     logger.Logger
	now     func() time.Time

	meterProvider metric.MeterProvider
	deliveries    metric.Int64Counter

	// batch serializes ProcessBatch
	batch sync.Mutex

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func New(repo Repository, publish PublishFunc, cfg Config, opts ...Option) (*Outbox, error) {
	if repo == nil {
		return nil, ErrNilRepository
	}
	if publish == nil {
		return nil, ErrNilPublisher
	}

	o := &Outbox{
		repo:    repo,
		publish: publish,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.log == nil {
		o.log = logger.NewNoop()
	}
	if o.meterProvider == nil {
		o.meterProvider = noop.NewMeterProvider()
	}

	deliveries, err := o.meterProvider.Meter("eventcore.outbox").Int64Counter("eventcore_outbox_deliveries_total",
		metric.WithDescription("Outbox delivery attempts, by outcome"))
	if err != nil {
		return nil, err
	}
	o.deliveries = deliveries

	return o, nil
}

// AddMessage records a pending message. payload is encoded to JSON unless it
// already is json.RawMessage or []byte.
func (o *Outbox) AddMessage(ctx context.Context, aggregateID, eventType string, payload any) (*Message, error) {
	if eventType == "" {
		return nil, ErrEmptyEventType
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("outbox: encode payload of %s: %w", eventType, err)
	}

	msg := &Message{
		ID:          uuid.NewString(),
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     raw,
		CreatedAt:   o.now().UTC(),
		MaxRetries:  o.cfg.MaxRetries,
		Status:      StatusPending,
	}

	if err := o.repo.Add(ctx, msg); err != nil {
		return nil, fmt.Errorf("outbox: add %s: %w", msg.ID, err)
	}

	return msg.Clone(), nil
}

// Start runs the poller until Stop. Polling begins immediately.
func (o *Outbox) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stop != nil {
		return ErrAlreadyStarted
	}

	o.stop = make(chan struct{})
	o.done = make(chan struct{})

	go o.loop(context.WithoutCancel(ctx), o.stop, o.done)

	o.log.Info("outbox: poller started",
		slog.Duration("poll_interval", o.cfg.PollInterval),
		slog.Int("batch_size", o.cfg.BatchSize),
	)

	return nil
}

// Stop halts the poller and waits for the in-flight batch, at most
// StopTimeout or until ctx is done. Deliveries are not interrupted.
func (o *Outbox) Stop(ctx context.Context) error {
	o.mu.Lock()
	stop, done := o.stop, o.done
	o.stop, o.done = nil, nil
	o.mu.Unlock()

	if stop == nil {
		return nil
	}

	close(stop)

	grace := time.NewTimer(o.cfg.StopTimeout)
	defer grace.Stop()

	select {
	case <-done:
		o.log.Info("outbox: poller stopped")
		return nil
	case <-grace.C:
		return ErrStopTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Outbox) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	poll := time.NewTicker(o.cfg.PollInterval)
	defer poll.Stop()

	cleanup := time.NewTicker(o.cfg.CleanupInterval)
	defer cleanup.Stop()

	o.poll(ctx)

	for {
		select {
		case <-stop:
			return
		case <-poll.C:
			o.poll(ctx)
		case <-cleanup.C:
			if _, err := o.Cleanup(ctx); err != nil {
				o.log.ErrorWithContext(ctx, "outbox: cleanup failed", slog.Any("error", err))
			}
		}
	}
}

func (o *Outbox) poll(ctx context.Context) {
	if _, err := o.ProcessBatch(ctx); err != nil {
		o.log.ErrorWithContext(ctx, "outbox: batch failed", slog.Any("error", err))
	}
}

// ProcessBatch claims one batch and delivers it in order. Delivery failures
// become message state, only repository errors are returned. A failed write
// of one outcome does not stop the rest of the batch.
func (o *Outbox) ProcessBatch(ctx context.Context) (BatchResult, error) {
	o.batch.Lock()
	defer o.batch.Unlock()

	var (
		result BatchResult
		errs   *multierror.Error
	)

	now := o.now().UTC()
	msgs, err := o.repo.Claim(ctx, o.cfg.BatchSize, now, now.Add(-o.cfg.DeliveryTimeout))
	if err != nil {
		return result, fmt.Errorf("outbox: claim: %w", err)
	}

	result.Claimed = len(msgs)

	for _, msg := range msgs {
		status, err := o.deliver(ctx, msg)
		if err != nil {
			result.Unrecorded++
			errs = multierror.Append(errs, err)

			o.log.ErrorWithContext(ctx, "outbox: record delivery outcome failed",
				slog.String("message_id", msg.ID),
				slog.String("status", string(status)),
				slog.Any("error", err),
			)

			continue
		}

		switch status {
		case StatusProcessed:
			result.Processed++
		case StatusPending:
			result.Retried++
		case StatusFailed:
			result.Failed++
		}
	}

	return result, errs.ErrorOrNil()
}

func (o *Outbox) deliver(ctx context.Context, msg *Message) (Status, error) {
	errPublish := o.call(ctx, msg)

	if errPublish == nil {
		at := o.now().UTC()
		msg.Status = StatusProcessed
		msg.ProcessedAt = &at
		msg.Error = ""
	} else {
		msg.RetryCount++

		deliveryErr := &DeliveryError{
			MessageID: msg.ID,
			EventType: msg.EventType,
			Attempt:   msg.RetryCount,
			Exhausted: msg.RetryCount > msg.MaxRetries,
			Err:       errPublish,
		}

		msg.Status = StatusPending
		if deliveryErr.Exhausted {
			msg.Status = StatusFailed
		}
		msg.Error = deliveryErr.Error()

		level := o.log.WarnWithContext
		if deliveryErr.Exhausted {
			level = o.log.ErrorWithContext
		}
		level(ctx, "outbox: delivery failed",
			slog.String("message_id", msg.ID),
			slog.String("event_type", msg.EventType),
			slog.Int("attempt", deliveryErr.Attempt),
			slog.Bool("exhausted", deliveryErr.Exhausted),
			slog.Any("error", errPublish),
		)
	}

	o.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", msg.EventType),
		attribute.String("status", string(msg.Status)),
	))

	if err := o.repo.Update(ctx, msg); err != nil {
		return msg.Status, fmt.Errorf("outbox: update %s: %w", msg.ID, err)
	}

	return msg.Status, nil
}

// call runs the publish func under the delivery timeout. A panic is a failure.
func (o *Outbox) call(ctx context.Context, msg *Message) (err error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.DeliveryTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("outbox: publish panicked: %v", r)
		}
	}()

	return o.publish(ctx, msg.Clone())
}

// Cleanup deletes processed messages older than the retention period.
func (o *Outbox) Cleanup(ctx context.Context) (int64, error) {
	return o.CleanupOlderThan(ctx, o.cfg.Retention)
}

// CleanupOlderThan deletes processed messages processed more than age ago.
func (o *Outbox) CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	if age < 0 {
		return 0, fmt.Errorf("outbox: cleanup: negative age %s", age)
	}

	deleted, err := o.repo.DeleteProcessed(ctx, o.now().UTC().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("outbox: cleanup: %w", err)
	}

	if deleted > 0 {
		o.log.InfoWithContext(ctx, "outbox: removed processed messages", slog.Int64("count", deleted))
	}

	return deleted, nil
}

func (o *Outbox) Get(ctx context.Context, id string) (*Message, error) {
	return o.repo.Get(ctx, id)
}

func (o *Outbox) Stats(ctx context.Context) (Stats, error) {
	counts, err := o.repo.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("outbox: stats: %w", err)
	}

	return Stats{
		Pending:    counts[StatusPending],
		Processing: counts[StatusProcessing],
		Processed:  counts[StatusProcessed],
		Failed:     counts[StatusFailed],
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		return append(json.RawMessage(nil), p...), nil
	default:
		return json.Marshal(payload)
	}
}
