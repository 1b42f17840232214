package mq

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/atomic"
)

// Metrics is a point-in-time copy of a broker's counters.
type Metrics struct {
	PublishedCount int64
	ReceivedCount  int64
	ErrorCount     int64
	LastError      error
}

// Counters tracks broker metrics per instance and mirrors them to OpenTelemetry.
type Counters struct {
	published atomic.Int64
	received  atomic.Int64
	errors    atomic.Int64
	lastError atomic.Error

	attrs          metric.MeasurementOption
	publishedTotal metric.Int64Counter
	receivedTotal  metric.Int64Counter
	errorsTotal    metric.Int64Counter
}

// NewCounters creates counters labelled with the broker name.
func NewCounters(broker string, provider metric.MeterProvider) (*Counters, error) {
	meter := provider.Meter("eventcore.mq")

	c := &Counters{
		attrs: metric.WithAttributes(attribute.String("broker", broker)),
	}

	var err error

	c.publishedTotal, err = meter.Int64Counter("eventcore_mq_published_total",
		metric.WithDescription("Messages published by the broker"))
	if err != nil {
		return nil, fmt.Errorf("mq: create published counter: %w", err)
	}

	c.receivedTotal, err = meter.Int64Counter("eventcore_mq_received_total",
		metric.WithDescription("Messages delivered to local handlers"))
	if err != nil {
		return nil, fmt.Errorf("mq: create received counter: %w", err)
	}

	c.errorsTotal, err = meter.Int64Counter("eventcore_mq_errors_total",
		metric.WithDescription("Publish and handler failures"))
	if err != nil {
		return nil, fmt.Errorf("mq: create errors counter: %w", err)
	}

	return c, nil
}

func (c *Counters) Published(ctx context.Context, n int) {
	c.published.Add(int64(n))
	c.publishedTotal.Add(ctx, int64(n), c.attrs)
}

func (c *Counters) Received(ctx context.Context) {
	c.received.Inc()
	c.receivedTotal.Add(ctx, 1, c.attrs)
}

func (c *Counters) Failed(ctx context.Context, err error) {
	c.errors.Inc()
	c.lastError.Store(err)
	c.errorsTotal.Add(ctx, 1, c.attrs)
}

// Snapshot copies the current values.
func (c *Counters) Snapshot() Metrics {
	return Metrics{
		PublishedCount: c.published.Load(),
		ReceivedCount:  c.received.Load(),
		ErrorCount:     c.errors.Load(),
		LastError:      c.lastError.Load(),
	}
}
