package tracer_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/shortlink-org/eventcore/logger/tracer"
)

func setupTracer(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})

	return rec, tp
}

// valueOf fetches a value from returned fields (slog.Attr).
func valueOf(fields []slog.Attr, key string) (string, bool) {
	for _, field := range fields {
		if field.Key == key {
			return field.Value.String(), true
		}
	}

	return "", false
}

func TestNewTraceFromContext_ActiveSpan(t *testing.T) {
	rec, tp := setupTracer(t)

	ctx, root := tp.Tracer("test").Start(context.Background(), "root")

	fields := tracer.NewTraceFromContext(ctx, "boom", nil,
		slog.String("k", "v"),
		slog.Any("err", assert.AnError),
	)

	traceID, ok := valueOf(fields, "traceID")
	require.True(t, ok)
	assert.Equal(t, root.SpanContext().TraceID().String(), traceID)

	_, ok = valueOf(fields, "spanID")
	require.True(t, ok)

	root.End()

	spans := rec.Ended()
	require.Len(t, spans, 1, "must not create extra spans")

	events := spans[0].Events()
	require.Len(t, events, 1)
	assert.Equal(t, "boom", events[0].Name)
	assert.Contains(t, events[0].Attributes, attribute.String("k", "v"))
	assert.Contains(t, events[0].Attributes, attribute.String("err", assert.AnError.Error()))
}

func TestNewTraceFromContext_NoSpan(t *testing.T) {
	rec, _ := setupTracer(t)

	out := tracer.NewTraceFromContext(context.Background(), "hello", nil, slog.String("a", "b"))

	require.Empty(t, rec.Ended())
	assert.Equal(t, []slog.Attr{slog.String("a", "b")}, out)
	assert.False(t, tracer.HasSpan(context.Background()))
}

func TestFieldsToOpenTelemetry(t *testing.T) {
	attrs := tracer.FieldsToOpenTelemetry(
		slog.String("s", "x"),
		slog.Bool("b", true),
		slog.Int("i", 7),
		slog.Float64("f", 1.5),
		slog.Any("m", map[string]int{"a": 1}),
	)

	assert.Equal(t, []attribute.KeyValue{
		attribute.String("s", "x"),
		attribute.Bool("b", true),
		attribute.Int64("i", 7),
		attribute.Float64("f", 1.5),
		attribute.String("m", "map[a:1]"),
	}, attrs)
}
