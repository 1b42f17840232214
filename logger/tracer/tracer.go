package tracer

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HasSpan reports whether ctx carries a valid span context.
func HasSpan(ctx context.Context) bool {
	if ctx == nil {
		return false
	}

	return trace.SpanContextFromContext(ctx).IsValid()
}

// NewTraceFromContext records the log line as an event on the active span and
// returns fields extended with trace and span identifiers.
func NewTraceFromContext(
	ctx context.Context,
	msg string,
	tags []attribute.KeyValue,
	fields ...slog.Attr,
) []slog.Attr {
	if !HasSpan(ctx) {
		return fields
	}

	span := trace.SpanFromContext(ctx)
	spanCtx := span.SpanContext()

	attrs := FieldsToOpenTelemetry(fields...)
	attrs = append(attrs, tags...)
	span.AddEvent(msg, trace.WithAttributes(attrs...))

	result := make([]slog.Attr, 0, len(fields)+2)
	result = append(result, fields...)
	result = append(result,
		slog.String("traceID", spanCtx.TraceID().String()),
		slog.String("spanID", spanCtx.SpanID().String()),
	)

	return result
}

// FieldsToOpenTelemetry converts fields to OpenTelemetry attributes.
func FieldsToOpenTelemetry(fields ...slog.Attr) []attribute.KeyValue {
	if len(fields) == 0 {
		return nil
	}

	openTelemetryFields := make([]attribute.KeyValue, 0, len(fields))

	for _, field := range fields {
		if field.Key == "" {
			continue
		}

		value := field.Value.Resolve()
		switch value.Kind() {
		case slog.KindString:
			openTelemetryFields = append(openTelemetryFields, attribute.String(field.Key, value.String()))
		case slog.KindBool:
			openTelemetryFields = append(openTelemetryFields, attribute.Bool(field.Key, value.Bool()))
		case slog.KindInt64:
			openTelemetryFields = append(openTelemetryFields, attribute.Int64(field.Key, value.Int64()))
		case slog.KindFloat64:
			openTelemetryFields = append(openTelemetryFields, attribute.Float64(field.Key, value.Float64()))
		case slog.KindAny:
			if err, ok := value.Any().(error); ok {
				openTelemetryFields = append(openTelemetryFields, attribute.String(field.Key, err.Error()))
				continue
			}

			openTelemetryFields = append(openTelemetryFields, attribute.String(field.Key, fmt.Sprintf("%v", value.Any())))
		default:
			openTelemetryFields = append(openTelemetryFields, attribute.String(field.Key, value.String()))
		}
	}

	return openTelemetryFields
}
