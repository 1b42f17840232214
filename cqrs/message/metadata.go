package message

import (
	"context"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var (
	metadataNamespace = func() string {
		ns := strings.TrimSpace(os.Getenv("EVENTCORE_METADATA_NAMESPACE"))
		if ns == "" {
			ns = "eventcore"
		}
		return strings.ToLower(ns)
	}()
	MetadataTraceID       = metadataKey("trace_id")
	MetadataSpanID        = metadataKey("span_id")
	MetadataServiceName   = metadataKey("service_name")
	MetadataEventType     = metadataKey("event_type")
	MetadataContentType   = metadataKey("content_type")
	MetadataOccurredAt    = metadataKey("occurred_at")
	MetadataCorrelationID = metadataKey("correlation_id")
)

func metadataKey(suffix string) string {
	return metadataNamespace + "." + suffix
}

type ctxKey string

const (
	serviceNameKey ctxKey = "eventcore.service_name_ctx"
)

// WithServiceName stores service name inside context for downstream metadata injection.
func WithServiceName(ctx context.Context, serviceName string) context.Context {
	if serviceName == "" {
		return ctx
	}
	return context.WithValue(ctx, serviceNameKey, serviceName)
}

// ServiceNameFromContext extracts service name used to enrich metadata.
func ServiceNameFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(serviceNameKey).(string); ok {
		return val
	}
	return ""
}

// SetTrace enriches metadata for event and propagates OTEL headers. The
// returned map is md, allocated when nil.
func SetTrace(ctx context.Context, md map[string]string, event *DomainEvent) map[string]string {
	if md == nil {
		md = make(map[string]string)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		md[MetadataTraceID] = spanCtx.TraceID().String()
		md[MetadataSpanID] = spanCtx.SpanID().String()
	}

	if service := ServiceNameFromContext(ctx); service != "" && md[MetadataServiceName] == "" {
		md[MetadataServiceName] = service
	}

	if event != nil {
		md[MetadataEventType] = event.EventType
		if event.CorrelationID != "" {
			md[MetadataCorrelationID] = event.CorrelationID
		}
	}

	if md[MetadataContentType] == "" {
		md[MetadataContentType] = "application/json"
	}

	if md[MetadataOccurredAt] == "" {
		md[MetadataOccurredAt] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(md))

	return md
}

// ContextFromMetadata restores the propagated trace context.
func ContextFromMetadata(ctx context.Context, md map[string]string) context.Context {
	if len(md) == 0 {
		return ctx
	}

	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(md))
}

// CopyMetadata duplicates metadata map into destination map.
func CopyMetadata(dst, src map[string]string) map[string]string {
	if src == nil {
		return dst
	}

	if dst == nil {
		dst = make(map[string]string, len(src))
	}

	for k, v := range src {
		dst[k] = v
	}

	return dst
}
