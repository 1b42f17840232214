package watermill

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/shortlink-org/eventcore/mq"
)

const (
	MetaTraceID = "otel_trace_id"
	MetaSpanID  = "otel_span_id"
)

// InjectTrace writes OTEL span context into Watermill metadata.
func InjectTrace(ctx context.Context, msg *message.Message) {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return
	}

	msg.Metadata.Set(MetaTraceID, spanCtx.TraceID().String())
	msg.Metadata.Set(MetaSpanID, spanCtx.SpanID().String())
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Metadata))
	msg.SetContext(ctx)
}

// ExtractTrace builds ctx from message metadata. The propagator headers win,
// the raw ids are a fallback for producers without a configured propagator.
func ExtractTrace(parent context.Context, msg *message.Message) context.Context {
	ctx := otel.GetTextMapPropagator().Extract(parent, propagation.MapCarrier(msg.Metadata))
	if trace.SpanContextFromContext(ctx).IsValid() {
		return ctx
	}

	tid := msg.Metadata.Get(MetaTraceID)
	sid := msg.Metadata.Get(MetaSpanID)

	if tid == "" || sid == "" {
		return parent
	}

	traceID, err1 := trace.TraceIDFromHex(tid)
	spanID, err2 := trace.SpanIDFromHex(sid)
	if err1 != nil || err2 != nil {
		return parent
	}

	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})

	return trace.ContextWithRemoteSpanContext(parent, spanCtx)
}

// ToMessage converts a broker message into a Watermill message with trace metadata.
func ToMessage(ctx context.Context, msg mq.Message) *message.Message {
	wm := message.NewMessage(uuid.NewString(), msg.Payload)
	for k, v := range msg.Metadata {
		wm.Metadata.Set(k, v)
	}

	InjectTrace(ctx, wm)

	return wm
}

// FromMessage converts a delivered Watermill message back and restores its trace context.
func FromMessage(parent context.Context, topic string, wm *message.Message) (context.Context, mq.Message) {
	md := make(map[string]string, len(wm.Metadata))
	for k, v := range wm.Metadata {
		if k == MetaTraceID || k == MetaSpanID {
			continue
		}
		md[k] = v
	}

	payload := make([]byte, len(wm.Payload))
	copy(payload, wm.Payload)

	return ExtractTrace(parent, wm), mq.Message{
		Topic:    topic,
		Payload:  payload,
		Metadata: md,
	}
}
