package saga

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// runStep executes a step and records the outcome as events on the saga span.
// A panic counts as a step failure.
func runStep(ctx context.Context, step Step, data Context) (partial Context, err error) {
	// add event to parent saga span instead of creating a new span
	span := trace.SpanFromContext(ctx)
	addEvent(span, "saga.step", step.Name, "run", nil)

	defer func() {
		if r := recover(); r != nil {
			partial, err = nil, fmt.Errorf("%w: %v", ErrStepPanic, r)
		}

		if err != nil {
			span.RecordError(err)
			addEvent(span, "saga.step.error", step.Name, "reject", err)

			return
		}

		addEvent(span, "saga.step.done", step.Name, "done", nil)
	}()

	return step.Execute(ctx, data)
}

// compensateStep undoes a completed step. A step without a compensate func
// has nothing to undo.
func compensateStep(ctx context.Context, step Step, data Context, cause error) (err error) {
	span := trace.SpanFromContext(ctx)
	addEvent(span, "saga.step.reject", step.Name, "reject", nil)

	if step.Compensate == nil {
		addEvent(span, "saga.step.rollback", step.Name, "rollback", nil)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrStepPanic, r)
		}

		if err != nil {
			span.RecordError(err)
			addEvent(span, "saga.step.reject.error", step.Name, "fail", err)

			return
		}

		addEvent(span, "saga.step.rollback", step.Name, "rollback", nil)
	}()

	return step.Compensate(ctx, data, cause)
}

func addEvent(span trace.Span, name, step, status string, err error) {
	if !span.SpanContext().IsValid() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("step", step),
		attribute.String("status", status),
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error", err.Error()))
	}

	span.AddEvent(name, trace.WithAttributes(attrs...))
}
