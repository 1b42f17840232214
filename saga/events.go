package saga

import (
	"context"
	"log/slog"

	"github.com/shortlink-org/eventcore/cqrs/message"
)

// Lifecycle event types.
const (
	EventStarted                = "saga-started"
	EventStepCompleted          = "saga-step-completed"
	EventStepFailed             = "saga-step-failed"
	EventStepCompensated        = "saga-step-compensated"
	EventStepCompensationFailed = "saga-step-compensation-failed"
	EventCompensated            = "saga-compensated"
	EventCompleted              = "saga-completed"
	EventFailed                 = "saga-failed"
)

// Publisher receives lifecycle events. EventBus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event *message.DomainEvent) error
}

// EventPayload is the payload of every lifecycle event.
type EventPayload struct {
	SagaID   string  `json:"sagaId"`
	SagaName string  `json:"sagaName"`
	State    State   `json:"state"`
	Step     string  `json:"step,omitempty"`
	Error    string  `json:"error,omitempty"`
	Context  Context `json:"context,omitempty"`
}

func (o *Orchestrator) emit(ctx context.Context, eventType string, inst *Instance, step string, err error) {
	if o.events == nil {
		return
	}

	payload := EventPayload{
		SagaID:   inst.ID,
		SagaName: inst.DefinitionName,
		State:    inst.State,
		Step:     step,
		Context:  inst.Context,
	}
	if err != nil {
		payload.Error = err.Error()
	}

	event, errEvent := message.NewEvent(eventType, payload,
		message.WithAggregateID(inst.ID),
		message.WithCorrelation(inst.ID, ""),
	)
	if errEvent == nil {
		errEvent = o.events.Publish(ctx, event)
	}

	if errEvent != nil {
		o.log.WarnWithContext(ctx, "saga: failed to publish lifecycle event",
			slog.String("saga_id", inst.ID),
			slog.String("event_type", eventType),
			slog.Any("error", errEvent),
		)
	}
}
