package bus

import (
	"context"
	"fmt"

	"github.com/shortlink-org/eventcore/cqrs/message"
)

// CommandHandler executes one command type. A returned *message.DomainEvent
// or []*message.DomainEvent is published when the bus has an EventPublisher.
type CommandHandler func(ctx context.Context, cmd message.Command) (any, error)

// EventPublisher is what CommandBus needs from EventBus.
type EventPublisher interface {
	Publish(ctx context.Context, event *message.DomainEvent) error
	PublishBatch(ctx context.Context, events []*message.DomainEvent) error
}

// CommandBus dispatches every command to exactly one handler.
type CommandBus struct {
	core   *pipeline
	events EventPublisher
}

// NewCommandBus builds an empty bus.
func NewCommandBus(opts ...Option) (*CommandBus, error) {
	o := applyOptions(opts)

	core, err := newPipeline("command", o)
	if err != nil {
		return nil, err
	}

	return &CommandBus{core: core, events: o.events}, nil
}

// Register binds commandType to h. A second registration is a DuplicateHandlerError.
func (b *CommandBus) Register(commandType string, h CommandHandler) error {
	if h == nil {
		return errNilHandler
	}

	return b.core.register(commandType, func(ctx context.Context, msg any) (any, error) {
		cmd, ok := msg.(message.Command)
		if !ok {
			return nil, fmt.Errorf("cqrs/bus: %T is not a command", msg)
		}
		return h(ctx, cmd)
	})
}

// Unregister removes the handler and validator of commandType.
func (b *CommandBus) Unregister(commandType string) bool {
	return b.core.unregister(commandType)
}

func (b *CommandBus) RegisterValidator(commandType string, v Validator) {
	b.core.registerValidator(commandType, v)
}

// Use appends middleware, they run in registration order.
func (b *CommandBus) Use(mws ...Middleware) {
	b.core.use(mws...)
}

func (b *CommandBus) Has(commandType string) bool {
	return b.core.has(commandType)
}

// Execute stamps the header, dispatches the command and publishes the
// returned events. The result is returned even if publishing fails.
func (b *CommandBus) Execute(ctx context.Context, cmd message.Command) (any, error) {
	if cmd == nil {
		return nil, errNilMessage
	}

	header := cmd.Meta()

	result, err := b.core.dispatch(ctx, cmd.CommandType(), header, cmd, hooks{})
	if err != nil {
		return nil, err
	}

	if err := b.publish(ctx, header, result); err != nil {
		return result, err
	}

	return result, nil
}

func (b *CommandBus) publish(ctx context.Context, header *message.Header, result any) error {
	if b.events == nil {
		return nil
	}

	var events []*message.DomainEvent

	switch v := result.(type) {
	case *message.DomainEvent:
		if v != nil {
			events = []*message.DomainEvent{v}
		}
	case []*message.DomainEvent:
		for _, event := range v {
			if event != nil {
				events = append(events, event)
			}
		}
	default:
		return nil
	}

	if len(events) == 0 {
		return nil
	}

	for _, event := range events {
		message.CausedBy(header)(event)
	}

	var err error
	if len(events) == 1 {
		err = b.events.Publish(ctx, events[0])
	} else {
		err = b.events.PublishBatch(ctx, events)
	}
	if err != nil {
		return fmt.Errorf("cqrs/bus: publish events of command: %w", err)
	}

	return nil
}

// HandleCommand registers a handler typed on the concrete command.
func HandleCommand[C message.Command](b *CommandBus, commandType string, h func(ctx context.Context, cmd C) (any, error)) error {
	if h == nil {
		return errNilHandler
	}

	return b.Register(commandType, func(ctx context.Context, cmd message.Command) (any, error) {
		typed, ok := cmd.(C)
		if !ok {
			return nil, fmt.Errorf("cqrs/bus: command %q has type %T", commandType, cmd)
		}
		return h(ctx, typed)
	})
}
