/*
Package saga runs named multi-step workflows. Steps of one instance run
strictly in order; when a step fails the completed steps are compensated in
reverse order, best effort. Instances run in the background and their outcome
is persisted state, never an error returned to the caller of Start.
*/
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/shortlink-org/eventcore/logger"
)

// Orchestrator registers definitions and drives their instances.
type Orchestrator struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	running     map[string]chan struct{}
	closed      bool
	wg          sync.WaitGroup

	repo     Repository
	events   Publisher
	log      logger.Logger
	tracer   trace.Tracer
	escalate EscalationFunc
	now      func() time.Time

	finished metric.Int64Counter
	duration metric.Float64Histogram
}

func New(opts ...Option) (*Orchestrator, error) {
	o := applyOptions(opts)
	if o.repo == nil {
		return nil, ErrNoRepository
	}

	meter := o.meterProvider.Meter("eventcore.saga")

	finished, err := meter.Int64Counter("eventcore_saga_finished_total",
		metric.WithDescription("Saga instances that reached a terminal state, by saga and state"))
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("eventcore_saga_duration_seconds",
		metric.WithDescription("Time from start to terminal state of a saga instance"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		definitions: make(map[string]*Definition),
		running:     make(map[string]chan struct{}),
		repo:        o.repo,
		events:      o.events,
		log:         o.log,
		tracer:      o.tracerProvider.Tracer("eventcore.saga"),
		escalate:    o.escalate,
		now:         time.Now,
		finished:    finished,
		duration:    duration,
	}, nil
}

// Register adds a definition. Names are unique.
func (o *Orchestrator) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.definitions[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSaga, def.Name)
	}

	o.definitions[def.Name] = &def

	return nil
}

// Start persists a PENDING instance and runs it in the background. The run is
// detached from ctx cancellation but keeps its values, trace included.
func (o *Orchestrator) Start(ctx context.Context, name string, initial Context) (string, error) {
	o.mu.RLock()
	def, ok := o.definitions[name]
	closed := o.closed
	o.mu.RUnlock()

	if closed {
		return "", ErrOrchestratorClosed
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSagaNotFound, name)
	}

	inst := &Instance{
		ID:             uuid.NewString(),
		DefinitionName: def.Name,
		State:          StatePending,
		Context:        initial.Clone(),
		CompletedSteps: []string{},
		StartedAt:      o.now().UTC(),
	}

	if err := o.repo.Save(ctx, inst.Clone()); err != nil {
		return "", fmt.Errorf("saga: save instance %s: %w", inst.ID, err)
	}

	done := make(chan struct{})

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrOrchestratorClosed
	}
	o.running[inst.ID] = done
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.running, inst.ID)
			o.mu.Unlock()
			close(done)
		}()

		o.run(context.WithoutCancel(ctx), def, inst)
	}()

	return inst.ID, nil
}

// Get returns the persisted instance.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Instance, error) {
	return o.repo.Get(ctx, id)
}

// List returns the persisted instances in state.
func (o *Orchestrator) List(ctx context.Context, state State) ([]*Instance, error) {
	return o.repo.ListByState(ctx, state)
}

// Wait blocks until the instance started by this orchestrator stops running,
// then returns its persisted state.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*Instance, error) {
	o.mu.RLock()
	done, ok := o.running[id]
	o.mu.RUnlock()

	if ok {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return o.repo.Get(ctx, id)
}

// Close refuses new instances and waits for the running ones or ctx.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drives one instance to a terminal state. base carries no deadline,
// persistence and compensation use it so they still work after a timeout.
func (o *Orchestrator) run(base context.Context, def *Definition, inst *Instance) {
	base, span := o.tracer.Start(base, "saga."+def.Name, trace.WithAttributes(
		attribute.String("saga.id", inst.ID),
		attribute.String("saga.name", def.Name),
	))
	defer span.End()

	ctx := base
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, def.Timeout)
		defer cancel()
	}

	inst.State = StateRunning
	if err := o.save(base, inst); err != nil {
		o.fail(base, inst, err)
		return
	}
	o.emit(base, EventStarted, inst, "", nil)

	var stepErr *StepError

	for i, step := range def.Steps {
		inst.CurrentStep = i

		if err := ctx.Err(); err != nil {
			stepErr = o.stepError(inst, step.Name, i, timeoutCause(err))
			break
		}

		partial, err := runStep(ctx, step, inst.Context.Clone())
		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("%w: %w", timeoutCause(ctx.Err()), err)
			}
			stepErr = o.stepError(inst, step.Name, i, err)

			break
		}

		inst.Context.Merge(partial)
		inst.CompletedSteps = append(inst.CompletedSteps, step.Name)

		if err := o.save(base, inst); err != nil {
			o.fail(base, inst, err)
			return
		}
		o.emit(base, EventStepCompleted, inst, step.Name, nil)
	}

	if stepErr == nil {
		inst.finish(StateCompleted, o.now())
		if err := o.save(base, inst); err != nil {
			o.fail(base, inst, err)
			return
		}

		o.emit(base, EventCompleted, inst, "", nil)
		o.record(base, inst)
		o.log.InfoWithContext(base, "saga: completed",
			slog.String("saga_id", inst.ID),
			slog.String("saga", def.Name),
		)

		return
	}

	span.RecordError(stepErr)
	span.SetStatus(codes.Error, stepErr.Error())

	inst.Error = stepErr.Error()
	o.log.WarnWithContext(base, "saga: step failed, compensating",
		slog.String("saga_id", inst.ID),
		slog.String("saga", def.Name),
		slog.String("step", stepErr.Step),
		slog.Any("error", stepErr.Err),
	)
	o.emit(base, EventStepFailed, inst, stepErr.Step, stepErr)

	o.compensate(base, def, inst, stepErr)
}

// compensate replays the completed steps in reverse. A failed compensation is
// recorded and the rollback goes on.
func (o *Orchestrator) compensate(ctx context.Context, def *Definition, inst *Instance, cause *StepError) {
	inst.State = StateCompensating
	if err := o.save(ctx, inst); err != nil {
		o.fail(ctx, inst, err)
		return
	}

	var errs *multierror.Error

	for i := len(inst.CompletedSteps) - 1; i >= 0; i-- {
		name := inst.CompletedSteps[i]

		step, ok := def.step(name)
		if !ok {
			continue
		}

		if err := compensateStep(ctx, step, inst.Context.Clone(), cause); err != nil {
			errs = multierror.Append(errs, o.stepError(inst, name, i, err))
			o.log.ErrorWithContext(ctx, "saga: compensation failed",
				slog.String("saga_id", inst.ID),
				slog.String("saga", def.Name),
				slog.String("step", name),
				slog.Any("error", err),
			)
			o.emit(ctx, EventStepCompensationFailed, inst, name, err)

			continue
		}

		inst.CompensatedSteps = append(inst.CompensatedSteps, name)
		o.emit(ctx, EventStepCompensated, inst, name, nil)
	}

	inst.finish(StateCompensated, o.now())
	if err := o.save(ctx, inst); err != nil {
		o.fail(ctx, inst, err)
		return
	}

	o.emit(ctx, EventCompensated, inst, cause.Step, cause)
	o.record(ctx, inst)

	if errs.ErrorOrNil() == nil {
		return
	}

	compErr := &CompensationError{
		SagaID: inst.ID,
		Saga:   def.Name,
		Cause:  cause,
		Errors: errs.Errors,
	}

	o.log.ErrorWithContext(ctx, "saga: rollback left uncompensated steps",
		slog.String("saga_id", inst.ID),
		slog.String("saga", def.Name),
		slog.Any("error", compErr),
	)

	if o.escalate != nil {
		o.escalate(ctx, inst.Clone(), compErr)
	}
}

// fail moves the instance to FAILED after an orchestration error, not a step failure.
func (o *Orchestrator) fail(ctx context.Context, inst *Instance, cause error) {
	inst.Error = cause.Error()
	inst.finish(StateFailed, o.now())

	o.log.ErrorWithContext(ctx, "saga: orchestration failed",
		slog.String("saga_id", inst.ID),
		slog.String("saga", inst.DefinitionName),
		slog.Any("error", cause),
	)

	if err := o.save(ctx, inst); err != nil {
		o.log.ErrorWithContext(ctx, "saga: failed to persist FAILED state",
			slog.String("saga_id", inst.ID),
			slog.Any("error", err),
		)
	}

	o.emit(ctx, EventFailed, inst, "", cause)
	o.record(ctx, inst)
}

func (o *Orchestrator) save(ctx context.Context, inst *Instance) error {
	if err := o.repo.Save(ctx, inst.Clone()); err != nil {
		return fmt.Errorf("saga: save instance %s in state %s: %w", inst.ID, inst.State, err)
	}

	return nil
}

func (o *Orchestrator) record(ctx context.Context, inst *Instance) {
	attrs := metric.WithAttributes(
		attribute.String("saga", inst.DefinitionName),
		attribute.String("state", inst.State.String()),
	)

	o.finished.Add(ctx, 1, attrs)
	o.duration.Record(ctx, o.now().Sub(inst.StartedAt).Seconds(), attrs)
}

func (o *Orchestrator) stepError(inst *Instance, step string, index int, err error) *StepError {
	return &StepError{
		SagaID: inst.ID,
		Saga:   inst.DefinitionName,
		Step:   step,
		Index:  index,
		Err:    err,
	}
}

func timeoutCause(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrSagaTimeout
	}

	return err
}
