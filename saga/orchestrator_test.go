package saga_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shortlink-org/eventcore/cqrs/message"
	"github.com/shortlink-org/eventcore/saga"
	"github.com/shortlink-org/eventcore/saga/store/ram"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	events []*message.DomainEvent
}

func (r *recorder) Publish(_ context.Context, event *message.DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)

	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}

	return out
}

func (r *recorder) last(t *testing.T) saga.EventPayload {
	t.Helper()

	r.mu.Lock()
	defer r.mu.Unlock()

	require.NotEmpty(t, r.events)

	var payload saga.EventPayload
	require.NoError(t, r.events[len(r.events)-1].DecodePayload(&payload))

	return payload
}

// journal records step calls in order.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(call string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.calls = append(j.calls, call)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	return append([]string(nil), j.calls...)
}

func step(j *journal, name string, execErr, compErr error) saga.Step {
	return saga.Step{
		Name: name,
		Execute: func(_ context.Context, _ saga.Context) (saga.Context, error) {
			j.add("execute:" + name)
			if execErr != nil {
				return nil, execErr
			}

			return saga.Context{name: "done"}, nil
		},
		Compensate: func(_ context.Context, _ saga.Context, _ error) error {
			j.add("compensate:" + name)
			return compErr
		},
	}
}

func newOrchestrator(t *testing.T, opts ...saga.Option) (*saga.Orchestrator, *recorder) {
	t.Helper()

	events := &recorder{}
	opts = append([]saga.Option{saga.WithRepository(ram.New()), saga.WithPublisher(events)}, opts...)

	o, err := saga.New(opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, o.Close(context.Background()))
	})

	return o, events
}

func run(t *testing.T, o *saga.Orchestrator, name string, initial saga.Context) *saga.Instance {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := o.Start(ctx, name, initial)
	require.NoError(t, err)

	inst, err := o.Wait(ctx, id)
	require.NoError(t, err)

	return inst
}

func TestOrchestrator_Completes(t *testing.T) {
	o, events := newOrchestrator(t)
	j := &journal{}

	require.NoError(t, o.Register(saga.Definition{
		Name:  "order",
		Steps: []saga.Step{step(j, "reserve", nil, nil), step(j, "charge", nil, nil), step(j, "ship", nil, nil)},
	}))

	inst := run(t, o, "order", saga.Context{"orderId": "42"})

	assert.Equal(t, saga.StateCompleted, inst.State)
	assert.NotNil(t, inst.CompletedAt)
	assert.Empty(t, inst.Error)
	assert.Equal(t, []string{"reserve", "charge", "ship"}, inst.CompletedSteps)
	assert.Equal(t, saga.Context{"orderId": "42", "reserve": "done", "charge": "done", "ship": "done"}, inst.Context)
	assert.Equal(t, []string{"execute:reserve", "execute:charge", "execute:ship"}, j.list())

	assert.Equal(t, []string{
		saga.EventStarted,
		saga.EventStepCompleted,
		saga.EventStepCompleted,
		saga.EventStepCompleted,
		saga.EventCompleted,
	}, events.types())
	assert.Equal(t, saga.StateCompleted, events.last(t).State)
}

func TestOrchestrator_CompensatesCompletedSteps(t *testing.T) {
	o, events := newOrchestrator(t)
	j := &journal{}
	cause := errors.New("card declined")

	var got error
	require.NoError(t, o.Register(saga.Definition{
		Name: "order",
		Steps: []saga.Step{
			{
				Name: "reserve",
				Execute: func(context.Context, saga.Context) (saga.Context, error) {
					j.add("execute:reserve")
					return saga.Context{"reservation": "r-1"}, nil
				},
				Compensate: func(_ context.Context, data saga.Context, err error) error {
					j.add("compensate:reserve")
					got = err
					assert.Equal(t, "r-1", data["reservation"])

					return nil
				},
			},
			step(j, "charge", cause, nil),
			step(j, "ship", nil, nil),
		},
	}))

	inst := run(t, o, "order", nil)

	assert.Equal(t, saga.StateCompensated, inst.State)
	assert.Equal(t, []string{"reserve"}, inst.CompletedSteps)
	assert.Equal(t, []string{"reserve"}, inst.CompensatedSteps)
	assert.Equal(t, 1, inst.CurrentStep)
	assert.Contains(t, inst.Error, "card declined")
	assert.Equal(t, []string{"execute:reserve", "execute:charge", "compensate:reserve"}, j.list())

	var stepErr *saga.StepError
	require.ErrorAs(t, got, &stepErr)
	assert.Equal(t, "charge", stepErr.Step)
	require.ErrorIs(t, got, cause)

	assert.Equal(t, []string{
		saga.EventStarted,
		saga.EventStepCompleted,
		saga.EventStepFailed,
		saga.EventStepCompensated,
		saga.EventCompensated,
	}, events.types())

	last := events.last(t)
	assert.Equal(t, saga.StateCompensated, last.State)
	assert.Contains(t, last.Error, "card declined")
}

func TestOrchestrator_CompensationIsBestEffort(t *testing.T) {
	var escalated *saga.CompensationError

	o, events := newOrchestrator(t, saga.WithEscalation(func(_ context.Context, _ *saga.Instance, err *saga.CompensationError) {
		escalated = err
	}))
	j := &journal{}
	broken := errors.New("refund service down")

	require.NoError(t, o.Register(saga.Definition{
		Name: "order",
		Steps: []saga.Step{
			step(j, "reserve", nil, nil),
			step(j, "charge", nil, broken),
			step(j, "ship", errors.New("no courier"), nil),
		},
	}))

	inst := run(t, o, "order", nil)

	assert.Equal(t, saga.StateCompensated, inst.State)
	assert.Equal(t, []string{"reserve"}, inst.CompensatedSteps)
	assert.Equal(t, []string{
		"execute:reserve", "execute:charge", "execute:ship",
		"compensate:charge", "compensate:reserve",
	}, j.list())

	assert.Contains(t, events.types(), saga.EventStepCompensationFailed)

	require.NotNil(t, escalated)
	require.Len(t, escalated.Errors, 1)
	require.ErrorIs(t, escalated, broken)
	assert.Equal(t, inst.ID, escalated.SagaID)
}

func TestOrchestrator_Timeout(t *testing.T) {
	o, _ := newOrchestrator(t)
	j := &journal{}

	require.NoError(t, o.Register(saga.Definition{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Steps: []saga.Step{
			step(j, "first", nil, nil),
			{
				Name: "wait",
				Execute: func(ctx context.Context, _ saga.Context) (saga.Context, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				},
			},
		},
	}))

	inst := run(t, o, "slow", nil)

	assert.Equal(t, saga.StateCompensated, inst.State)
	assert.Contains(t, inst.Error, saga.ErrSagaTimeout.Error())
	assert.Equal(t, []string{"execute:first", "compensate:first"}, j.list())
}

func TestOrchestrator_PanicIsStepFailure(t *testing.T) {
	o, _ := newOrchestrator(t)
	j := &journal{}

	require.NoError(t, o.Register(saga.Definition{
		Name: "order",
		Steps: []saga.Step{
			step(j, "reserve", nil, nil),
			{
				Name: "boom",
				Execute: func(context.Context, saga.Context) (saga.Context, error) {
					panic("unexpected")
				},
			},
		},
	}))

	inst := run(t, o, "order", nil)

	assert.Equal(t, saga.StateCompensated, inst.State)
	assert.Contains(t, inst.Error, "unexpected")
	assert.Equal(t, []string{"execute:reserve", "compensate:reserve"}, j.list())
}

// flakyRepo refuses to persist the RUNNING transition.
type flakyRepo struct {
	*ram.Store
}

func (r flakyRepo) Save(ctx context.Context, inst *saga.Instance) error {
	if inst.State == saga.StateRunning {
		return errors.New("connection lost")
	}

	return r.Store.Save(ctx, inst)
}

func TestOrchestrator_RepositoryFailureFails(t *testing.T) {
	events := &recorder{}
	o, err := saga.New(saga.WithRepository(flakyRepo{ram.New()}), saga.WithPublisher(events))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, o.Close(context.Background())) })

	j := &journal{}
	require.NoError(t, o.Register(saga.Definition{Name: "order", Steps: []saga.Step{step(j, "reserve", nil, nil)}}))

	inst := run(t, o, "order", nil)

	assert.Equal(t, saga.StateFailed, inst.State)
	assert.Contains(t, inst.Error, "connection lost")
	assert.Empty(t, j.list())
	assert.Equal(t, []string{saga.EventFailed}, events.types())

	failed, err := o.List(context.Background(), saga.StateFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, inst.ID, failed[0].ID)
}

func TestOrchestrator_StartIsAsync(t *testing.T) {
	o, _ := newOrchestrator(t)
	release := make(chan struct{})

	require.NoError(t, o.Register(saga.Definition{
		Name: "gated",
		Steps: []saga.Step{{
			Name: "gate",
			Execute: func(context.Context, saga.Context) (saga.Context, error) {
				<-release
				return nil, nil
			},
		}},
	}))

	ctx := context.Background()
	id, err := o.Start(ctx, "gated", nil)
	require.NoError(t, err)

	inst, err := o.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, inst.State.Terminal())

	close(release)

	inst, err = o.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompleted, inst.State)
}

func TestOrchestrator_Registration(t *testing.T) {
	o, _ := newOrchestrator(t)
	j := &journal{}
	def := saga.Definition{Name: "order", Steps: []saga.Step{step(j, "reserve", nil, nil)}}

	require.NoError(t, o.Register(def))
	require.ErrorIs(t, o.Register(def), saga.ErrDuplicateSaga)

	require.ErrorIs(t, o.Register(saga.Definition{Name: "empty"}), saga.ErrInvalidDefinition)
	require.ErrorIs(t, o.Register(saga.Definition{
		Name:  "dup",
		Steps: []saga.Step{step(j, "a", nil, nil), step(j, "a", nil, nil)},
	}), saga.ErrInvalidDefinition)
	require.ErrorIs(t, o.Register(saga.Definition{
		Name:  "noexec",
		Steps: []saga.Step{{Name: "a"}},
	}), saga.ErrInvalidDefinition)

	_, err := o.Start(context.Background(), "unknown", nil)
	require.ErrorIs(t, err, saga.ErrSagaNotFound)
}

func TestOrchestrator_Close(t *testing.T) {
	o, err := saga.New(saga.WithRepository(ram.New()))
	require.NoError(t, err)

	j := &journal{}
	require.NoError(t, o.Register(saga.Definition{Name: "order", Steps: []saga.Step{step(j, "reserve", nil, nil)}}))

	require.NoError(t, o.Close(context.Background()))

	_, err = o.Start(context.Background(), "order", nil)
	require.ErrorIs(t, err, saga.ErrOrchestratorClosed)
}

func TestNew_RequiresRepository(t *testing.T) {
	_, err := saga.New()
	require.ErrorIs(t, err, saga.ErrNoRepository)
}
