//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shortlink-org/eventcore/db/drivers/postgres/pgtest"
	"github.com/shortlink-org/eventcore/saga"
	"github.com/shortlink-org/eventcore/saga/store/postgres"
	"github.com/shortlink-org/eventcore/saga/store/ram"
	"github.com/shortlink-org/eventcore/uow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, pgtest.LeakOptions()...)
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	conn := pgtest.Start(t)

	store, err := postgres.New(ctx, conn)
	require.NoError(t, err)

	started := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("SaveGet", func(t *testing.T) {
		inst := &saga.Instance{
			ID:             "order-1",
			DefinitionName: "order",
			State:          saga.StateRunning,
			CurrentStep:    1,
			Context:        saga.Context{"orderId": "42"},
			CompletedSteps: []string{"reserve"},
			StartedAt:      started,
		}
		require.NoError(t, store.Save(ctx, inst))

		got, err := store.Get(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, saga.StateRunning, got.State)
		assert.Equal(t, 1, got.CurrentStep)
		assert.Equal(t, "42", got.Context["orderId"])
		assert.Equal(t, []string{"reserve"}, got.CompletedSteps)
		assert.Empty(t, got.CompensatedSteps)
		assert.True(t, started.Equal(got.StartedAt))
		assert.Nil(t, got.CompletedAt)

		_, err = store.Get(ctx, "missing")
		require.ErrorIs(t, err, saga.ErrInstanceNotFound)
	})

	t.Run("TerminalIsImmutable", func(t *testing.T) {
		done := started.Add(time.Second)
		inst := &saga.Instance{
			ID:             "order-2",
			DefinitionName: "order",
			State:          saga.StateCompensated,
			Context:        saga.Context{},
			StartedAt:      started,
			CompletedAt:    &done,
			Error:          "card declined",
		}
		require.NoError(t, store.Save(ctx, inst))

		inst.State = saga.StateRunning
		require.ErrorIs(t, store.Save(ctx, inst), saga.ErrInstanceTerminal)

		got, err := store.Get(ctx, "order-2")
		require.NoError(t, err)
		assert.Equal(t, saga.StateCompensated, got.State)
		assert.Equal(t, "card declined", got.Error)
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("ListByState", func(t *testing.T) {
		list, err := store.ListByState(ctx, saga.StateCompensated)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "order-2", list[0].ID)
	})

	t.Run("JoinsTransaction", func(t *testing.T) {
		inst := &saga.Instance{ID: "order-3", DefinitionName: "order", State: saga.StatePending, StartedAt: started}

		err := uow.Do(ctx, conn.Pool(), func(ctx context.Context) error {
			require.NoError(t, store.Save(ctx, inst))
			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)

		_, err = store.Get(ctx, "order-3")
		require.ErrorIs(t, err, saga.ErrInstanceNotFound)
	})
}

func TestOrchestrator_WithPostgres(t *testing.T) {
	ctx := context.Background()

	store, err := postgres.New(ctx, pgtest.Start(t))
	require.NoError(t, err)

	o, err := saga.New(saga.WithRepository(store))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, o.Close(ctx)) })

	require.NoError(t, o.Register(saga.Definition{
		Name: "order",
		Steps: []saga.Step{{
			Name: "reserve",
			Execute: func(context.Context, saga.Context) (saga.Context, error) {
				return saga.Context{"reservation": "r-1"}, nil
			},
		}},
	}))

	id, err := o.Start(ctx, "order", saga.Context{"orderId": "42"})
	require.NoError(t, err)

	inst, err := o.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompleted, inst.State)
	assert.Equal(t, "r-1", inst.Context["reservation"])
}

var _ saga.Repository = (*postgres.Store)(nil)
var _ saga.Repository = (*ram.Store)(nil)
