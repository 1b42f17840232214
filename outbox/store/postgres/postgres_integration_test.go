//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shortlink-org/eventcore/db/drivers/postgres/pgtest"
	"github.com/shortlink-org/eventcore/outbox"
	"github.com/shortlink-org/eventcore/outbox/store/postgres"
	"github.com/shortlink-org/eventcore/uow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, pgtest.LeakOptions()...)
}

func TestOutbox_Postgres(t *testing.T) {
	ctx := context.Background()
	conn := pgtest.Start(t)

	repo, err := postgres.New(ctx, conn)
	require.NoError(t, err)

	_, err = conn.Pool().Exec(ctx, "CREATE TABLE orders (id TEXT PRIMARY KEY)")
	require.NoError(t, err)

	var attempts int
	box, err := outbox.New(repo, func(_ context.Context, msg *outbox.Message) error {
		attempts++
		if msg.AggregateID == "broken" {
			return errors.New("broker down")
		}

		return nil
	}, outbox.Config{MaxRetries: 2, DeliveryTimeout: time.Second, BatchSize: 10})
	require.NoError(t, err)

	t.Run("AtomicWithStateChange", func(t *testing.T) {
		var rolledBack string

		err := uow.Do(ctx, conn.Pool(), func(ctx context.Context) error {
			_, err := uow.FromContext(ctx).Exec(ctx, "INSERT INTO orders (id) VALUES ('o-1')")
			require.NoError(t, err)

			msg, err := box.AddMessage(ctx, "o-1", "order_created", map[string]string{"id": "o-1"})
			require.NoError(t, err)
			rolledBack = msg.ID

			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)

		_, err = box.Get(ctx, rolledBack)
		require.ErrorIs(t, err, outbox.ErrMessageNotFound)

		err = uow.Do(ctx, conn.Pool(), func(ctx context.Context) error {
			_, err := uow.FromContext(ctx).Exec(ctx, "INSERT INTO orders (id) VALUES ('o-1')")
			if err != nil {
				return err
			}

			_, err = box.AddMessage(ctx, "o-1", "order_created", map[string]string{"id": "o-1"})

			return err
		})
		require.NoError(t, err)

		stats, err := box.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Pending)
	})

	t.Run("DeliveryLifecycle", func(t *testing.T) {
		broken, err := box.AddMessage(ctx, "broken", "order_created", nil)
		require.NoError(t, err)

		for range 5 {
			_, err := box.ProcessBatch(ctx)
			require.NoError(t, err)
		}

		got, err := box.Get(ctx, broken.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusFailed, got.Status)
		assert.Equal(t, 3, got.RetryCount)

		stats, err := box.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, outbox.Stats{Processed: 1, Failed: 1}, stats)
		// o-1 once, broken three times
		assert.Equal(t, 4, attempts)
	})

	t.Run("ProcessedIsAbsorbing", func(t *testing.T) {
		processed, err := repo.CountByStatus(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), processed[outbox.StatusProcessed])

		claimed, err := repo.Claim(ctx, 10, time.Now(), time.Now())
		require.NoError(t, err)
		assert.Empty(t, claimed)

		msg, err := box.AddMessage(ctx, "o-2", "order_created", nil)
		require.NoError(t, err)
		_, err = box.ProcessBatch(ctx)
		require.NoError(t, err)

		got, err := box.Get(ctx, msg.ID)
		require.NoError(t, err)
		got.Status = outbox.StatusPending
		require.ErrorIs(t, repo.Update(ctx, got), outbox.ErrMessageProcessed)

		got.ID = "missing"
		require.ErrorIs(t, repo.Update(ctx, got), outbox.ErrMessageNotFound)
	})

	t.Run("DeleteProcessed", func(t *testing.T) {
		deleted, err := repo.DeleteProcessed(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)
	})
}
