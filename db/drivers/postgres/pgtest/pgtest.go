//go:build integration

/*
Package pgtest starts a throwaway Postgres for integration tests.
*/
package pgtest

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/goleak"

	pgdriver "github.com/shortlink-org/eventcore/db/drivers/postgres"
)

// LeakOptions ignores the background goroutines of testcontainers and pgxpool.
func LeakOptions() []goleak.Option {
	return []goleak.Option{
		goleak.IgnoreTopFunction("github.com/testcontainers/testcontainers-go.(*Reaper).connect.func1"),
		goleak.IgnoreTopFunction("github.com/jackc/pgx/v5/pgxpool.(*Pool).backgroundHealthCheck"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	}
}

// Start runs a container and returns a connected driver store. Everything is
// released on test cleanup.
func Start(t *testing.T) *pgdriver.Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("eventcore"),
		postgres.WithUsername("eventcore"),
		postgres.WithPassword("eventcore"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, testcontainers.TerminateContainer(container))
	})

	uri, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store := pgdriver.New(pgdriver.Config{URI: uri}, nil, nil)
	require.NoError(t, store.Init(ctx))
	t.Cleanup(store.Close)

	return store
}

// Pool is Start for tests that only need the pool.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	return Start(t).Pool()
}
