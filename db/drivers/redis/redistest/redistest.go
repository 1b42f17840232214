//go:build integration

/*
Package redistest starts a throwaway Redis for integration tests.
*/
package redistest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/goleak"

	dbredis "github.com/shortlink-org/eventcore/db/drivers/redis"
)

// LeakOptions ignores the background goroutines of testcontainers.
func LeakOptions() []goleak.Option {
	return []goleak.Option{
		goleak.IgnoreTopFunction("github.com/testcontainers/testcontainers-go.(*Reaper).connect.func1"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	}
}

// Start runs a container and returns a ready store. Everything is released on
// test cleanup.
func Start(t *testing.T) *dbredis.Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:8-alpine")
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, testcontainers.TerminateContainer(container))
	})

	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	store := dbredis.New(dbredis.Config{
		Addr:        addr,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
		MaxRetries:  10,
		PingTimeout: time.Second,
	}, nil)
	require.NoError(t, store.Init(ctx))

	t.Cleanup(func() { require.NoError(t, store.Close()) })

	return store
}
