//go:build integration

package migrate_test

import (
	"context"
	"embed"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shortlink-org/eventcore/db/drivers/postgres/migrate"
	"github.com/shortlink-org/eventcore/db/drivers/postgres/pgtest"
)

//go:embed fixtures/migrations/*.sql
var fixturesFS embed.FS

func fixtures(t *testing.T) fs.FS {
	t.Helper()

	sub, err := fs.Sub(fixturesFS, "fixtures")
	require.NoError(t, err)

	return sub
}

func TestMigration_AppliesOnce(t *testing.T) {
	store := pgtest.Start(t)
	ctx := context.Background()

	require.NoError(t, migrate.Migration(ctx, store, fixtures(t), "test-users"))
	// second run is a no-op
	require.NoError(t, migrate.Migration(ctx, store, fixtures(t), "test-users"))

	var exists bool
	err := store.Pool().QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)",
		migrate.HistoryTable("test-users"),
	).Scan(&exists)
	require.NoError(t, err)
	require.True(t, exists)

	err = store.Pool().QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'test_users')",
	).Scan(&exists)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestMigration_ReleasesConnections(t *testing.T) {
	store := pgtest.Start(t)

	require.NoError(t, migrate.Migration(context.Background(), store, fixtures(t), "test-users"))

	done := make(chan struct{})
	go func() {
		store.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool close hung after migration")
	}
}
