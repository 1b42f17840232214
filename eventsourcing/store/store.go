/*
Package store - selects the event store implementation
*/
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shortlink-org/eventcore/config"
	dbredis "github.com/shortlink-org/eventcore/db/drivers/redis"
	"github.com/shortlink-org/eventcore/eventsourcing"
	"github.com/shortlink-org/eventcore/eventsourcing/store/ram"
	esredis "github.com/shortlink-org/eventcore/eventsourcing/store/redis"
	"github.com/shortlink-org/eventcore/logger"
)

// New - create new EventStore. EVENT_STORE_TYPE selects ram or redis; conn
// may be nil for ram.
func New(ctx context.Context, log logger.Logger, conn *dbredis.Store, cfg *config.Config) (eventsourcing.EventStore, error) {
	cfg.SetDefault("EVENT_STORE_TYPE", "ram") // Select: ram, redis
	cfg.SetDefault("EVENT_STORE_REDIS_PREFIX", esredis.DefaultPrefix)

	typeStore := cfg.GetString("EVENT_STORE_TYPE")
	opts := eventsourcing.LoadOptions(cfg)

	var es eventsourcing.EventStore

	switch typeStore {
	case "redis":
		if conn == nil {
			return nil, fmt.Errorf("eventsourcing: %s store requires a redis connection", typeStore)
		}
		if err := conn.Init(ctx); err != nil {
			return nil, err
		}
		es = esredis.New(conn, cfg.GetString("EVENT_STORE_REDIS_PREFIX"), opts)
	case "ram":
		es = ram.New(opts)
	default:
		return nil, fmt.Errorf("eventsourcing: unknown store type %q", typeStore)
	}

	log.Info("run db",
		slog.String("db", typeStore),
		slog.Int64("snapshot_every", opts.SnapshotEvery),
		slog.Duration("retention", opts.Retention),
	)

	return es, nil
}
