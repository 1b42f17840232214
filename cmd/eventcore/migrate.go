package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/shortlink-org/eventcore/config"
	pgdriver "github.com/shortlink-org/eventcore/db/drivers/postgres"
	"github.com/shortlink-org/eventcore/logger"
	outboxpg "github.com/shortlink-org/eventcore/outbox/store/postgres"
	sagapg "github.com/shortlink-org/eventcore/saga/store/postgres"
)

// newMigrateCmd applies the Postgres schemas of the saga and outbox stores.
// serve does the same on start, this lets a deploy run them ahead of time.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres migrations of the saga and outbox stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := config.New()
			if err != nil {
				return err
			}

			log, cleanup, err := logger.NewDefault(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			store := pgdriver.New(pgdriver.LoadConfig(cfg), noop.NewTracerProvider(), log)
			if err := store.Init(ctx); err != nil {
				return err
			}
			defer store.Close()

			if _, err := sagapg.New(ctx, store); err != nil {
				return err
			}
			if _, err := outboxpg.New(ctx, store); err != nil {
				return err
			}

			log.Info("migrations applied", slog.String("components", "saga,outbox"))

			return nil
		},
	}
}
