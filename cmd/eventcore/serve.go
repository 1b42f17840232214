package main

import (
	"github.com/spf13/cobra"

	"github.com/shortlink-org/eventcore/bootstrap"
	"github.com/shortlink-org/eventcore/config"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New()
			if err != nil {
				return err
			}

			app, err := bootstrap.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			app.Log.Info("eventcore: waiting for shutdown signal")

			return app.Run(cmd.Context())
		},
	}
}
