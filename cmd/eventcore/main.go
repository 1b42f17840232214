/*
eventcore runs the coordination layer as a standalone process: buses, brokers,
event store, saga orchestrator and outbox poller, configured from the
environment.
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1) //nolint:gocritic // stop already called
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "eventcore",
		Short:         "Event-driven coordination layer: CQRS buses, event store, sagas and outbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := newServeCmd()

	root.RunE = serve.RunE
	root.AddCommand(serve, newMigrateCmd())

	return root
}
