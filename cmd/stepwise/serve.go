package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/stepwise/internal/scheduler"
	mcpserver "github.com/rendis/stepwise/pkg/mcp"
)

func (c *cli) serveCmd() *cobra.Command {
	var withScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stepwise as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			sched := scheduler.New(a.store, a.engine, scheduler.WithLogger(a.logger))
			if withScheduler {
				if _, err := sched.RecoverMissed(ctx); err != nil {
					return err
				}
				if err := sched.Start(ctx); err != nil {
					return err
				}
				defer sched.Stop()
			}

			srv := mcpserver.NewServer(mcpserver.ServerDeps{
				Engine:    a.engine,
				Store:     a.store,
				Workflows: a.workflows,
				Scheduler: sched,
				Hub:       a.hub,
				Logger:    a.logger,
			})
			a.logger.Info("serving MCP on stdio", slog.Bool("scheduler", withScheduler))
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&withScheduler, "scheduler", false, "also run due scheduled jobs")
	return cmd
}
