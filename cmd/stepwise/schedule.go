package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/stepwise/internal/scheduler"
	"github.com/rendis/stepwise/internal/store"
)

func (c *cli) scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage and serve cron-scheduled workflow runs",
	}
	cmd.AddCommand(c.scheduleAddCmd(), c.scheduleListCmd(), c.scheduleDisableCmd(), c.scheduleServeCmd())
	return cmd
}

func (c *cli) scheduleAddCmd() *cobra.Command {
	var name, input, inputFile string
	cmd := &cobra.Command{
		Use:   "add <cron> <workflow.json>",
		Short: "Schedule a workflow, e.g. add \"0 * * * *\" report.json",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			wf, err := c.load(a, cmd.ErrOrStderr(), args[1])
			if err != nil {
				return err
			}
			in, err := readInput(input, inputFile)
			if err != nil {
				return err
			}
			if name == "" {
				name = wf.ID
			}

			job, err := scheduler.New(a.store, a.engine, scheduler.WithLogger(a.logger)).Add(ctx, name, args[0], wf, in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s next run %s\n", job.ID, job.NextRunAt.Local().Format(time.DateTime))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name (default: workflow ID)")
	cmd.Flags().StringVarP(&input, "input", "i", "", "run input as JSON")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "read the run input from a JSON file")
	return cmd
}

func (c *cli) scheduleListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			filter := store.ScheduledJobFilter{}
			if !all {
				enabled := true
				filter.Enabled = &enabled
			}
			jobs, err := a.store.ListScheduledJobs(ctx, filter)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB ID\tNAME\tCRON\tNEXT RUN\tLAST STATUS")
			for _, j := range jobs {
				next := "-"
				if j.NextRunAt != nil {
					next = j.NextRunAt.Local().Format(time.DateTime)
				}
				last := j.LastRunStatus
				if last == "" {
					last = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Name, j.CronExpression, next, last)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include disabled jobs")
	return cmd
}

func (c *cli) scheduleDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <job-id>",
		Short: "Stop scheduling a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			disabled := false
			return a.store.UpdateScheduledJob(ctx, args[0], store.ScheduledJobUpdate{Enabled: &disabled})
		},
	}
}

func (c *cli) scheduleServeCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run due jobs until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			s := scheduler.New(a.store, a.engine,
				scheduler.WithInterval(interval),
				scheduler.WithLogger(a.logger),
			)
			if _, err := s.RecoverMissed(ctx); err != nil {
				return err
			}
			if err := s.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			s.Stop()
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", scheduler.DefaultInterval, "poll interval")
	return cmd
}
