package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

func (c *cli) runsCmd() *cobra.Command {
	var (
		status     string
		workflowID string
		limit      int
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recorded runs, or show one run with its steps",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				run, err := a.store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				steps, err := a.store.ListSteps(ctx, run.ID)
				if err != nil {
					return err
				}
				return printJSON(out, map[string]any{"run": run, "steps": steps})
			}

			filter := store.RunFilter{WorkflowID: workflowID, Limit: limit}
			if status != "" {
				st := schema.RunStatus(status)
				filter.Status = &st
			}
			runs, err := a.store.ListRuns(ctx, filter)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(out, runs)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN ID\tWORKFLOW\tSTATUS\tSTARTED\tDURATION")
			for _, r := range runs {
				started, took := "-", "-"
				if r.StartedAt != nil {
					started = r.StartedAt.Local().Format(time.DateTime)
					if r.CompletedAt != nil {
						took = r.CompletedAt.Sub(*r.StartedAt).Round(time.Millisecond).String()
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.WorkflowID, r.Status, started, took)
			}
			return tw.Flush()
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&status, "status", "", "filter by status")
	fl.StringVar(&workflowID, "workflow", "", "filter by workflow ID")
	fl.IntVar(&limit, "limit", 20, "maximum runs to list")
	fl.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
