package main

import (
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/stepwise/internal/store"
)

func (c *cli) eventsCmd() *cobra.Command {
	var (
		since    int64
		follow   bool
		replay   bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print a run's event log",
		Long: `Print the events recorded for a run. --follow keeps polling until the run ends;
--replay prints the per-step state rebuilt from the log instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			log := store.NewEventLog(a.store)
			out := cmd.OutOrStdout()
			runID := args[0]

			if replay {
				states, err := log.ReplayEvents(ctx, runID)
				if err != nil {
					return err
				}
				return printJSON(out, states)
			}

			if follow {
				for ev := range log.Follow(ctx, runID, since, interval) {
					printEvent(out, ev.Timestamp.Local(), ev.StepID, ev.Type, ev.Payload)
				}
				return nil
			}

			events, err := log.GetEvents(ctx, runID, since)
			if err != nil {
				return err
			}
			for _, ev := range events {
				printEvent(out, ev.Timestamp.Local(), ev.StepID, ev.Type, ev.Payload)
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.Int64Var(&since, "since", 0, "only events after this sequence number")
	fl.BoolVarP(&follow, "follow", "f", false, "keep printing new events until the run ends")
	fl.BoolVar(&replay, "replay", false, "print step states rebuilt from the event log")
	fl.DurationVar(&interval, "interval", 500*time.Millisecond, "poll interval for --follow")
	return cmd
}
