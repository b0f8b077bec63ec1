package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/governor"
	"github.com/rendis/stepwise/internal/streaming"
	"github.com/rendis/stepwise/pkg/schema"
)

type runFlags struct {
	input     string
	inputFile string
	vars      []string
	runID     string
	maxCalls  int
	maxTime   time.Duration
	maxErrors int
	watch     bool
}

func (c *cli) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <workflow.json>",
		Short: "Run a workflow and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return c.run(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.input, "input", "i", "", "run input as JSON")
	fl.StringVar(&f.inputFile, "input-file", "", "read the run input from a JSON file")
	fl.StringArrayVar(&f.vars, "var", nil, "template variable key=value (repeatable)")
	fl.StringVar(&f.runID, "run-id", "", "run ID (default: generated)")
	fl.IntVar(&f.maxCalls, "max-calls", 0, "override the call cap")
	fl.DurationVar(&f.maxTime, "max-time", 0, "override the execution time limit")
	fl.IntVar(&f.maxErrors, "max-errors", 0, "override the consecutive failure limit")
	fl.BoolVarP(&f.watch, "watch", "w", false, "print live events to stderr")
	return cmd
}

// runOutput is what `run` prints.
type runOutput struct {
	RunID    string              `json:"run_id"`
	Status   schema.RunStatus    `json:"status"`
	Output   any                 `json:"output,omitempty"`
	Error    *schema.EngineError `json:"error,omitempty"`
	Steps    []string            `json:"steps"`
	Stats    governor.Stats      `json:"stats"`
	Duration string              `json:"duration"`
}

func (c *cli) run(ctx context.Context, stdout, stderr io.Writer, path string, f runFlags) error {
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	wf, err := c.load(a, stderr, path)
	if err != nil {
		return err
	}
	input, err := readInput(f.input, f.inputFile)
	if err != nil {
		return err
	}
	vars, err := parseVars(f.vars)
	if err != nil {
		return err
	}

	runID := f.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	opts := []engine.RunOption{
		engine.WithRunID(runID),
		engine.WithVars(vars),
		engine.WithLimits(governor.Limits{
			MaxExecutionTime:     f.maxTime,
			MaxCalls:             f.maxCalls,
			MaxConsecutiveErrors: f.maxErrors,
		}),
	}

	if f.watch {
		events, unsubscribe, err := a.hub.Subscribe(ctx, streaming.EventFilter{RunID: runID})
		if err != nil {
			return err
		}
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range events {
				printEvent(stderr, ev.Timestamp, ev.StepID, ev.Type, ev.Payload)
			}
		}()
		defer func() {
			unsubscribe()
			<-done
		}()
	}

	res, runErr := a.engine.Run(ctx, wf, input, opts...)
	if res == nil {
		return runErr
	}
	out := runOutput{
		RunID:    res.RunID,
		Status:   res.Status,
		Output:   res.Output,
		Error:    res.Error,
		Steps:    res.Executed(),
		Stats:    res.Stats,
		Duration: res.CompletedAt.Sub(res.StartedAt).String(),
	}
	if err := printJSON(stdout, out); err != nil {
		return err
	}
	return runErr
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.json>",
		Short: "Validate a workflow document against the configured agents and tools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			_, result := a.engine.LoadDocument(raw)
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			return result.ToError()
		},
	}
}

// load reads and validates a workflow document, reporting warnings.
func (c *cli) load(a *app, stderr io.Writer, path string) (*schema.Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	wf, result := a.engine.LoadDocument(raw)
	for _, w := range result.Warnings {
		fmt.Fprintf(stderr, "warning: %s\n", w)
	}
	if err := result.ToError(); err != nil {
		for _, e := range result.Errors {
			fmt.Fprintf(stderr, "error: %s\n", e)
		}
		return nil, err
	}
	return wf, nil
}

func readInput(inline, file string) (any, error) {
	raw := []byte(inline)
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read input file: %w", err)
		}
		raw = b
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "input is not valid JSON").WithCause(err)
	}
	return input, nil
}

func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid --var %q, want key=value", p)
		}
		vars[k] = v
	}
	return vars, nil
}

func printEvent(w io.Writer, ts time.Time, stepID, eventType string, payload any) {
	line := ts.Format("15:04:05.000") + " " + eventType
	if stepID != "" {
		line += " [" + stepID + "]"
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil && string(b) != "null" {
			line += " " + string(b)
		}
	}
	fmt.Fprintln(w, line)
}
