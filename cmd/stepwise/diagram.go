package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/stepwise/internal/diagram"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

func (c *cli) diagramCmd() *cobra.Command {
	var (
		format string
		runID  string
		output string
	)
	cmd := &cobra.Command{
		Use:   "diagram [workflow.json]",
		Short: "Draw a workflow, or a recorded run with --run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var (
				wf     *schema.Workflow
				states map[string]*store.StepState
			)
			switch {
			case runID != "":
				run, err := a.store.GetRun(ctx, runID)
				if err != nil {
					return err
				}
				wf = &run.Definition
				if states, err = store.NewEventLog(a.store).ReplayEvents(ctx, runID); err != nil {
					return err
				}
			case len(args) == 1:
				if wf, err = c.load(a, cmd.ErrOrStderr(), args[0]); err != nil {
					return err
				}
			default:
				return schema.NewError(schema.ErrCodeValidation, "pass a workflow file or --run")
			}

			model, err := diagram.Build(wf, states)
			if err != nil {
				return err
			}

			var out []byte
			switch format {
			case "ascii":
				out = []byte(diagram.RenderASCII(model))
			case "mermaid":
				out = []byte(diagram.RenderMermaid(model))
			case "png", "svg":
				if format == "png" && output == "" {
					return schema.NewError(schema.ErrCodeValidation, "png output needs --output")
				}
				if out, err = diagram.RenderImage(ctx, model, diagram.ImageFormat(format)); err != nil {
					return err
				}
			default:
				return schema.NewErrorf(schema.ErrCodeValidation, "unknown format %q", format)
			}

			if output != "" {
				return os.WriteFile(output, out, 0o644)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&format, "format", "f", "ascii", "ascii, mermaid, png or svg")
	fl.StringVar(&runID, "run", "", "draw a recorded run with its step status")
	fl.StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}
