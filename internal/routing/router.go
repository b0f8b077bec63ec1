package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// ActionKind enumerates what happens after a step.
type ActionKind string

const (
	Terminate ActionKind = "terminate"
	Goto      ActionKind = "goto"
	GotoMany  ActionKind = "goto_many"
)

// NextAction is the router's decision for one step.
type NextAction struct {
	Kind    ActionKind
	Value   any      // Terminate: value returned to the caller
	Step    string   // Goto: next step ID
	Targets []string // GotoMany: fan-out branch step IDs
	Join    string   // GotoMany: join step ID

	// Matched is the index of the conditional branch taken, -1 for the
	// default target, and -1 for non-conditional directives.
	Matched int
	// Warnings lists predicates or templates that failed softly.
	Warnings []string
}

func (a NextAction) String() string {
	switch a.Kind {
	case Terminate:
		return "terminate"
	case Goto:
		return "goto " + a.Step
	case GotoMany:
		return fmt.Sprintf("fanout [%s] join %s", strings.Join(a.Targets, ", "), a.Join)
	default:
		return string(a.Kind)
	}
}

// Router decides the next action for a step from its output directive.
// It has no side effects beyond evaluating predicates. Safe for concurrent use.
type Router struct {
	expr   *expressions.ExprEngine
	cel    *expressions.CELEngine
	logger *slog.Logger
}

// New creates a Router. A nil logger uses slog.Default().
func New(logger *slog.Logger) (*Router, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		expr:   expressions.NewExprEngine(),
		cel:    celEngine,
		logger: logger,
	}, nil
}

// Route returns the next action for step, whose output is scope.LastOutput.
//
// A step without a directive continues with the next declared step, or
// terminates with its output when it is the last one. A step with a directive
// is routed exclusively by it.
func (r *Router) Route(ctx context.Context, wf *schema.Workflow, step *schema.Step, scope *expressions.Scope) (NextAction, error) {
	d := step.Output
	if d == nil {
		idx := wf.Index(step.ID)
		if idx >= 0 && idx+1 < len(wf.Steps) {
			return NextAction{Kind: Goto, Step: wf.Steps[idx+1].ID, Matched: -1}, nil
		}
		return NextAction{Kind: Terminate, Value: scope.LastOutput, Matched: -1}, nil
	}

	if err := checkTargets(wf, step); err != nil {
		return NextAction{}, err
	}

	switch d.Type {
	case schema.DirectiveTerminal:
		action := NextAction{Kind: Terminate, Value: scope.LastOutput, Matched: -1}
		if d.Value != nil {
			value, diags := expressions.Render(d.Value, scope)
			action.Value = value
			for _, diag := range diags {
				action.Warnings = append(action.Warnings, diag.String())
			}
		}
		return action, nil

	case schema.DirectiveDirect:
		return NextAction{Kind: Goto, Step: d.Next, Matched: -1}, nil

	case schema.DirectiveConditional:
		return r.routeConditional(ctx, step, scope)

	case schema.DirectiveFanOut:
		targets := make([]string, len(d.Targets))
		copy(targets, d.Targets)
		return NextAction{Kind: GotoMany, Targets: targets, Join: d.Join, Matched: -1}, nil
	}

	return NextAction{}, configError(step.ID, "unknown output directive type %q", d.Type)
}

func (r *Router) routeConditional(ctx context.Context, step *schema.Step, scope *expressions.Scope) (NextAction, error) {
	d := step.Output
	var warnings []string

	for i, br := range d.Branches {
		ok, warn, err := r.Evaluate(ctx, br.When, br.Lang, scope)
		if err != nil {
			return NextAction{}, schema.NewErrorf(schema.ErrCodeConfiguration,
				"branch %d predicate %q: %s", i, br.When, err.Error()).
				WithStep(step.ID).
				WithCause(err).
				WithDetails(map[string]any{"branch": i, "predicate": br.When})
		}
		if warn != "" {
			warnings = append(warnings, warn)
			r.logger.Warn("predicate evaluated as false",
				slog.String("step_id", step.ID),
				slog.Int("branch", i),
				slog.String("reason", warn),
			)
		}
		if ok {
			return NextAction{Kind: Goto, Step: br.Then, Matched: i, Warnings: warnings}, nil
		}
	}

	if d.Default != "" {
		return NextAction{Kind: Goto, Step: d.Default, Matched: -1, Warnings: warnings}, nil
	}

	return NextAction{}, schema.NewError(schema.ErrCodeConfiguration,
		"no conditional branch matched and no default target is declared").
		WithStep(step.ID).
		WithDetails(map[string]any{"branches": len(d.Branches), "warnings": warnings})
}

// checkTargets verifies every step ID a directive names exists.
func checkTargets(wf *schema.Workflow, step *schema.Step) error {
	d := step.Output
	var missing []string
	need := func(id string) {
		if id != "" && wf.Step(id) == nil {
			missing = append(missing, id)
		}
	}

	switch d.Type {
	case schema.DirectiveDirect:
		if d.Next == "" {
			return configError(step.ID, "direct directive has no next step")
		}
		need(d.Next)
	case schema.DirectiveConditional:
		if len(d.Branches) == 0 {
			return configError(step.ID, "conditional directive has no branches")
		}
		for _, br := range d.Branches {
			if br.Then == "" {
				return configError(step.ID, "conditional branch %q has no target", br.When)
			}
			need(br.Then)
		}
		need(d.Default)
	case schema.DirectiveFanOut:
		if len(d.Targets) == 0 {
			return configError(step.ID, "fan-out directive has no targets")
		}
		if d.Join == "" {
			return configError(step.ID, "fan-out directive has no join step")
		}
		for _, t := range d.Targets {
			need(t)
		}
		need(d.Join)
	}

	if len(missing) > 0 {
		return configError(step.ID, "unknown target step(s): %s", strings.Join(missing, ", ")).
			WithDetails(map[string]any{"missing": missing})
	}
	return nil
}

func configError(stepID, format string, args ...any) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeConfiguration, format, args...).WithStep(stepID)
}
