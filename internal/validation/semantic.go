package validation

import (
	"fmt"
	"slices"
	"time"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

var knownKinds = []schema.InvocableKind{
	schema.InvokeAgent, schema.InvokeTool, schema.InvokeFunction, schema.InvokeWorkflow,
}

// validateSemantic checks what the document schema cannot express:
// unique step IDs, invocable availability, directive targets, predicates,
// durations and template references.
func validateSemantic(wf *schema.Workflow, lookup Lookup, predicates PredicateChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if len(wf.Steps) == 0 {
		result.AddError("steps", schema.ErrCodeValidation, "workflow has no steps")
		return result
	}

	stepIDs := make(map[string]bool, len(wf.Steps))
	for i, s := range wf.Steps {
		path := fmt.Sprintf("steps[%d].id", i)
		switch {
		case s.ID == "":
			result.AddError(path, schema.ErrCodeValidation, "step id is empty")
		case stepIDs[s.ID]:
			result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("duplicate step id %q", s.ID))
		}
		stepIDs[s.ID] = true
	}

	for i := range wf.Steps {
		validateStep(&wf.Steps[i], fmt.Sprintf("steps[%d]", i), stepIDs, lookup, predicates, result)
	}

	if wf.Limits != nil && wf.Limits.MaxExecutionTime != "" {
		if _, err := time.ParseDuration(wf.Limits.MaxExecutionTime); err != nil {
			result.AddError("limits.max_execution_time", schema.ErrCodeConfiguration,
				fmt.Sprintf("invalid duration %q", wf.Limits.MaxExecutionTime))
		}
	}

	return result
}

func validateStep(step *schema.Step, path string, stepIDs map[string]bool, lookup Lookup, predicates PredicateChecker, result *schema.ValidationResult) {
	inv := step.Invoke
	switch {
	case !slices.Contains(knownKinds, inv.Kind):
		result.AddError(path+".invoke.kind", schema.ErrCodeValidation,
			fmt.Sprintf("unknown invocable kind %q", inv.Kind))
	case inv.Name == "":
		result.AddError(path+".invoke.name", schema.ErrCodeValidation, "invocable name is empty")
	case lookup != nil && !lookup.Has(inv.Kind, inv.Name):
		result.AddError(path+".invoke.name", schema.ErrCodeNotFound,
			fmt.Sprintf("%s %q not registered", inv.Kind, inv.Name))
	}
	if inv.PassOutputs && inv.Kind != schema.InvokeWorkflow {
		result.AddWarning(path+".invoke.pass_outputs", schema.ErrCodeValidation,
			"pass_outputs only applies to workflow invocations")
	}

	if step.Output != nil {
		validateDirective(step, path+".output", stepIDs, predicates, result)
	}

	if step.OnError != nil {
		p := step.OnError
		switch p.Strategy {
		case schema.ErrorStrategyContinue, schema.ErrorStrategyFail:
		case schema.ErrorStrategyGoto:
			target(path+".on_error.step", p.Step, stepIDs, result)
		default:
			result.AddError(path+".on_error.strategy", schema.ErrCodeValidation,
				fmt.Sprintf("unknown error strategy %q", p.Strategy))
		}
	}

	if step.Retry != nil {
		validateRetry(step.Retry, path+".retry", result)
	}
	if step.Timeout != "" {
		duration(path+".timeout", step.Timeout, result)
	}

	validateTemplates(step.Input, path+".input", stepIDs, result)
}

func validateDirective(step *schema.Step, path string, stepIDs map[string]bool, predicates PredicateChecker, result *schema.ValidationResult) {
	d := step.Output
	switch d.Type {
	case schema.DirectiveTerminal:
		validateTemplates(d.Value, path+".value", stepIDs, result)
	case schema.DirectiveDirect:
		target(path+".next", d.Next, stepIDs, result)
	case schema.DirectiveConditional:
		if len(d.Branches) == 0 {
			result.AddError(path+".branches", schema.ErrCodeConfiguration, "conditional directive has no branches")
		}
		for j, br := range d.Branches {
			bp := fmt.Sprintf("%s.branches[%d]", path, j)
			target(bp+".then", br.Then, stepIDs, result)
			if br.When == "" {
				result.AddError(bp+".when", schema.ErrCodeConfiguration, "predicate is empty")
				continue
			}
			if predicates != nil {
				if err := predicates.Validate(br.When, br.Lang); err != nil {
					result.AddError(bp+".when", schema.ErrCodeConfiguration, err.Error())
				}
			}
		}
		if d.Default != "" {
			target(path+".default", d.Default, stepIDs, result)
		} else {
			result.AddWarning(path+".default", schema.ErrCodeConfiguration,
				"no default target: an unmatched conditional fails the run")
		}
	case schema.DirectiveFanOut:
		if len(d.Targets) == 0 {
			result.AddError(path+".targets", schema.ErrCodeConfiguration, "fan-out directive has no targets")
		}
		seen := make(map[string]bool, len(d.Targets))
		for j, t := range d.Targets {
			tp := fmt.Sprintf("%s.targets[%d]", path, j)
			target(tp, t, stepIDs, result)
			if seen[t] {
				result.AddError(tp, schema.ErrCodeConfiguration, fmt.Sprintf("duplicate fan-out target %q", t))
			}
			seen[t] = true
			if t == d.Join {
				result.AddError(tp, schema.ErrCodeConfiguration, "fan-out target is also the join step")
			}
			if t == step.ID {
				result.AddError(tp, schema.ErrCodeConfiguration, "fan-out targets its own step")
			}
		}
		target(path+".join", d.Join, stepIDs, result)
	default:
		result.AddError(path+".type", schema.ErrCodeConfiguration,
			fmt.Sprintf("unknown directive type %q", d.Type))
	}
}

func validateRetry(r *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	if r.Max < 0 {
		result.AddError(path+".max", schema.ErrCodeValidation, "retry max must be >= 0")
	}
	if r.Max > 10 {
		result.AddWarning(path+".max", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", r.Max))
	}
	switch r.Backoff {
	case "", "none", "constant", "linear", "exponential":
	default:
		result.AddError(path+".backoff", schema.ErrCodeValidation,
			fmt.Sprintf("unknown backoff strategy %q", r.Backoff))
	}
	if r.Delay != "" {
		duration(path+".delay", r.Delay, result)
	}
	if r.MaxDelay != "" {
		duration(path+".max_delay", r.MaxDelay, result)
	}
}

// validateTemplates checks every ${...} reference for syntax and root names.
// References to steps that do not exist are warnings: the run may still
// resolve them softly.
func validateTemplates(tmpl any, path string, stepIDs map[string]bool, result *schema.ValidationResult) {
	for _, ref := range expressions.References(tmpl) {
		segs, err := expressions.ParsePath(ref)
		if err != nil {
			result.AddError(path, schema.ErrCodeTemplateResolution, err.Error())
			continue
		}
		root := segs[0].Key
		if !slices.Contains(expressions.Roots, root) {
			result.AddError(path, schema.ErrCodeTemplateResolution,
				fmt.Sprintf("unknown namespace %q in ${%s}", root, ref))
			continue
		}
		if root == expressions.RootStepOutputs && len(segs) > 1 && !segs[1].Indexed && !stepIDs[segs[1].Key] {
			result.AddWarning(path, schema.ErrCodeTemplateResolution,
				fmt.Sprintf("${%s} references unknown step %q", ref, segs[1].Key))
		}
	}
}

func target(path, id string, stepIDs map[string]bool, result *schema.ValidationResult) {
	switch {
	case id == "":
		result.AddError(path, schema.ErrCodeConfiguration, "target step is empty")
	case !stepIDs[id]:
		result.AddError(path, schema.ErrCodeConfiguration, fmt.Sprintf("references non-existent step %q", id))
	}
}

func duration(path, s string, result *schema.ValidationResult) {
	if d, err := time.ParseDuration(s); err != nil || d < 0 {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid duration %q", s))
	}
}
