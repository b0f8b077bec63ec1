package validation

import (
	"fmt"

	"github.com/rendis/stepwise/pkg/schema"
)

// successors returns every step control can reach directly from step i.
// A step without a directive falls through to the next declared step.
func successors(wf *schema.Workflow, i int) []string {
	s := &wf.Steps[i]
	var next []string
	if d := s.Output; d != nil {
		switch d.Type {
		case schema.DirectiveDirect:
			next = append(next, d.Next)
		case schema.DirectiveConditional:
			for _, br := range d.Branches {
				next = append(next, br.Then)
			}
			if d.Default != "" {
				next = append(next, d.Default)
			}
		case schema.DirectiveFanOut:
			next = append(next, d.Targets...)
			next = append(next, d.Join)
		}
	} else if i+1 < len(wf.Steps) {
		next = append(next, wf.Steps[i+1].ID)
	}
	if s.OnError != nil && s.OnError.Strategy == schema.ErrorStrategyGoto && s.OnError.Step != "" {
		next = append(next, s.OnError.Step)
	}
	return next
}

// forcedNext returns the single step that always follows step i when it
// succeeds, or "" when the successor depends on data or the run ends.
func forcedNext(wf *schema.Workflow, i int) string {
	s := &wf.Steps[i]
	if s.Output == nil {
		if i+1 < len(wf.Steps) {
			return wf.Steps[i+1].ID
		}
		return ""
	}
	if s.Output.Type == schema.DirectiveDirect {
		return s.Output.Next
	}
	return ""
}

// validateGraph reports steps unreachable from the entry step and cycles that
// no predicate can leave. Cycles through a conditional are legitimate loops
// bounded at run time by the safety governor.
func validateGraph(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(wf.Steps) == 0 {
		return result
	}

	index := make(map[string]int, len(wf.Steps))
	for i, s := range wf.Steps {
		index[s.ID] = i
	}

	reachable := make(map[string]bool, len(wf.Steps))
	queue := []string{wf.Steps[0].ID}
	reachable[wf.Steps[0].ID] = true
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		i, ok := index[id]
		if !ok {
			continue
		}
		for _, next := range successors(wf, i) {
			if _, known := index[next]; known && !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for _, s := range wf.Steps {
		if !reachable[s.ID] {
			result.AddWarning(fmt.Sprintf("steps[%s]", s.ID), schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from entry step %q", s.ID, wf.Steps[0].ID))
		}
	}

	// Follow forced edges from every step; revisiting the start means the
	// loop can only end through a failure or the governor.
	reported := make(map[string]bool)
	for i, s := range wf.Steps {
		if reported[s.ID] || !reachable[s.ID] {
			continue
		}
		seen := map[string]bool{s.ID: true}
		cur := i
		for {
			next := forcedNext(wf, cur)
			j, ok := index[next]
			if next == "" || !ok {
				break
			}
			if next == s.ID {
				for id := range seen {
					reported[id] = true
				}
				result.AddWarning(fmt.Sprintf("steps[%s]", s.ID), schema.ErrCodeValidation,
					fmt.Sprintf("step %q is part of an unconditional loop", s.ID))
				break
			}
			if seen[next] {
				break
			}
			seen[next] = true
			cur = j
		}
	}

	return result
}
