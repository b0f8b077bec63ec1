package diagram

import (
	"fmt"

	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// Build constructs a Model from a workflow and optional step states, keyed
// by step ID as returned by store.EventLog.ReplayEvents.
func Build(wf *schema.Workflow, states map[string]*store.StepState) (*Model, error) {
	if wf == nil || len(wf.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "diagram: workflow has no steps")
	}

	m := &Model{Title: title(wf)}
	m.Nodes = append(m.Nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	m.Edges = append(m.Edges, Edge{From: StartID, To: wf.Steps[0].ID, Kind: EdgeNext})

	for i := range wf.Steps {
		step := &wf.Steps[i]
		node := &Node{
			ID:    step.ID,
			Label: fmt.Sprintf("%s\n(%s %s)", step.ID, step.Invoke.Kind, step.Invoke.Name),
			Kind:  kindOf(step.Invoke.Kind),
		}
		if ss, ok := states[step.ID]; ok {
			node.Status = &StatusOverlay{
				Status:     string(ss.Status),
				Visits:     ss.Visits,
				Retries:    ss.Retries,
				DurationMs: ss.DurationMs,
			}
		}
		m.Nodes = append(m.Nodes, node)
		m.Edges = append(m.Edges, stepEdges(wf, i)...)
	}

	m.Nodes = append(m.Nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})
	return m, nil
}

// stepEdges returns the edges implied by a step's directive and error policy.
func stepEdges(wf *schema.Workflow, i int) []Edge {
	step := &wf.Steps[i]
	var edges []Edge

	out := step.Output
	switch {
	case out == nil:
		next := EndID
		if i+1 < len(wf.Steps) {
			next = wf.Steps[i+1].ID
		}
		edges = append(edges, Edge{From: step.ID, To: next, Kind: EdgeNext})
	case out.Type == schema.DirectiveTerminal:
		edges = append(edges, Edge{From: step.ID, To: EndID, Kind: EdgeNext})
	case out.Type == schema.DirectiveDirect:
		edges = append(edges, Edge{From: step.ID, To: out.Next, Kind: EdgeNext})
	case out.Type == schema.DirectiveConditional:
		for _, b := range out.Branches {
			edges = append(edges, Edge{From: step.ID, To: b.Then, Kind: EdgeBranch, Label: b.When})
		}
		if out.Default != "" {
			edges = append(edges, Edge{From: step.ID, To: out.Default, Kind: EdgeBranch, Label: "default"})
		}
	case out.Type == schema.DirectiveFanOut:
		for _, t := range out.Targets {
			edges = append(edges, Edge{From: step.ID, To: t, Kind: EdgeFanOut})
		}
		edges = append(edges, Edge{From: step.ID, To: out.Join, Kind: EdgeJoin, Label: "join"})
	}

	if p := step.OnError; p != nil && p.Strategy == schema.ErrorStrategyGoto && p.Step != "" {
		edges = append(edges, Edge{From: step.ID, To: p.Step, Kind: EdgeOnError, Label: "on error"})
	}
	return edges
}

func kindOf(k schema.InvocableKind) NodeKind {
	switch k {
	case schema.InvokeAgent:
		return NodeKindAgent
	case schema.InvokeFunction:
		return NodeKindFunction
	case schema.InvokeWorkflow:
		return NodeKindWorkflow
	default:
		return NodeKindTool
	}
}

func title(wf *schema.Workflow) string {
	switch {
	case wf.Name != "":
		return wf.Name
	case wf.ID != "":
		return wf.ID
	}
	return "Workflow"
}
