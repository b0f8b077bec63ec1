package diagram

// NodeKind classifies a diagram node by what its step invokes.
type NodeKind string

const (
	NodeKindAgent    NodeKind = "agent"
	NodeKindTool     NodeKind = "tool"
	NodeKindFunction NodeKind = "function"
	NodeKindWorkflow NodeKind = "workflow"
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// Virtual node IDs.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// EdgeKind classifies how control moves along an edge.
type EdgeKind string

const (
	EdgeNext    EdgeKind = "next"    // implicit or direct directive
	EdgeBranch  EdgeKind = "branch"  // conditional branch or default
	EdgeFanOut  EdgeKind = "fanout"  // fan-out target
	EdgeJoin    EdgeKind = "join"    // fan-out join
	EdgeOnError EdgeKind = "onerror" // goto error policy
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	Visits     int
	Retries    int
	DurationMs int64
}

// Edge is a possible transfer of control between two nodes.
type Edge struct {
	From  string
	To    string
	Kind  EdgeKind
	Label string
}

// Node returns the node with the given ID, or nil.
func (m *Model) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Outgoing returns the edges leaving id in declaration order.
func (m *Model) Outgoing(id string) []Edge {
	var out []Edge
	for _, e := range m.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}
