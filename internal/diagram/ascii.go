package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "retrying":
		return "[RETRY]"
	case "pending":
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a Model as a text outline: one box per node followed
// by its outgoing edges. Workflows may loop, so the outline follows
// declaration order rather than a layered layout.
func RenderASCII(m *Model) string {
	var b strings.Builder

	if m.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", m.Title)
	}

	for _, node := range m.Nodes {
		b.WriteString(asciiBox(node))
		for _, e := range m.Outgoing(node.ID) {
			fmt.Fprintf(&b, "  %s %s\n", asciiArrow(e), e.To)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func asciiBox(node *Node) string {
	text := strings.ReplaceAll(node.Label, "\n", " ")
	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			text += " " + tag
		}
		if node.Status.Visits > 1 {
			text += fmt.Sprintf(" x%d", node.Status.Visits)
		}
	}
	if node.Kind == NodeKindStart || node.Kind == NodeKindEnd {
		return "(" + text + ")\n"
	}
	border := "+" + strings.Repeat("-", len(text)+2) + "+\n"
	return border + "| " + text + " |\n" + border
}

func asciiArrow(e Edge) string {
	switch e.Kind {
	case EdgeBranch:
		return "--[" + e.Label + "]-->"
	case EdgeFanOut:
		return "==>"
	case EdgeJoin:
		return "..join..>"
	case EdgeOnError:
		return "--[on error]-->"
	default:
		return "-->"
	}
}
