package expressions

import "context"

// Engine evaluates expressions against a variable environment.
// Two implementations back routing predicates (expr, CEL); GoJQ backs the jq tool.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
