package tools

import (
	"context"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// Builtins returns the tools every registry starts with: jq and expr.
func Builtins() []Tool {
	return []Tool{
		&jqTool{engine: expressions.NewGoJQEngine()},
		&exprTool{engine: expressions.NewExprEngine()},
	}
}

// RegisterBuiltins registers Builtins into r.
func RegisterBuiltins(r *Registry) error {
	for _, t := range Builtins() {
		if err := r.register(t, "builtin"); err != nil {
			return err
		}
	}
	return nil
}

// --- jq ---

type jqTool struct {
	engine *expressions.GoJQEngine
}

func (t *jqTool) Name() string { return "jq" }

func (t *jqTool) Definition() Definition {
	return Definition{
		Name:        "jq",
		Description: "Run a jq query against JSON data. Returns the single result, or a list when the query yields several.",
		Parameters: ObjectSchema(map[string]any{
			"query": map[string]any{"type": "string", "minLength": 1, "description": "jq program, e.g. .items[] | .name"},
			"data":  map[string]any{"description": "input document"},
			"all":   map[string]any{"type": "boolean", "description": "always return the list of results"},
		}, "query"),
	}
}

func (t *jqTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq requires a non-empty 'query' string")
	}
	data := args["data"]

	if all, _ := args["all"].(bool); all {
		results, err := t.engine.RunAll(ctx, query, data)
		if err != nil {
			return nil, err
		}
		if results == nil {
			results = []any{}
		}
		return results, nil
	}
	return t.engine.Run(ctx, query, data)
}

// --- expr ---

type exprTool struct {
	engine *expressions.ExprEngine
}

func (t *exprTool) Name() string { return "expr" }

func (t *exprTool) Definition() Definition {
	return Definition{
		Name:        "expr",
		Description: "Evaluate an expr-lang expression. Variables come from 'env'.",
		Parameters: ObjectSchema(map[string]any{
			"expression": map[string]any{"type": "string", "minLength": 1},
			"env":        map[string]any{"type": "object"},
		}, "expression"),
	}
}

func (t *exprTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	expression, _ := args["expression"].(string)
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "expr requires a non-empty 'expression' string")
	}
	env, _ := args["env"].(map[string]any)
	if env == nil {
		env = map[string]any{}
	}
	return t.engine.Evaluate(ctx, expression, env)
}
