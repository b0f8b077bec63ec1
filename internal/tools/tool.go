package tools

import (
	"context"
)

// Tool is a callable capability an agent can request by name.
// Implementations must be safe for concurrent use.
type Tool interface {
	Name() string
	Definition() Definition
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Definition describes a tool to a provider.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"` // JSON Schema of the arguments object
}

// Info is a summary of a registered tool for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"` // builtin, mcp:<prefix>, or empty
}

// FuncTool adapts a Go function into a Tool.
type FuncTool struct {
	def Definition
	fn  func(ctx context.Context, args map[string]any) (any, error)
}

// Func creates a Tool from a function. params may be nil.
func Func(name, description string, params map[string]any, fn func(ctx context.Context, args map[string]any) (any, error)) *FuncTool {
	return &FuncTool{
		def: Definition{Name: name, Description: description, Parameters: params},
		fn:  fn,
	}
}

func (f *FuncTool) Name() string           { return f.def.Name }
func (f *FuncTool) Definition() Definition { return f.def }

func (f *FuncTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f.fn(ctx, args)
}

// ObjectSchema is shorthand for an object schema with the given properties
// and required keys.
func ObjectSchema(properties map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}
