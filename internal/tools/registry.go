package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/validation"
	"github.com/rendis/stepwise/pkg/schema"
)

// Registry is the concurrent tool registry shared by agents and tool steps.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry

	validator *validation.JSONSchemaValidator
	logger    *slog.Logger
}

type entry struct {
	tool   Tool
	params []byte // marshalled parameter schema, nil when the tool takes anything
	source string
}

// NewRegistry creates an empty Registry. A nil validator disables argument
// validation; a nil logger uses slog.Default().
func NewRegistry(v *validation.JSONSchemaValidator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:     make(map[string]*entry),
		validator: v,
		logger:    logger,
	}
}

// Register adds a tool. Returns an error on duplicate names or an invalid
// parameter schema.
func (r *Registry) Register(tool Tool) error {
	return r.register(tool, "")
}

func (r *Registry) register(tool Tool, source string) error {
	if tool == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	e := &entry{tool: tool, source: source}
	if params := tool.Definition().Parameters; len(params) > 0 {
		b, err := json.Marshal(params)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "tool %q: marshal parameter schema", name).WithCause(err)
		}
		if r.validator != nil {
			if err := r.validator.CompileSchema(b); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "tool %q has an invalid parameter schema", name).WithCause(err)
			}
		}
		e.params = b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = e
	return nil
}

// RegisterPrefixed bulk-registers tools under a namespace.
// Each tool name becomes "prefix.originalName" (e.g. "github.create_issue").
// It stops at the first failure and reports how many were registered.
func (r *Registry) RegisterPrefixed(prefix, source string, tools []Tool) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "tool prefix is empty")
	}
	registered := 0
	for _, t := range tools {
		if t == nil {
			continue
		}
		p := &prefixedTool{inner: t, name: fmt.Sprintf("%s.%s", prefix, t.Name())}
		if err := r.register(p, source); err != nil {
			return registered, err
		}
		registered++
	}
	return registered, nil
}

// Lookup retrieves a tool by name.
func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not registered", name)
	}
	return e.tool, nil
}

// Execute validates args against the tool's parameter schema and runs it.
// The result is normalized to plain maps, slices and scalars. Failures of the
// tool itself are TOOL_EXECUTION_ERROR; fatal engine errors pass through.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not registered", name)
	}

	if args == nil {
		args = map[string]any{}
	}
	if r.validator != nil && e.params != nil {
		if err := r.validator.ValidateInput(args, e.params); err != nil {
			return nil, asEngineError(err, schema.ErrCodeValidation).
				WithDetails(map[string]any{"tool": name})
		}
	}

	out, err := e.tool.Execute(ctx, args)
	if err != nil {
		if schema.IsFatal(err) {
			return nil, err
		}
		r.logger.Debug("tool failed", slog.String("tool", name), slog.String("error", err.Error()))
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "tool %q failed: %v", name, err).
			WithCause(err).
			WithDetails(map[string]any{"tool": name})
	}
	return expressions.Normalize(out), nil
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns info for all registered tools, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.tools))
	for name, e := range r.tools {
		infos = append(infos, Info{
			Name:        name,
			Description: e.tool.Definition().Description,
			Source:      e.source,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Definitions returns the definitions of the named tools in the given order,
// or of every tool sorted by name when names is empty.
func (r *Registry) Definitions(names ...string) ([]Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		for name := range r.tools {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		e, ok := r.tools[name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not registered", name)
		}
		defs = append(defs, e.tool.Definition())
	}
	return defs, nil
}

func asEngineError(err error, code string) *schema.EngineError {
	if e, ok := err.(*schema.EngineError); ok {
		return e
	}
	return schema.NewError(code, err.Error()).WithCause(err)
}

// prefixedTool exposes a tool under a namespaced name.
type prefixedTool struct {
	inner Tool
	name  string
}

func (p *prefixedTool) Name() string { return p.name }

func (p *prefixedTool) Definition() Definition {
	d := p.inner.Definition()
	d.Name = p.name
	return d
}

func (p *prefixedTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	return p.inner.Execute(ctx, args)
}
