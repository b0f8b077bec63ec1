package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/rendis/stepwise/pkg/schema"
)

// CELEngine implements the Engine interface using Google's Common Expression Language.
// Routing predicates declared with lang "cel" are evaluated here.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine whose environment exposes the template scope roots:
//   - step_outputs: map(string, dyn) step outputs keyed by step ID
//   - input:        dyn              the run input
//   - last_output:  dyn              the output of the step just executed
//   - branches:     map(string, dyn) fan-out branch outputs (join steps only)
//   - workflow:     map(string, dyn) id, name, run_id
//   - vars:         map(string, dyn) caller-provided variables
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable(RootStepOutputs, mapType),
		cel.Variable(RootInput, cel.DynType),
		cel.Variable(RootLastOutput, cel.DynType),
		cel.Variable(RootBranches, mapType),
		cel.Variable(RootWorkflow, mapType),
		cel.Variable(RootVars, mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates it
// against the provided data, usually Scope.Env().
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.ContextEval(ctx, buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// Compile validates an expression without evaluating it.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildActivation fills every declared variable. Missing map roots default to
// empty maps and missing dyn roots to null, so CEL never sees an unbound name.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(Roots))

	for _, key := range Roots {
		v, ok := data[key]
		switch {
		case ok && v != nil:
			activation[key] = v
		case key == RootInput || key == RootLastOutput:
			activation[key] = nil
		default:
			activation[key] = map[string]any{}
		}
	}

	return activation
}
