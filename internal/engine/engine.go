package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/stepwise/internal/governor"
	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/routing"
	"github.com/rendis/stepwise/internal/streaming"
	"github.com/rendis/stepwise/internal/toolloop"
	"github.com/rendis/stepwise/internal/tools"
	"github.com/rendis/stepwise/internal/validation"
	"github.com/rendis/stepwise/pkg/schema"
)

// DefaultPoolSize bounds concurrent fan-out branches per fan-out.
const DefaultPoolSize = 10

// DefaultMaxWorkflowDepth bounds sub-workflow nesting.
const DefaultMaxWorkflowDepth = 8

// tracerName is the instrumentation scope of engine spans.
const tracerName = "github.com/rendis/stepwise/internal/engine"

// Function is a Go function a step can invoke by name.
type Function func(ctx context.Context, input any) (any, error)

// WorkflowSource resolves sub-workflows by name.
type WorkflowSource interface {
	Workflow(name string) (*schema.Workflow, error)
}

// Workflows is a WorkflowSource backed by a map.
type Workflows map[string]*schema.Workflow

// Workflow returns the named workflow or NOT_FOUND.
func (w Workflows) Workflow(name string) (*schema.Workflow, error) {
	wf, ok := w[name]
	if !ok || wf == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", name)
	}
	return wf, nil
}

// Config holds the engine's collaborators and defaults.
type Config struct {
	// Tools is shared by agents and tool steps. Nil creates a registry with
	// the builtin tools.
	Tools     *tools.Registry
	Agents    map[string]*toolloop.Agent
	Functions map[string]Function
	Workflows WorkflowSource

	PoolSize         int             // max concurrent branches per fan-out
	MaxWorkflowDepth int             // max sub-workflow nesting
	Limits           governor.Limits // zero value means governor.DefaultLimits()

	Recorder Recorder            // optional run history
	Hub      streaming.EventHub  // optional live events
	Logger   *slog.Logger        // nil discards
	Tracer   trace.Tracer        // nil uses the global provider
}

// Engine executes workflows. It is safe for concurrent use; every Run owns
// its own execution context and governor.
type Engine struct {
	cfg       Config
	tools     *tools.Registry
	router    *routing.Router
	validator *validation.WorkflowValidator
	logger    *slog.Logger
	tracer    trace.Tracer

	// mu guards agents, functions and running.
	mu        sync.RWMutex
	agents    map[string]*toolloop.Agent
	functions map[string]Function
	running   map[string]*run
}

// New creates an Engine, filling in defaults for unset configuration.
func New(cfg Config) (*Engine, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.MaxWorkflowDepth <= 0 {
		cfg.MaxWorkflowDepth = DefaultMaxWorkflowDepth
	}
	if cfg.Limits == (governor.Limits{}) {
		cfg.Limits = governor.DefaultLimits()
	}

	logger := logging.Discard()
	if cfg.Logger != nil {
		logger = slog.New(logging.NewCorrelationHandler(cfg.Logger.Handler()))
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	registry := cfg.Tools
	if registry == nil {
		jsv, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, err
		}
		registry = tools.NewRegistry(jsv, logger)
		if err := tools.RegisterBuiltins(registry); err != nil {
			return nil, err
		}
	}

	router, err := routing.New(logger)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "create router").WithCause(err)
	}

	e := &Engine{
		cfg:       cfg,
		tools:     registry,
		router:    router,
		logger:    logger,
		tracer:    tracer,
		agents:    make(map[string]*toolloop.Agent, len(cfg.Agents)),
		functions: make(map[string]Function, len(cfg.Functions)),
		running:   make(map[string]*run),
	}
	for name, a := range cfg.Agents {
		e.agents[name] = a
	}
	for name, fn := range cfg.Functions {
		e.functions[name] = fn
	}

	e.validator, err = validation.NewWorkflowValidator(e, router)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Tools returns the engine's tool registry.
func (e *Engine) Tools() *tools.Registry {
	return e.tools
}

// RegisterAgent makes an agent available to agent steps under its name.
func (e *Engine) RegisterAgent(a *toolloop.Agent) error {
	if a == nil || a.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "agent name is empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.agents[a.Name]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "agent %q already registered", a.Name)
	}
	e.agents[a.Name] = a
	return nil
}

// RegisterFunction makes fn available to function steps under name.
func (e *Engine) RegisterFunction(name string, fn Function) error {
	if name == "" || fn == nil {
		return schema.NewError(schema.ErrCodeValidation, "function name or body is empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.functions[name]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "function %q already registered", name)
	}
	e.functions[name] = fn
	return nil
}

// Has reports whether an invocable is available. It lets the validator
// reject workflows that reference unknown agents, tools, functions or
// sub-workflows before a run starts.
func (e *Engine) Has(kind schema.InvocableKind, name string) bool {
	switch kind {
	case schema.InvokeAgent:
		_, ok := e.agent(name)
		return ok
	case schema.InvokeTool:
		return e.tools.Has(name)
	case schema.InvokeFunction:
		_, ok := e.function(name)
		return ok
	case schema.InvokeWorkflow:
		if e.cfg.Workflows == nil {
			return false
		}
		_, err := e.cfg.Workflows.Workflow(name)
		return err == nil
	}
	return false
}

// Validate checks wf against the registered invocables without running it.
func (e *Engine) Validate(wf *schema.Workflow) *schema.ValidationResult {
	return e.validator.Validate(wf)
}

// LoadDocument decodes and validates a JSON workflow document. The workflow
// is nil when the result has errors.
func (e *Engine) LoadDocument(raw []byte) (*schema.Workflow, *schema.ValidationResult) {
	return e.validator.ValidateDocument(raw)
}

func (e *Engine) agent(name string) (*toolloop.Agent, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.agents[name]
	return a, ok
}

func (e *Engine) function(name string) (Function, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.functions[name]
	return fn, ok
}

// Abort requests cooperative cancellation of a running run. The run stops
// at its next pre-step check with CANCELLED; in-flight calls complete.
func (e *Engine) Abort(runID, reason string) error {
	e.mu.RLock()
	r, ok := e.running[runID]
	e.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q is not running", runID)
	}
	if reason == "" {
		reason = "aborted"
	}
	r.gov.Abort(reason)
	e.logger.Info("run abort requested", slog.String("run_id", runID), slog.String("reason", reason))
	return nil
}

// Running returns the IDs of in-flight runs, sub-workflow runs included.
func (e *Engine) Running() []string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (e *Engine) register(r *run) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[r.id]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q is already running", r.id)
	}
	e.running[r.id] = r
	return nil
}

func (e *Engine) unregister(runID string) {
	e.mu.Lock()
	delete(e.running, runID)
	e.mu.Unlock()
}
