package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/governor"
	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/routing"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// RunOption configures one run.
type RunOption func(*runOptions)

type runOptions struct {
	runID   string
	limits  *governor.Limits
	cancel  *governor.CancelFlag
	vars    map[string]any
	outputs *expressions.OutputStore
}

// WithRunID sets the run ID instead of generating one.
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.runID = id }
}

// WithLimits overrides the governor limits for this run. Non-zero fields
// win over the engine defaults and the workflow's own limits.
func WithLimits(l governor.Limits) RunOption {
	return func(o *runOptions) { o.limits = &l }
}

// WithCancelFlag lets the caller cancel the run through its own flag.
func WithCancelFlag(f *governor.CancelFlag) RunOption {
	return func(o *runOptions) { o.cancel = f }
}

// WithVars exposes caller variables to templates under `vars`.
func WithVars(vars map[string]any) RunOption {
	return func(o *runOptions) { o.vars = vars }
}

// run is the execution context of one Run call. It is owned by that call
// and never shared with other runs.
type run struct {
	e        *Engine
	id       string
	parentID string
	depth    int
	wf       *schema.Workflow
	input    any
	vars     map[string]any
	outputs  *expressions.OutputStore
	gov      *governor.Governor
	fsm      *RunFSM
	em       *emitter
	logger   *slog.Logger

	mu    sync.Mutex // guards trace
	trace []StepExecution
}

// Run executes wf with input and blocks until it terminates.
//
// Execution starts at the first declared step; every later step is chosen by
// the output router. The returned result is non-nil once the run has
// started; a failed run returns both the result (with Error set) and the
// error. Cancelling ctx is observed at the next pre-step check.
func (e *Engine) Run(ctx context.Context, wf *schema.Workflow, input any, opts ...RunOption) (*RunResult, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if err := e.validator.Validate(wf).ToError(); err != nil {
		return nil, err
	}

	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	return e.start(ctx, wf, input, o, nil)
}

// limitsFor layers engine defaults, the workflow's limits and the caller's
// override, in that order.
func (e *Engine) limitsFor(wf *schema.Workflow, base governor.Limits, o runOptions) (governor.Limits, error) {
	limits := base
	if wf.Limits != nil {
		spec, err := governor.FromSpec(wf.Limits)
		if err != nil {
			return limits, err
		}
		limits = limits.Override(spec)
	}
	if o.limits != nil {
		limits = limits.Override(*o.limits)
	}
	return limits, nil
}

func (e *Engine) start(ctx context.Context, wf *schema.Workflow, input any, o runOptions, parent *run) (*RunResult, error) {
	base := e.cfg.Limits
	if parent != nil {
		base = parent.gov.Limits()
	}
	limits, err := e.limitsFor(wf, base, o)
	if err != nil {
		return nil, err
	}

	r := &run{
		e:       e,
		id:      o.runID,
		wf:      wf,
		input:   expressions.Normalize(input),
		vars:    o.vars,
		outputs: o.outputs,
	}
	if r.id == "" {
		r.id = uuid.NewString()
	}
	if r.outputs == nil {
		r.outputs = expressions.NewOutputStore()
	}
	if parent != nil {
		r.parentID = parent.id
		r.depth = parent.depth + 1
		r.gov = parent.gov.Child(limits)
	} else {
		govOpts := []governor.Option{governor.WithLogger(e.logger)}
		if o.cancel != nil {
			govOpts = append(govOpts, governor.WithCancelFlag(o.cancel))
		}
		r.gov = governor.New(limits, govOpts...)
	}

	ctx = logging.WithRun(ctx, r.id, wf.ID)
	r.logger = e.logger
	r.em = &emitter{runID: r.id, workflowID: wf.ID, recorder: e.cfg.Recorder, hub: e.cfg.Hub, logger: r.logger}
	r.fsm = NewRunFSM(r.em.emit)
	for _, to := range ValidRunTransitions[schema.RunStatusRunning] {
		r.fsm.OnAfter(schema.RunStatusRunning, to, func(_, _ string) error {
			e.unregister(r.id)
			return nil
		})
	}

	if err := e.register(r); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "stepwise.run", trace.WithAttributes(
		attribute.String("stepwise.run_id", r.id),
		attribute.String("stepwise.workflow_id", wf.ID),
		attribute.Int("stepwise.depth", r.depth),
	))
	defer span.End()

	// Caller cancellation is cooperative: it raises the governor's flag and
	// the next pre-step check ends the run.
	stop := context.AfterFunc(ctx, func() { r.gov.Abort(context.Cause(ctx).Error()) })
	defer stop()

	startedAt := time.Now().UTC()
	r.create(ctx, startedAt)

	if err := r.fsm.Transition(ctx, schema.RunStatusRunning, map[string]any{
		"workflow_id":   wf.ID,
		"parent_run_id": r.parentID,
		"input":         r.input,
		"limits":        limits,
	}); err != nil {
		e.unregister(r.id)
		return nil, err
	}
	r.logger.DebugContext(ctx, "run started", slog.Int("steps", len(wf.Steps)), slog.Int("depth", r.depth))

	var out any
	if len(wf.Steps) == 0 {
		err = schema.NewError(schema.ErrCodeConfiguration, "workflow has no steps")
	} else {
		out, err = r.drive(ctx, wf.Steps[0].ID, r.input, nil)
	}
	return r.finish(ctx, span, startedAt, out, err)
}

func (r *run) create(ctx context.Context, startedAt time.Time) {
	if r.e.cfg.Recorder == nil {
		return
	}
	err := r.e.cfg.Recorder.CreateRun(context.WithoutCancel(ctx), &store.Run{
		ID:           r.id,
		WorkflowID:   r.wf.ID,
		WorkflowName: r.wf.Name,
		ParentRunID:  r.parentID,
		Definition:   *r.wf,
		Status:       schema.RunStatusRunning,
		Input:        rawJSON(r.input),
		StartedAt:    &startedAt,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "record run failed", slog.String("error", err.Error()))
	}
}

// finish moves the run to its terminal state, persists the outcome and
// builds the result.
func (r *run) finish(ctx context.Context, span trace.Span, startedAt time.Time, out any, runErr error) (*RunResult, error) {
	var engErr *schema.EngineError
	if runErr != nil {
		// A cancelled caller context surfaces as a governor cancellation at
		// the next check; report a passed deadline as a timeout instead.
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded) &&
			(schema.HasCode(runErr, schema.ErrCodeCancelled) || !schema.IsFatal(runErr)):
			runErr = schema.NewError(schema.ErrCodeTimedOut, "run deadline exceeded").WithCause(runErr)
		case ctx.Err() != nil && !schema.IsFatal(runErr):
			runErr = schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(runErr)
		}
		engErr = asEngineError(runErr)
	} else {
		r.gov.Complete()
	}

	stats := r.gov.Stats()
	status := schema.RunStatusCompleted
	if engErr != nil {
		status = runStatusFor(engErr)
	}
	completedAt := time.Now().UTC()

	payload := map[string]any{"stats": stats, "duration_ms": completedAt.Sub(startedAt).Milliseconds()}
	if engErr != nil {
		payload["error"] = engErr
	} else {
		payload["output"] = out
	}
	if err := r.fsm.Transition(ctx, status, payload); err != nil {
		r.logger.ErrorContext(ctx, "run transition failed", slog.String("error", err.Error()))
		r.e.unregister(r.id)
	}

	if r.e.cfg.Recorder != nil {
		update := store.RunUpdate{
			Status:      &status,
			Stats:       rawJSON(stats),
			CompletedAt: &completedAt,
		}
		if engErr != nil {
			update.Error = rawJSON(engErr)
		} else {
			update.Output = rawJSON(out)
		}
		if err := r.e.cfg.Recorder.UpdateRun(context.WithoutCancel(ctx), r.id, update); err != nil {
			r.logger.WarnContext(ctx, "update run failed", slog.String("error", err.Error()))
		}
	}

	span.SetAttributes(
		attribute.String("stepwise.status", string(status)),
		attribute.Int("stepwise.calls", stats.Calls),
	)

	r.mu.Lock()
	steps := make([]StepExecution, len(r.trace))
	copy(steps, r.trace)
	r.mu.Unlock()

	result := &RunResult{
		RunID:       r.id,
		WorkflowID:  r.wf.ID,
		ParentRunID: r.parentID,
		Status:      status,
		Trace:       steps,
		Stats:       stats,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
		Error:       engErr,
	}

	if engErr != nil {
		span.RecordError(engErr)
		span.SetStatus(codes.Error, engErr.Error())
		r.logger.ErrorContext(ctx, "run failed",
			slog.String("status", string(status)),
			slog.String("code", engErr.Code),
			slog.String("error", engErr.Error()),
		)
		return result, engErr
	}

	result.Output = out
	span.SetStatus(codes.Ok, "")
	r.logger.InfoContext(ctx, "run completed",
		slog.Int("steps", len(steps)),
		slog.Int("calls", stats.Calls),
		slog.Duration("elapsed", stats.Elapsed),
	)
	return result, nil
}

// check is the pre-step governor check. A done caller context raises the
// cancel flag first, so cancellation never waits on the AfterFunc goroutine.
func (r *run) check(ctx context.Context, stepID string) error {
	if ctx.Err() != nil {
		r.gov.Abort(context.Cause(ctx).Error())
	}
	if err := r.gov.Check(stepID); err != nil {
		r.tripped(ctx, stepID, err)
		return err
	}
	return nil
}

// errBranchHalted stops a fan-out branch after a sibling failed.
var errBranchHalted = errors.New("fan-out branch halted")

// drive executes steps starting at start until the router terminates. In a
// fan-out branch it also stops when routing reaches the join step or a
// sibling branch, returning the branch's last output.
func (r *run) drive(ctx context.Context, start string, last any, br *branch) (any, error) {
	cur := start
	var branches map[string]any
	for {
		if br.halted() {
			return nil, errBranchHalted
		}
		step := r.wf.Step(cur)
		if step == nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "step %q not found", cur)
		}
		if err := r.check(ctx, step.ID); err != nil {
			return nil, err
		}

		out, action, err := r.runStep(ctx, step, last, branches, br)
		if err != nil {
			return nil, err
		}
		branches = nil

		switch action.Kind {
		case routing.Terminate:
			return action.Value, nil
		case routing.Goto:
			if br.stopsAt(action.Step) {
				return out, nil
			}
			cur, last = action.Step, out
		case routing.GotoMany:
			joined, err := r.fanOut(ctx, step, action, out, br)
			if err != nil {
				return nil, err
			}
			if br.stopsAt(action.Join) {
				return joined, nil
			}
			cur, last, branches = action.Join, joined, joined
		default:
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown next action %q", action.Kind).WithStep(step.ID)
		}
	}
}

// tripped reports a governor trip.
func (r *run) tripped(ctx context.Context, stepID string, err error) {
	payload := map[string]any{"state": string(r.gov.State()), "code": schema.CodeOf(err)}
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		payload["message"] = engErr.Message
		payload["details"] = engErr.Details
	}
	r.em.emit(ctx, stepID, schema.EventGovernorTripped, payload)
	r.logger.WarnContext(logging.WithStepID(ctx, stepID), "governor tripped",
		slog.String("code", schema.CodeOf(err)),
		slog.String("error", err.Error()),
	)
}

// scope builds the template scope for one step from a snapshot of the
// output store.
func (r *run) scope(last any, branches map[string]any) *expressions.Scope {
	return &expressions.Scope{
		StepOutputs: r.outputs.Snapshot(),
		Input:       r.input,
		LastOutput:  last,
		Branches:    branches,
		Workflow: map[string]any{
			"id":     r.wf.ID,
			"name":   r.wf.Name,
			"run_id": r.id,
		},
		Vars: r.vars,
	}
}

func (r *run) appendTrace(exec StepExecution) {
	r.mu.Lock()
	r.trace = append(r.trace, exec)
	r.mu.Unlock()
}
