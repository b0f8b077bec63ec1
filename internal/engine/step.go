package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/governor"
	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/routing"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/internal/toolloop"
	"github.com/rendis/stepwise/pkg/schema"
)

// runStep executes one step: render its input, invoke it with retries,
// apply the error policy, record the output and ask the router what is next.
// The caller has already passed the governor check for this step.
func (r *run) runStep(ctx context.Context, step *schema.Step, last any, branches map[string]any, br *branch) (any, routing.NextAction, error) {
	ctx = logging.WithStepID(ctx, step.ID)
	ctx, span := r.e.tracer.Start(ctx, "stepwise.step", trace.WithAttributes(
		attribute.String("stepwise.run_id", r.id),
		attribute.String("stepwise.step_id", step.ID),
		attribute.String("stepwise.invoke.kind", string(step.Invoke.Kind)),
		attribute.String("stepwise.invoke.name", step.Invoke.Name),
		attribute.String("stepwise.branch", br.label()),
	))
	defer span.End()

	input := last
	if step.Input != nil {
		var diags []expressions.Diagnostic
		input, diags = expressions.Render(step.Input, r.scope(last, branches))
		r.templateWarnings(ctx, step.ID, "input", diags)
	}

	fsm := NewStepFSM(step.ID, r.em.emit)
	startedAt := time.Now()
	if err := fsm.Transition(ctx, schema.StepStatusRunning, map[string]any{
		"kind":   step.Invoke.Kind,
		"name":   step.Invoke.Name,
		"branch": br.label(),
		"input":  input,
	}); err != nil {
		return nil, routing.NextAction{}, err
	}
	r.logger.DebugContext(ctx, "step started",
		slog.String("kind", string(step.Invoke.Kind)),
		slog.String("name", step.Invoke.Name),
	)

	out, attempts, err := r.attempts(ctx, step, input, fsm)
	exec := StepExecution{
		StepID:    step.ID,
		Branch:    br.label(),
		Attempts:  attempts,
		Input:     input,
		StartedAt: startedAt,
		Duration:  time.Since(startedAt),
	}
	span.SetAttributes(attribute.Int("stepwise.attempts", attempts))

	var override string
	if err != nil {
		policy := HandleStepError(step, err)
		exec.Status = schema.StepStatusFailed
		exec.Error = asEngineError(err)
		exec.Output = policy.Output
		_ = fsm.Transition(ctx, schema.StepStatusFailed, map[string]any{
			"error":       exec.Error,
			"attempts":    attempts,
			"duration_ms": exec.Duration.Milliseconds(),
			"strategy":    policy.Strategy,
		})
		r.recordStep(ctx, exec)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.WarnContext(ctx, "step failed",
			slog.String("code", exec.Error.Code),
			slog.String("error", err.Error()),
			slog.Int("attempts", attempts),
			slog.String("strategy", string(policy.Strategy)),
		)
		if policy.Err != nil {
			return nil, routing.NextAction{}, policy.Err
		}
		out, override = policy.Output, policy.GotoStep
	} else {
		exec.Status = schema.StepStatusCompleted
		exec.Output = out
		_ = fsm.Transition(ctx, schema.StepStatusCompleted, map[string]any{
			"output":      out,
			"attempts":    attempts,
			"duration_ms": exec.Duration.Milliseconds(),
		})
		r.recordStep(ctx, exec)
		r.logger.DebugContext(ctx, "step completed",
			slog.Int("attempts", attempts),
			slog.Duration("duration", exec.Duration),
		)
	}

	r.outputs.Set(step.ID, out)

	var action routing.NextAction
	if override != "" {
		action = routing.NextAction{Kind: routing.Goto, Step: override, Matched: -1}
	} else {
		action, err = r.e.router.Route(ctx, r.wf, step, r.scope(out, branches))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, routing.NextAction{}, err
		}
	}
	r.em.emit(ctx, step.ID, schema.EventRouteDecided, routePayload(action))
	return out, action, nil
}

// attempts invokes step until it succeeds, fails fatally or exhausts its
// retry policy. Every retry is preceded by a governor check and every failed
// attempt counts toward the circuit breaker.
func (r *run) attempts(ctx context.Context, step *schema.Step, input any, fsm *StepFSM) (any, int, error) {
	maxAttempts := 1
	if step.Retry != nil && step.Retry.Max > 0 {
		maxAttempts += step.Retry.Max
	}

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if err := r.check(ctx, step.ID); err != nil {
				return nil, attempt - 1, err
			}
			if err := fsm.Transition(ctx, schema.StepStatusRunning, nil); err != nil {
				return nil, attempt - 1, err
			}
		}

		out, err := r.attempt(ctx, step, input)
		if err == nil {
			r.gov.RecordSuccess()
			return out, attempt, nil
		}
		if isFatal(err) {
			return nil, attempt, err
		}
		r.gov.RecordFailure()
		if attempt >= maxAttempts || !IsRetryableError(err) {
			return nil, attempt, err
		}

		delay := ComputeBackoff(step.Retry, attempt-1)
		_ = fsm.Transition(ctx, schema.StepStatusRetrying, map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    asEngineError(err),
		})
		r.logger.DebugContext(ctx, "retrying step",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := WaitForBackoff(ctx, delay); err != nil {
			return nil, attempt, err
		}
	}
}

// attempt runs one invocation, bounded by the step timeout when set.
func (r *run) attempt(ctx context.Context, step *schema.Step, input any) (any, error) {
	if step.Timeout == "" {
		return r.invoke(ctx, step, input)
	}
	d, err := time.ParseDuration(step.Timeout)
	if err != nil || d <= 0 {
		return r.invoke(ctx, step, input)
	}

	actx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	out, err := r.invoke(actx, step, input)
	if err != nil && !isFatal(err) && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "attempt timed out after %s", d).
			WithStep(step.ID).
			WithCause(context.DeadlineExceeded)
	}
	return out, err
}

func (r *run) invoke(ctx context.Context, step *schema.Step, input any) (any, error) {
	switch step.Invoke.Kind {
	case schema.InvokeAgent:
		return r.invokeAgent(ctx, step, input)
	case schema.InvokeTool:
		return r.invokeTool(ctx, step, input)
	case schema.InvokeFunction:
		return r.invokeFunction(ctx, step, input)
	case schema.InvokeWorkflow:
		return r.invokeWorkflow(ctx, step, input)
	}
	return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown invocable kind %q", step.Invoke.Kind).WithStep(step.ID)
}

// --- Agent steps ---

func (r *run) invokeAgent(ctx context.Context, step *schema.Step, input any) (any, error) {
	agent, ok := r.e.agent(step.Invoke.Name)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not registered", step.Invoke.Name).WithStep(step.ID)
	}

	loop := toolloop.New(r.e.tools,
		toolloop.WithGate(r.gov),
		toolloop.WithLogger(r.logger),
		toolloop.WithObserver(func(ev toolloop.Event) { r.observe(ctx, step.ID, ev) }),
	)

	message := agentMessage(input)
	var (
		res *toolloop.Result
		err error
	)
	if agent.Stream {
		res, err = loop.InvokeStream(ctx, agent, message, nil, func(ev toolloop.StreamEvent) {
			r.em.publish(ctx, step.ID, schema.EventAgentDelta, deltaPayload(agent.Name, ev))
		})
	} else {
		res, err = loop.Invoke(ctx, agent, message, nil)
	}
	if err != nil {
		return nil, err
	}
	if res.Truncated {
		r.logger.WarnContext(ctx, "agent stopped at iteration ceiling",
			slog.String("agent", agent.Name),
			slog.Int("iterations", res.Iterations),
		)
	}
	return res.Output, nil
}

// observe turns tool-calling loop observations into run events.
func (r *run) observe(ctx context.Context, stepID string, ev toolloop.Event) {
	switch ev.Kind {
	case toolloop.EventToolCall:
		payload := map[string]any{
			"agent":       ev.Agent,
			"tool":        ev.Tool,
			"call_id":     ev.CallID,
			"iteration":   ev.Iteration,
			"duration_ms": ev.Duration.Milliseconds(),
		}
		if ev.Err != "" {
			payload["error"] = ev.Err
		}
		r.em.emit(ctx, stepID, schema.EventToolCall, payload)
	case toolloop.EventCeiling:
		r.em.emit(ctx, stepID, schema.EventIterationCeiling, map[string]any{
			"agent":     ev.Agent,
			"iteration": ev.Iteration,
		})
	default:
		r.logger.DebugContext(ctx, "agent event",
			slog.String("kind", string(ev.Kind)),
			slog.String("agent", ev.Agent),
			slog.Int("iteration", ev.Iteration),
			slog.Int("depth", ev.Depth),
		)
	}
}

func agentMessage(input any) string {
	switch v := input.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return expressions.Stringify(v)
	}
}

func deltaPayload(agent string, ev toolloop.StreamEvent) map[string]any {
	payload := map[string]any{"agent": agent, "iteration": ev.Iteration}
	if ev.Delta != "" {
		payload["delta"] = ev.Delta
	}
	if ev.ToolCall != nil {
		payload["tool_call"] = ev.ToolCall.Name
	}
	if ev.ToolResult != nil {
		payload["tool_result"] = ev.ToolResult.Content
	}
	return payload
}

// --- Tool steps ---

func (r *run) invokeTool(ctx context.Context, step *schema.Step, input any) (any, error) {
	name := step.Invoke.Name
	args := map[string]any{}
	switch v := input.(type) {
	case nil:
	case map[string]any:
		args = v
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"tool step input must be an object, got %s", expressions.TypeName(input)).
			WithStep(step.ID)
	}

	if err := r.gov.AcquireCall(governor.CallTool, name); err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := r.e.tools.Execute(ctx, name, args)
	payload := map[string]any{"tool": name, "duration_ms": time.Since(start).Milliseconds()}
	if err != nil {
		payload["error"] = err.Error()
	}
	r.em.emit(ctx, step.ID, schema.EventToolCall, payload)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- Function steps ---

func (r *run) invokeFunction(ctx context.Context, step *schema.Step, input any) (any, error) {
	fn, ok := r.e.function(step.Invoke.Name)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "function %q not registered", step.Invoke.Name).WithStep(step.ID)
	}
	return callFunction(ctx, step.Invoke.Name, fn, input)
}

// callFunction runs fn and normalizes its result. Panics become
// EXECUTION_ERROR; plain errors are wrapped, engine errors pass through.
func callFunction(ctx context.Context, name string, fn Function, input any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = schema.NewErrorf(schema.ErrCodeExecution, "function %q panicked: %v", name, p)
		}
	}()

	out, err = fn(ctx, input)
	if err != nil {
		var engErr *schema.EngineError
		if errors.As(err, &engErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "function %q failed: %v", name, err).WithCause(err)
	}
	return expressions.Normalize(out), nil
}

// --- Sub-workflow steps ---

// invokeWorkflow runs a sub-workflow as a nested run. The child has its own
// run ID, governor and output scope; its calls are charged to this run and
// it observes this run's cancellation.
func (r *run) invokeWorkflow(ctx context.Context, step *schema.Step, input any) (any, error) {
	if r.depth+1 > r.e.cfg.MaxWorkflowDepth {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"sub-workflow depth %d exceeds the limit of %d", r.depth+1, r.e.cfg.MaxWorkflowDepth).
			WithStep(step.ID).
			WithDetails(map[string]any{"measured": r.depth + 1, "limit": r.e.cfg.MaxWorkflowDepth})
	}
	if r.e.cfg.Workflows == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found: no workflow source", step.Invoke.Name).WithStep(step.ID)
	}
	child, err := r.e.cfg.Workflows.Workflow(step.Invoke.Name)
	if err != nil {
		return nil, err
	}
	if err := r.e.validator.Validate(child).ToError(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "sub-workflow %q is invalid", step.Invoke.Name).
			WithStep(step.ID).
			WithCause(err)
	}

	o := runOptions{vars: r.vars}
	if step.Invoke.PassOutputs {
		o.outputs = expressions.NewOutputStoreFrom(r.outputs.Snapshot())
	}
	res, err := r.e.start(ctx, child, input, o, r)
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}

// --- Bookkeeping ---

func (r *run) recordStep(ctx context.Context, exec StepExecution) {
	r.appendTrace(exec)
	if r.e.cfg.Recorder == nil {
		return
	}

	completedAt := exec.StartedAt.Add(exec.Duration).UTC()
	rec := &store.StepExecution{
		RunID:       r.id,
		StepID:      exec.StepID,
		Branch:      exec.Branch,
		Attempts:    exec.Attempts,
		Status:      exec.Status,
		Input:       rawJSON(exec.Input),
		Output:      rawJSON(exec.Output),
		StartedAt:   exec.StartedAt.UTC(),
		CompletedAt: &completedAt,
		DurationMs:  exec.Duration.Milliseconds(),
	}
	if exec.Error != nil {
		rec.Error = rawJSON(exec.Error)
	}
	if err := r.e.cfg.Recorder.RecordStep(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.WarnContext(ctx, "record step failed", slog.String("error", err.Error()))
	}
}

func (r *run) templateWarnings(ctx context.Context, stepID, field string, diags []expressions.Diagnostic) {
	if len(diags) == 0 {
		return
	}
	msgs := make([]string, len(diags))
	for i, d := range diags {
		msgs[i] = d.String()
	}
	r.em.emit(ctx, stepID, schema.EventTemplateWarning, map[string]any{"field": field, "diagnostics": msgs})
	r.logger.WarnContext(ctx, "unresolved template reference",
		slog.String("field", field),
		slog.Any("diagnostics", msgs),
	)
}

func routePayload(a routing.NextAction) map[string]any {
	p := map[string]any{"action": string(a.Kind), "decision": a.String()}
	switch a.Kind {
	case routing.Goto:
		p["next"] = a.Step
		if a.Matched >= 0 {
			p["matched"] = a.Matched
		}
	case routing.GotoMany:
		p["targets"] = a.Targets
		p["join"] = a.Join
	}
	if len(a.Warnings) > 0 {
		p["warnings"] = a.Warnings
	}
	return p
}
