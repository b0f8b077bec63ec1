package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepwise/internal/governor"
	"github.com/rendis/stepwise/internal/provider"
	"github.com/rendis/stepwise/internal/tools"
	"github.com/rendis/stepwise/pkg/schema"
)

// ToolExecutor runs tools by name. *tools.Registry satisfies it.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) (any, error)
	Definitions(names ...string) ([]tools.Definition, error)
}

// CallGate accounts for every outbound call. *governor.Governor satisfies it.
// A refusal is fatal for the invocation.
type CallGate interface {
	AcquireCall(kind governor.CallKind, name string) error
}

// EventKind classifies loop observations.
type EventKind string

const (
	EventProviderCall EventKind = "provider_call"
	EventToolCall     EventKind = "tool_call"
	EventRepair       EventKind = "repair"
	EventCeiling      EventKind = "iteration_ceiling"
)

// Event is one observation reported to the loop's observer.
type Event struct {
	Kind      EventKind
	Agent     string
	Iteration int
	Tool      string
	CallID    string
	Depth     int // repair depth
	Err       string
	Duration  time.Duration
}

// StreamEvent is one element of a streamed invocation: a content delta or a
// tool result resumed into the stream.
type StreamEvent struct {
	Iteration  int
	Delta      string
	ToolCall   *provider.ToolCall
	ToolResult *provider.Message
}

// Result is the outcome of one invocation.
type Result struct {
	Content string
	// Output is Content decoded as JSON when the agent asks for JSON output,
	// otherwise Content.
	Output any
	// Truncated is set when the iteration ceiling cut the exchange short;
	// Content is then the best partial content seen.
	Truncated  bool
	Iterations int
	ToolCalls  int
	Repairs    int
	Messages   []provider.Message
	Usage      provider.Usage
}

// Loop runs the bounded tool-calling exchange between an agent and its tools.
type Loop struct {
	tools    ToolExecutor
	gate     CallGate
	logger   *slog.Logger
	observer func(Event)
}

// Option configures a Loop.
type Option func(*Loop)

// WithGate sets the call gate. Without one calls are not accounted.
func WithGate(g CallGate) Option {
	return func(l *Loop) { l.gate = g }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithObserver receives every loop event.
func WithObserver(fn func(Event)) Option {
	return func(l *Loop) { l.observer = fn }
}

// New creates a Loop. executor may be nil for agents without tools.
func New(executor ToolExecutor, opts ...Option) *Loop {
	l := &Loop{tools: executor, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Invoke sends message after history and runs requested tools until the
// provider answers without tool calls or the iteration ceiling is reached.
func (l *Loop) Invoke(ctx context.Context, agent *Agent, message string, history []provider.Message) (*Result, error) {
	return l.run(ctx, agent, message, history, nil)
}

// InvokeStream is Invoke over the provider's streaming API. Deltas and tool
// results are passed to onChunk as they arrive. Tool calls are read from the
// terminal chunk of each streamed reply, so tool use behaves exactly as in
// Invoke. Providers that cannot stream fall back to Send with one delta per reply.
func (l *Loop) InvokeStream(ctx context.Context, agent *Agent, message string, history []provider.Message, onChunk func(StreamEvent)) (*Result, error) {
	if onChunk == nil {
		onChunk = func(StreamEvent) {}
	}
	return l.run(ctx, agent, message, history, onChunk)
}

func (l *Loop) run(ctx context.Context, agent *Agent, message string, history []provider.Message, onChunk func(StreamEvent)) (*Result, error) {
	if agent == nil || agent.Provider == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "agent has no provider")
	}

	defs, err := l.definitions(agent)
	if err != nil {
		return nil, err
	}

	msgs := make([]provider.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: message})

	res := &Result{}
	maxIter := agent.maxIterations()

	for iter := 1; iter <= maxIter; iter++ {
		// The governor's cancel flag is only observed through the gate; a done
		// context is a hard stop.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Iterations = iter

		resp, err := l.send(ctx, agent, provider.Request{
			Model:     agent.Model,
			System:    agent.System,
			Messages:  msgs,
			Tools:     defs,
			MaxTokens: agent.MaxTokens,
		}, iter, onChunk)
		if err != nil {
			return nil, err
		}
		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens
		if resp.Content != "" {
			res.Content = resp.Content
		}

		if len(resp.ToolCalls) == 0 {
			msgs = append(msgs, provider.Message{Role: provider.RoleAssistant, Content: resp.Content})
			res.Messages = msgs
			return l.finish(ctx, agent, res, resp.Content)
		}

		calls := make([]provider.ToolCall, len(resp.ToolCalls))
		for i, call := range resp.ToolCalls {
			if call.ID == "" {
				call.ID = uuid.NewString()
			}
			calls[i] = call
		}
		msgs = append(msgs, provider.Message{Role: provider.RoleAssistant, Content: resp.Content, ToolCalls: calls})

		if iter == maxIter {
			break
		}

		for _, call := range calls {
			if onChunk != nil {
				c := call
				onChunk(StreamEvent{Iteration: iter, ToolCall: &c})
			}
			msg, err := l.runTool(ctx, agent, call, iter, res)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, msg)
			if onChunk != nil {
				m := msg
				onChunk(StreamEvent{Iteration: iter, ToolResult: &m})
			}
		}
	}

	// Ceiling reached with tool calls still pending: they are dropped.
	l.logger.Warn("tool-calling loop hit iteration ceiling",
		slog.String("agent", agent.Name),
		slog.Int("max_iterations", maxIter),
		slog.Int("tool_calls", res.ToolCalls),
	)
	l.emit(Event{Kind: EventCeiling, Agent: agent.Name, Iteration: maxIter})
	res.Truncated = true
	res.Messages = msgs
	res.Output = res.Content
	return res, nil
}

// definitions resolves the agent's tools into provider definitions.
func (l *Loop) definitions(agent *Agent) ([]provider.ToolDefinition, error) {
	if len(agent.Tools) == 0 {
		return nil, nil
	}
	if l.tools == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "agent %q declares tools but no tool registry is configured", agent.Name)
	}
	defs, err := l.tools.Definitions(agent.Tools...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "agent %q: %v", agent.Name, err).WithCause(err)
	}
	out := make([]provider.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = provider.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out, nil
}

// send makes one gated provider call, streaming when asked and possible.
func (l *Loop) send(ctx context.Context, agent *Agent, req provider.Request, iter int, onChunk func(StreamEvent)) (*provider.Response, error) {
	if l.gate != nil {
		if err := l.gate.AcquireCall(governor.CallProvider, agent.Name); err != nil {
			return nil, err
		}
		// Retries inside a resilient provider are outbound calls too.
		ctx = provider.WithRetryGate(ctx, func(int) error {
			return l.gate.AcquireCall(governor.CallProvider, agent.Name)
		})
	}

	start := time.Now()
	var (
		resp *provider.Response
		err  error
	)
	sp, canStream := provider.AsStreaming(agent.Provider)
	switch {
	case onChunk != nil && agent.Stream && canStream:
		var ch <-chan provider.Chunk
		ch, err = sp.Stream(ctx, req)
		if err == nil {
			resp, err = provider.Collect(ch, func(c provider.Chunk) {
				if c.Delta != "" {
					onChunk(StreamEvent{Iteration: iter, Delta: c.Delta})
				}
			})
		}
	default:
		resp, err = agent.Provider.Send(ctx, req)
		if err == nil && onChunk != nil && resp.Content != "" {
			onChunk(StreamEvent{Iteration: iter, Delta: resp.Content})
		}
	}

	ev := Event{Kind: EventProviderCall, Agent: agent.Name, Iteration: iter, Duration: time.Since(start)}
	if err != nil {
		ev.Err = err.Error()
	}
	l.emit(ev)

	if err != nil {
		return nil, providerError(ctx, agent, iter, err)
	}
	if resp == nil {
		return nil, schema.NewErrorf(schema.ErrCodeProvider, "provider %s returned no response", agent.Provider.Name())
	}
	return resp, nil
}

func providerError(ctx context.Context, agent *Agent, iter int, err error) error {
	if schema.IsFatal(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return schema.NewErrorf(schema.ErrCodeProvider, "provider %s: %v", agent.Provider.Name(), err).
		WithCause(err).
		WithDetails(map[string]any{
			"agent":     agent.Name,
			"provider":  agent.Provider.Name(),
			"iteration": iter,
			"transient": provider.IsTransient(err),
		})
}

// runTool executes one requested call and returns the tool-result message.
// Lookup misses, bad arguments and tool failures become error results;
// only gate refusals, fatal errors and cancellation are returned as errors.
func (l *Loop) runTool(ctx context.Context, agent *Agent, call provider.ToolCall, iter int, res *Result) (provider.Message, error) {
	if err := ctx.Err(); err != nil {
		return provider.Message{}, err
	}

	args, err := l.arguments(ctx, agent, call, iter, res)
	if err != nil {
		if fatal(ctx, err) {
			return provider.Message{}, err
		}
		l.emit(Event{Kind: EventToolCall, Agent: agent.Name, Iteration: iter, Tool: call.Name, CallID: call.ID, Err: err.Error()})
		return errorResult(call, err), nil
	}

	if l.tools == nil {
		err := schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not registered", call.Name)
		return errorResult(call, err), nil
	}

	if l.gate != nil {
		if err := l.gate.AcquireCall(governor.CallTool, call.Name); err != nil {
			return provider.Message{}, err
		}
	}
	res.ToolCalls++

	start := time.Now()
	out, err := l.tools.Execute(ctx, call.Name, args)
	ev := Event{Kind: EventToolCall, Agent: agent.Name, Iteration: iter, Tool: call.Name, CallID: call.ID, Duration: time.Since(start)}
	if err != nil {
		ev.Err = err.Error()
	}
	l.emit(ev)

	if err != nil {
		if fatal(ctx, err) {
			return provider.Message{}, err
		}
		l.logger.Debug("tool call failed",
			slog.String("agent", agent.Name),
			slog.String("tool", call.Name),
			slog.String("error", err.Error()),
		)
		return errorResult(call, err), nil
	}
	return provider.Message{
		Role:       provider.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    encodeResult(out),
	}, nil
}

// arguments returns the call's arguments, decoding and if needed repairing
// a raw JSON payload.
func (l *Loop) arguments(ctx context.Context, agent *Agent, call provider.ToolCall, iter int, res *Result) (map[string]any, error) {
	if call.Arguments != nil || call.RawArguments == "" {
		return call.Arguments, nil
	}
	var args map[string]any
	err := json.Unmarshal([]byte(call.RawArguments), &args)
	if err == nil {
		return args, nil
	}

	fixed, err := l.repair(ctx, agent, repairRequest{
		what:   "arguments for tool " + call.Name,
		raw:    call.RawArguments,
		reason: err.Error(),
		object: true,
	}, iter, 0, res)
	if err != nil {
		return nil, err
	}
	m, _ := fixed.(map[string]any)
	return m, nil
}

// finish decodes the final reply when the agent asks for JSON.
func (l *Loop) finish(ctx context.Context, agent *Agent, res *Result, content string) (*Result, error) {
	if !agent.JSONOutput {
		res.Output = content
		return res, nil
	}
	v, err := decodeJSON(content, false)
	if err == nil {
		res.Output = v
		return res, nil
	}
	v, err = l.repair(ctx, agent, repairRequest{
		what:   "final answer",
		raw:    content,
		reason: err.Error(),
	}, res.Iterations, 0, res)
	if err != nil {
		if fatal(ctx, err) {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "agent %q did not return valid JSON", agent.Name).WithCause(err)
	}
	res.Output = v
	return res, nil
}

func (l *Loop) emit(ev Event) {
	if l.observer != nil {
		l.observer(ev)
	}
}

func fatal(ctx context.Context, err error) bool {
	return schema.IsFatal(err) || ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func errorResult(call provider.ToolCall, err error) provider.Message {
	payload := map[string]any{"error": err.Error()}
	if code := schema.CodeOf(err); code != "" {
		payload["code"] = code
	}
	b, _ := json.Marshal(payload)
	return provider.Message{
		Role:       provider.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    string(b),
	}
}

// encodeResult renders a tool result for the provider: strings verbatim,
// everything else as JSON.
func encodeResult(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error": "result is not JSON-encodable"}`
	}
	return string(b)
}
