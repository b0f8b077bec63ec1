package governor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/stepwise/pkg/schema"
)

// State is the lifecycle state of a governed run.
type State string

const (
	Running           State = "running"
	TimedOut          State = "timed_out"
	CallLimitExceeded State = "call_limit_exceeded"
	CircuitOpen       State = "circuit_open"
	Cancelled         State = "cancelled"
	Completed         State = "completed"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s != Running
}

// code maps a tripped state to its error code.
func (s State) code() string {
	switch s {
	case TimedOut:
		return schema.ErrCodeTimedOut
	case CallLimitExceeded:
		return schema.ErrCodeCallLimitExceeded
	case CircuitOpen:
		return schema.ErrCodeCircuitOpen
	case Cancelled:
		return schema.ErrCodeCancelled
	default:
		return schema.ErrCodeInvalidTransition
	}
}

// CallKind labels an outbound call for accounting.
type CallKind string

const (
	CallProvider CallKind = "provider"
	CallTool     CallKind = "tool"
)

// Limits bounds one run. A zero field disables that limit.
type Limits struct {
	MaxExecutionTime     time.Duration `json:"max_execution_time" mapstructure:"max_execution_time"`
	MaxCalls             int           `json:"max_calls" mapstructure:"max_calls"`
	MaxConsecutiveErrors int           `json:"max_consecutive_errors" mapstructure:"max_consecutive_errors"`
}

// DefaultLimits returns the limits applied when the caller configures none.
func DefaultLimits() Limits {
	return Limits{
		MaxExecutionTime:     10 * time.Minute,
		MaxCalls:             200,
		MaxConsecutiveErrors: 5,
	}
}

// Override returns l with every non-zero field of o applied.
func (l Limits) Override(o Limits) Limits {
	if o.MaxExecutionTime != 0 {
		l.MaxExecutionTime = o.MaxExecutionTime
	}
	if o.MaxCalls != 0 {
		l.MaxCalls = o.MaxCalls
	}
	if o.MaxConsecutiveErrors != 0 {
		l.MaxConsecutiveErrors = o.MaxConsecutiveErrors
	}
	return l
}

// FromSpec parses a workflow's limit overrides.
func FromSpec(spec *schema.LimitsSpec) (Limits, error) {
	var l Limits
	if spec == nil {
		return l, nil
	}
	if spec.MaxExecutionTime != "" {
		d, err := time.ParseDuration(spec.MaxExecutionTime)
		if err != nil || d < 0 {
			return l, schema.NewErrorf(schema.ErrCodeConfiguration,
				"invalid max_execution_time %q", spec.MaxExecutionTime)
		}
		l.MaxExecutionTime = d
	}
	if spec.MaxCalls < 0 || spec.MaxConsecutiveErrors < 0 {
		return l, schema.NewError(schema.ErrCodeConfiguration, "limits must not be negative")
	}
	l.MaxCalls = spec.MaxCalls
	l.MaxConsecutiveErrors = spec.MaxConsecutiveErrors
	return l, nil
}

// Stats is a point-in-time view of a governor's counters.
type Stats struct {
	State             State         `json:"state"`
	Elapsed           time.Duration `json:"elapsed"`
	Calls             int           `json:"calls"`
	ProviderCalls     int           `json:"provider_calls"`
	ToolCalls         int           `json:"tool_calls"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	TotalFailures     int           `json:"total_failures"`
	Checks            int           `json:"checks"`
}

// Governor enforces the time, call and failure limits of one run and carries
// its cancellation flag. One Governor belongs to exactly one run; it is safe
// for concurrent use by that run's fan-out branches.
type Governor struct {
	mu     sync.Mutex
	limits Limits
	state  State
	trip   *schema.EngineError

	start time.Time
	now   func() time.Time

	calls             int
	providerCalls     int
	toolCalls         int
	consecutiveErrors int
	totalFailures     int
	checks            int

	cancel *CancelFlag
	parent *Governor
	logger *slog.Logger
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithCancelFlag attaches an externally owned cancellation flag.
func WithCancelFlag(f *CancelFlag) Option {
	return func(g *Governor) {
		if f != nil {
			g.cancel = f
		}
	}
}

// WithLogger sets the logger used to report trips.
func WithLogger(l *slog.Logger) Option {
	return func(g *Governor) {
		if l != nil {
			g.logger = l
		}
	}
}

// New creates a running Governor. The clock starts immediately.
func New(limits Limits, opts ...Option) *Governor {
	g := &Governor{
		limits: limits,
		state:  Running,
		now:    time.Now,
		cancel: NewCancelFlag(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.start = g.now()
	return g
}

// Child creates a governor for a nested run. It has its own limits and
// counters, observes this governor's cancellation and limits, and charges
// every call to this governor as well.
func (g *Governor) Child(limits Limits) *Governor {
	return &Governor{
		limits: limits,
		state:  Running,
		now:    g.now,
		start:  g.now(),
		cancel: g.cancel.Child(),
		parent: g,
		logger: g.logger,
	}
}

// Limits returns the configured limits.
func (g *Governor) Limits() Limits {
	return g.limits
}

// CancelFlag returns the run's cancellation flag.
func (g *Governor) CancelFlag() *CancelFlag {
	return g.cancel
}

// Abort requests cooperative cancellation. It is observed by the next Check.
func (g *Governor) Abort(reason string) {
	g.cancel.Cancel(reason)
}

// State returns the current state.
func (g *Governor) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Err returns the error that tripped the governor, or nil.
func (g *Governor) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.trip == nil {
		return nil
	}
	return g.trip
}

// Check runs the pre-step checks in order: cancellation, timeout, call cap,
// circuit breaker. It must be called before every step. Once tripped the
// governor stays tripped and every later Check returns the same error.
func (g *Governor) Check(stepID string) error {
	if g.parent != nil {
		if err := g.parent.Check(stepID); err != nil {
			return g.inherit(err)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.checks++
	if g.state != Running {
		return g.stickyErr()
	}

	if g.cancel.Cancelled() {
		return g.tripLocked(Cancelled, stepID, "run cancelled: "+g.cancel.Reason(), nil)
	}

	elapsed := g.now().Sub(g.start)
	if g.limits.MaxExecutionTime > 0 && elapsed > g.limits.MaxExecutionTime {
		return g.tripLocked(TimedOut, stepID,
			fmt.Sprintf("execution time %s exceeded limit %s", elapsed.Round(time.Millisecond), g.limits.MaxExecutionTime),
			map[string]any{"measured": elapsed.String(), "limit": g.limits.MaxExecutionTime.String()})
	}

	if g.limits.MaxCalls > 0 && g.calls > g.limits.MaxCalls {
		return g.tripLocked(CallLimitExceeded, stepID,
			fmt.Sprintf("%d calls exceeded limit %d", g.calls, g.limits.MaxCalls),
			map[string]any{"measured": g.calls, "limit": g.limits.MaxCalls})
	}

	if g.limits.MaxConsecutiveErrors > 0 && g.consecutiveErrors >= g.limits.MaxConsecutiveErrors {
		return g.tripLocked(CircuitOpen, stepID,
			fmt.Sprintf("%d consecutive step failures reached limit %d", g.consecutiveErrors, g.limits.MaxConsecutiveErrors),
			map[string]any{"measured": g.consecutiveErrors, "limit": g.limits.MaxConsecutiveErrors})
	}

	return nil
}

// AcquireCall accounts for one outbound provider or tool call and must be
// called before the call is made. The call that would exceed MaxCalls is
// refused and trips the governor; it never executes.
func (g *Governor) AcquireCall(kind CallKind, name string) error {
	g.mu.Lock()
	if g.state != Running {
		err := g.stickyErr()
		g.mu.Unlock()
		return err
	}
	if g.limits.MaxCalls > 0 && g.calls+1 > g.limits.MaxCalls {
		err := g.tripLocked(CallLimitExceeded, "",
			fmt.Sprintf("%s call %q refused: call %d exceeds limit %d", kind, name, g.calls+1, g.limits.MaxCalls),
			map[string]any{"measured": g.calls + 1, "limit": g.limits.MaxCalls, "call_kind": string(kind), "call_name": name})
		g.mu.Unlock()
		return err
	}
	g.countLocked(kind, 1)
	g.mu.Unlock()

	if g.parent != nil {
		if err := g.parent.AcquireCall(kind, name); err != nil {
			g.mu.Lock()
			g.countLocked(kind, -1)
			g.mu.Unlock()
			return g.inherit(err)
		}
	}
	return nil
}

func (g *Governor) countLocked(kind CallKind, n int) {
	g.calls += n
	switch kind {
	case CallProvider:
		g.providerCalls += n
	case CallTool:
		g.toolCalls += n
	}
}

// RecordSuccess resets the consecutive failure count.
func (g *Governor) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutiveErrors = 0
}

// RecordFailure counts a failed step attempt. Crossing the threshold is
// reported by the next Check.
func (g *Governor) RecordFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutiveErrors++
	g.totalFailures++
}

// Complete marks the run as finished. It has no effect once tripped.
func (g *Governor) Complete() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Running {
		g.state = Completed
	}
}

// Stats returns a snapshot of the counters.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statsLocked()
}

func (g *Governor) statsLocked() Stats {
	return Stats{
		State:             g.state,
		Elapsed:           g.now().Sub(g.start),
		Calls:             g.calls,
		ProviderCalls:     g.providerCalls,
		ToolCalls:         g.toolCalls,
		ConsecutiveErrors: g.consecutiveErrors,
		TotalFailures:     g.totalFailures,
		Checks:            g.checks,
	}
}

// tripLocked transitions to a terminal state and records the error. Caller holds g.mu.
func (g *Governor) tripLocked(to State, stepID, msg string, details map[string]any) *schema.EngineError {
	stats := g.statsLocked()
	g.state = to

	err := schema.NewError(to.code(), msg).WithDetails(map[string]any{
		"state":              string(to),
		"elapsed":            stats.Elapsed.String(),
		"calls":              stats.Calls,
		"consecutive_errors": stats.ConsecutiveErrors,
	})
	if details != nil {
		err.WithDetails(details)
	}
	if stepID != "" {
		err.WithStep(stepID).WithDetails(map[string]any{"step_id": stepID})
	}
	g.trip = err

	g.logger.Warn("safety governor tripped",
		slog.String("state", string(to)),
		slog.String("step_id", stepID),
		slog.String("reason", msg),
		slog.Int("calls", stats.Calls),
		slog.Duration("elapsed", stats.Elapsed),
	)
	return err
}

// stickyErr returns the recorded trip, or an invalid-transition error after Complete.
func (g *Governor) stickyErr() *schema.EngineError {
	if g.trip != nil {
		return g.trip
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "governor is %s", g.state)
}

// inherit mirrors a parent trip into this governor.
func (g *Governor) inherit(err error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Running {
		if engErr, ok := err.(*schema.EngineError); ok {
			for _, s := range []State{TimedOut, CallLimitExceeded, CircuitOpen, Cancelled} {
				if s.code() == engErr.Code {
					g.state = s
					g.trip = engErr
					break
				}
			}
		}
	}
	return err
}
