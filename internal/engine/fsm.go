package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/stepwise/pkg/schema"
)

// TransitionHook is called after a state transition.
type TransitionHook func(from, to string) error

// Emitter records one run event. The engine's emitter fans events out to the
// recorder and the streaming hub.
type Emitter func(ctx context.Context, stepID, eventType string, payload map[string]any)

// ValidRunTransitions lists the allowed run transitions. Every state
// reachable from running is terminal.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending: {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusRunning: {
		schema.RunStatusCompleted,
		schema.RunStatusFailed,
		schema.RunStatusCancelled,
		schema.RunStatusTimedOut,
	},
}

// ValidStepTransitions lists the allowed transitions of one step execution.
// A retried step cycles running -> retrying -> running.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:  {schema.StepStatusRunning},
	schema.StepStatusRunning:  {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusRetrying},
	schema.StepStatusRetrying: {schema.StepStatusRunning, schema.StepStatusFailed},
}

type hookKey[S ~string] struct {
	from, to S
}

// FSM is a small guarded state machine. Each transition emits the event
// mapped to it (if any) and then runs the hooks registered for it.
type FSM[S ~string] struct {
	mu      sync.Mutex
	kind    string // "run" or "step", used in errors
	id      string // step ID for step machines
	state   S
	allowed map[S][]S
	eventOf func(from, to S) string
	emit    Emitter
	after   map[hookKey[S]][]TransitionHook
}

// RunFSM tracks the lifecycle of one run.
type RunFSM = FSM[schema.RunStatus]

// StepFSM tracks the lifecycle of one step execution.
type StepFSM = FSM[schema.StepStatus]

// NewRunFSM creates a pending run machine. emit may be nil.
func NewRunFSM(emit Emitter) *RunFSM {
	return &FSM[schema.RunStatus]{
		kind:    "run",
		state:   schema.RunStatusPending,
		allowed: ValidRunTransitions,
		eventOf: runEventType,
		emit:    emit,
		after:   make(map[hookKey[schema.RunStatus]][]TransitionHook),
	}
}

// NewStepFSM creates a pending machine for one execution of stepID.
func NewStepFSM(stepID string, emit Emitter) *StepFSM {
	return &FSM[schema.StepStatus]{
		kind:    "step",
		id:      stepID,
		state:   schema.StepStatusPending,
		allowed: ValidStepTransitions,
		eventOf: stepEventType,
		emit:    emit,
		after:   make(map[hookKey[schema.StepStatus]][]TransitionHook),
	}
}

// State returns the current state.
func (f *FSM[S]) State() S {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// OnAfter registers a hook called after the from -> to transition.
func (f *FSM[S]) OnAfter(from, to S, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey[S]{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition moves the machine to `to`, emits the transition's event with
// payload and runs the after hooks. An invalid transition leaves the state
// unchanged and returns INVALID_TRANSITION.
func (f *FSM[S]) Transition(ctx context.Context, to S, payload map[string]any) error {
	f.mu.Lock()
	from := f.state
	if !slices.Contains(f.allowed[from], to) {
		f.mu.Unlock()
		err := schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid %s transition: %s -> %s", f.kind, from, to).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
		if f.id != "" {
			err = err.WithStep(f.id)
		}
		return err
	}
	f.state = to
	hooks := slices.Clone(f.after[hookKey[S]{from, to}])
	f.mu.Unlock()

	if eventType := f.eventOf(from, to); eventType != "" && f.emit != nil {
		f.emit(ctx, f.id, eventType, payload)
	}

	for _, hook := range hooks {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func runEventType(_, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	case schema.RunStatusTimedOut:
		return schema.EventRunTimedOut
	default:
		return ""
	}
}

func stepEventType(from, to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		if from == schema.StepStatusPending {
			return schema.EventStepStarted
		}
		return ""
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusRetrying:
		return schema.EventStepRetrying
	default:
		return ""
	}
}

// runStatusFor maps a run's terminal error to its final status.
func runStatusFor(err error) schema.RunStatus {
	switch schema.CodeOf(err) {
	case "":
		if err == nil {
			return schema.RunStatusCompleted
		}
		return schema.RunStatusFailed
	case schema.ErrCodeCancelled:
		return schema.RunStatusCancelled
	case schema.ErrCodeTimedOut:
		return schema.RunStatusTimedOut
	default:
		return schema.RunStatusFailed
	}
}
