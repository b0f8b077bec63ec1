package schema

// Workflow is an ordered, immutable list of steps plus metadata.
// Loaders decode it from JSON; the engine only reads it.
type Workflow struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Steps    []Step         `json:"steps"`
	Limits   *LimitsSpec    `json:"limits,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Step returns the step with the given ID, or nil.
func (w *Workflow) Step(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// Index returns the declaration index of the step with the given ID, or -1.
func (w *Workflow) Index(id string) int {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// LimitsSpec overrides safety governor limits for one workflow.
// Durations use time.ParseDuration syntax; zero values keep the engine default.
type LimitsSpec struct {
	MaxExecutionTime     string `json:"max_execution_time,omitempty"`
	MaxCalls             int    `json:"max_calls,omitempty"`
	MaxConsecutiveErrors int    `json:"max_consecutive_errors,omitempty"`
}

// Step is one unit of work with a templated input and an optional output directive.
type Step struct {
	ID      string           `json:"id"`
	Invoke  Invocable        `json:"invoke"`
	Input   any              `json:"input,omitempty"`  // template string, literal, or nested map/list of templates
	Output  *OutputDirective `json:"output,omitempty"` // nil = continue with the next declared step
	Retry   *RetryPolicy     `json:"retry,omitempty"`
	OnError *ErrorPolicy     `json:"on_error,omitempty"`
	Timeout string           `json:"timeout,omitempty"` // per-attempt timeout (e.g. "30s")
}

// InvocableKind enumerates what a step can invoke.
type InvocableKind string

const (
	InvokeAgent    InvocableKind = "agent"
	InvokeTool     InvocableKind = "tool"
	InvokeFunction InvocableKind = "function"
	InvokeWorkflow InvocableKind = "workflow"
)

// Invocable references the agent, tool, function or sub-workflow a step runs.
type Invocable struct {
	Kind InvocableKind `json:"kind"`
	Name string        `json:"name"`
	// PassOutputs shares the parent's step outputs with a sub-workflow.
	PassOutputs bool `json:"pass_outputs,omitempty"`
}

// DirectiveType enumerates output directive kinds.
type DirectiveType string

const (
	DirectiveTerminal    DirectiveType = "terminal"
	DirectiveDirect      DirectiveType = "direct"
	DirectiveConditional DirectiveType = "conditional"
	DirectiveFanOut      DirectiveType = "fanout"
)

// OutputDirective declares how control flows after a step.
type OutputDirective struct {
	Type DirectiveType `json:"type"`

	// direct
	Next string `json:"next,omitempty"`

	// conditional
	Branches []ConditionalBranch `json:"branches,omitempty"`
	Default  string              `json:"default,omitempty"`

	// fanout
	Targets []string `json:"targets,omitempty"`
	Join    string   `json:"join,omitempty"`

	// terminal: optional template for the returned value (default: the step's output)
	Value any `json:"value,omitempty"`
}

// ConditionalBranch is one (predicate, target) pair of a conditional directive.
type ConditionalBranch struct {
	When string `json:"when"`
	Lang string `json:"lang,omitempty"` // expr (default) | cel
	Then string `json:"then"`
}

// Terminal returns a directive that ends the run with the step's output.
func Terminal() *OutputDirective {
	return &OutputDirective{Type: DirectiveTerminal}
}

// Goto returns a direct directive to the given step.
func Goto(next string) *OutputDirective {
	return &OutputDirective{Type: DirectiveDirect, Next: next}
}

// When returns a conditional directive with the given branches and default target.
func When(defaultStep string, branches ...ConditionalBranch) *OutputDirective {
	return &OutputDirective{Type: DirectiveConditional, Branches: branches, Default: defaultStep}
}

// FanOut returns a directive that runs targets concurrently and joins on join.
func FanOut(join string, targets ...string) *OutputDirective {
	return &OutputDirective{Type: DirectiveFanOut, Targets: targets, Join: join}
}

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts after the first
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap for computed delays
}

// ErrorStrategy enumerates what happens after a step exhausts its attempts.
type ErrorStrategy string

const (
	// ErrorStrategyContinue stores an error record as the step output and routes normally.
	ErrorStrategyContinue ErrorStrategy = "continue"
	// ErrorStrategyFail terminates the run with STEP_FAILED.
	ErrorStrategyFail ErrorStrategy = "fail"
	// ErrorStrategyGoto routes to Step instead of the step's directive.
	ErrorStrategyGoto ErrorStrategy = "goto"
)

// ErrorPolicy configures step failure handling.
type ErrorPolicy struct {
	Strategy ErrorStrategy `json:"strategy"`
	Step     string        `json:"step,omitempty"`
}
