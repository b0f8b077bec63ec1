package engine

import (
	"time"

	"github.com/rendis/stepwise/internal/governor"
	"github.com/rendis/stepwise/pkg/schema"
)

// RunResult is returned by Run with the outcome of one run.
type RunResult struct {
	RunID       string              `json:"run_id"`
	WorkflowID  string              `json:"workflow_id"`
	ParentRunID string              `json:"parent_run_id,omitempty"`
	Status      schema.RunStatus    `json:"status"`
	Output      any                 `json:"output,omitempty"`
	Trace       []StepExecution     `json:"trace"`
	Stats       governor.Stats      `json:"stats"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt time.Time           `json:"completed_at"`
	Error       *schema.EngineError `json:"error,omitempty"`
}

// StepExecution summarizes one executed step, in completion order.
type StepExecution struct {
	StepID    string              `json:"step_id"`
	Branch    string              `json:"branch,omitempty"`
	Attempts  int                 `json:"attempts"`
	Status    schema.StepStatus   `json:"status"`
	Input     any                 `json:"input,omitempty"`
	Output    any                 `json:"output,omitempty"`
	Error     *schema.EngineError `json:"error,omitempty"`
	StartedAt time.Time           `json:"started_at"`
	Duration  time.Duration       `json:"duration"`
}

// Executed returns the IDs of the executed steps in trace order. A step
// revisited by a loop appears once per visit.
func (r *RunResult) Executed() []string {
	ids := make([]string, len(r.Trace))
	for i, s := range r.Trace {
		ids[i] = s.StepID
	}
	return ids
}

// Count returns how many times stepID executed.
func (r *RunResult) Count(stepID string) int {
	n := 0
	for _, s := range r.Trace {
		if s.StepID == stepID {
			n++
		}
	}
	return n
}
