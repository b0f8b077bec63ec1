package engine

import (
	"context"
	"errors"

	"github.com/rendis/stepwise/pkg/schema"
)

// ErrorPolicyResult describes what happens after a step exhausts its attempts.
type ErrorPolicyResult struct {
	// Strategy is the strategy that was applied.
	Strategy schema.ErrorStrategy
	// Output replaces the step output when the run continues.
	Output any
	// GotoStep overrides the step's output directive.
	GotoStep string
	// Err is set when the run must stop.
	Err error
}

// HandleStepError applies the step's on_error policy to a failed step.
// Fatal errors (governor trips, cancellation, configuration errors) always
// stop the run regardless of the policy. A missing policy means continue.
func HandleStepError(step *schema.Step, stepErr error) ErrorPolicyResult {
	strategy := schema.ErrorStrategyContinue
	if step.OnError != nil && step.OnError.Strategy != "" {
		strategy = step.OnError.Strategy
	}

	if isFatal(stepErr) {
		return ErrorPolicyResult{Strategy: strategy, Err: stepErr}
	}

	switch strategy {
	case schema.ErrorStrategyFail:
		return ErrorPolicyResult{
			Strategy: strategy,
			Err: schema.NewErrorf(schema.ErrCodeStepFailed, "step failed: %s", errorMessage(stepErr)).
				WithStep(step.ID).
				WithCause(stepErr).
				WithDetails(map[string]any{"cause_code": errorCode(stepErr)}),
		}
	case schema.ErrorStrategyGoto:
		return ErrorPolicyResult{Strategy: strategy, Output: ErrorRecord(stepErr), GotoStep: step.OnError.Step}
	default:
		return ErrorPolicyResult{Strategy: schema.ErrorStrategyContinue, Output: ErrorRecord(stepErr)}
	}
}

// ErrorRecord is the output stored for a step that failed under the
// continue or goto strategy, so later steps can branch on it.
func ErrorRecord(err error) map[string]any {
	return map[string]any{
		"error": errorMessage(err),
		"code":  errorCode(err),
	}
}

func isFatal(err error) bool {
	return schema.IsFatal(err) || errors.Is(err, context.Canceled)
}

func errorMessage(err error) string {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr.Message
	}
	return err.Error()
}

func errorCode(err error) string {
	if code := schema.CodeOf(err); code != "" {
		return code
	}
	return schema.ErrCodeExecution
}

// asEngineError converts any error into an EngineError. Context errors map to
// the governor codes so callers see one taxonomy.
func asEngineError(err error) *schema.EngineError {
	if err == nil {
		return nil
	}
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr
	}
	switch {
	case errors.Is(err, context.Canceled):
		return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return schema.NewError(schema.ErrCodeTimedOut, "run deadline exceeded").WithCause(err)
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}
