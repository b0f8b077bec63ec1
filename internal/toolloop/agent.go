package toolloop

import (
	"github.com/rendis/stepwise/internal/provider"
)

const (
	// DefaultMaxIterations bounds provider calls per invocation.
	DefaultMaxIterations = 8
	// DefaultMaxRepairDepth bounds nested repair requests for one malformed payload.
	DefaultMaxRepairDepth = 2
)

// Agent is a provider plus the instructions and tools it may use.
type Agent struct {
	Name     string
	Provider provider.Provider
	System   string
	Model    string
	// Tools lists registry tool names the agent may call.
	Tools []string

	MaxIterations  int
	MaxRepairDepth int
	MaxTokens      int

	// Stream uses the provider's streaming API when it has one.
	Stream bool
	// JSONOutput decodes the final reply as JSON, repairing it when malformed.
	JSONOutput bool
}

func (a *Agent) maxIterations() int {
	if a.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return a.MaxIterations
}

func (a *Agent) maxRepairDepth() int {
	if a.MaxRepairDepth < 0 {
		return 0
	}
	if a.MaxRepairDepth == 0 {
		return DefaultMaxRepairDepth
	}
	return a.MaxRepairDepth
}
