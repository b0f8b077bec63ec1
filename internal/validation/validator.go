package validation

import "github.com/rendis/stepwise/pkg/schema"

// Validator checks workflows for correctness before execution.
// Uses JSON Schema Draft 2020-12 for document and argument validation.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// Lookup reports whether an invocable is available to the engine.
type Lookup interface {
	Has(kind schema.InvocableKind, name string) bool
}

// PredicateChecker compiles a routing predicate without evaluating it.
type PredicateChecker interface {
	Validate(predicate, lang string) error
}
