package validation

import (
	"bytes"
	"encoding/json"

	"github.com/rendis/stepwise/pkg/schema"
)

// WorkflowValidator runs the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (IDs, invocables, targets, predicates, templates)
// 3. Graph (reachability, unconditional loops)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	lookup     Lookup
	predicates PredicateChecker
}

// NewWorkflowValidator creates a WorkflowValidator. lookup and predicates may
// be nil to skip invocable existence and predicate compilation checks.
func NewWorkflowValidator(lookup Lookup, predicates PredicateChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		lookup:     lookup,
		predicates: predicates,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return r
	}

	result := structural(wv.jsonSchema.ValidateWorkflow(wf))
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(wf, wv.lookup, wv.predicates))
	if result.Valid() {
		result.Merge(validateGraph(wf))
	}
	return result
}

// ValidateWorkflow satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// ValidateDocument validates a raw workflow document and decodes it.
// Warnings are returned alongside a valid workflow.
func (wv *WorkflowValidator) ValidateDocument(raw []byte) (*schema.Workflow, *schema.ValidationResult) {
	result := structural(wv.jsonSchema.ValidateDocument(raw))
	if !result.Valid() {
		return nil, result
	}

	var wf schema.Workflow
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&wf); err != nil {
		result.AddError("/", schema.ErrCodeValidation, "decode workflow: "+err.Error())
		return nil, result
	}
	wf.Steps = normalizeSteps(wf.Steps)

	result.Merge(validateSemantic(&wf, wv.lookup, wv.predicates))
	if result.Valid() {
		result.Merge(validateGraph(&wf))
	}
	if !result.Valid() {
		return nil, result
	}
	return &wf, result
}

// normalizeSteps converts json.Number literals in step inputs and terminal
// values to int64 or float64 so they behave like decoded Go numbers.
func normalizeSteps(steps []schema.Step) []schema.Step {
	for i := range steps {
		steps[i].Input = normalizeNumbers(steps[i].Input)
		if steps[i].Output != nil {
			steps[i].Output.Value = normalizeNumbers(steps[i].Output.Value)
		}
	}
	return steps
}

func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
		return val
	default:
		return v
	}
}

// structural converts a JSON Schema error into a ValidationResult,
// one issue per violation.
func structural(err error) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if err == nil {
		return result
	}

	engErr, ok := err.(*schema.EngineError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := engErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, engErr.Message)
	return result
}
