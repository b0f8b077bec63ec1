package validation

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/pkg/schema"
)

// stubLookup knows a fixed set of "kind/name" invocables.
type stubLookup map[string]bool

func (s stubLookup) Has(kind schema.InvocableKind, name string) bool {
	return s[string(kind)+"/"+name]
}

// stubPredicates rejects any predicate containing "!!".
type stubPredicates struct{}

func (stubPredicates) Validate(predicate, _ string) error {
	if strings.Contains(predicate, "!!") {
		return errors.New("syntax error")
	}
	return nil
}

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	v, err := NewWorkflowValidator(stubLookup{
		"agent/writer": true, "tool/search": true, "function/upper": true,
	}, stubPredicates{})
	require.NoError(t, err)
	return v
}

func tool(id string) schema.Step {
	return schema.Step{ID: id, Invoke: schema.Invocable{Kind: schema.InvokeTool, Name: "search"}}
}

func TestValidate_Valid(t *testing.T) {
	v := newValidator(t)
	a := tool("a")
	a.Output = schema.When("c", schema.ConditionalBranch{When: "${last_output.ok}", Then: "b"})
	b := tool("b")
	b.Input = map[string]any{"q": "${step_outputs.a.query}"}
	b.Output = schema.Terminal()
	c := tool("c")

	res := v.Validate(&schema.Workflow{ID: "wf", Steps: []schema.Step{a, b, c}})
	assert.True(t, res.Valid(), "%v", res.Errors)
	assert.Empty(t, res.Warnings)
}

func TestValidate_Nil(t *testing.T) {
	res := newValidator(t).Validate(nil)
	assert.False(t, res.Valid())
}

func TestValidate_StructuralShortCircuits(t *testing.T) {
	v := newValidator(t)
	s := tool("a")
	s.Invoke.Kind = "robot"
	s.Output = schema.Goto("missing")

	res := v.Validate(&schema.Workflow{Steps: []schema.Step{s}})
	require.False(t, res.Valid())
	for _, e := range res.Errors {
		assert.Equal(t, "/", e.Path, "only structural issues are reported")
	}
}

func TestValidate_DuplicateIDs(t *testing.T) {
	res := newValidator(t).Validate(&schema.Workflow{Steps: []schema.Step{tool("a"), tool("a")}})
	require.False(t, res.Valid())
	assert.Contains(t, res.Errors[0].Message, `duplicate step id "a"`)
}

func TestValidate_UnknownInvocable(t *testing.T) {
	s := tool("a")
	s.Invoke.Name = "nope"
	res := newValidator(t).Validate(&schema.Workflow{Steps: []schema.Step{s}})
	require.False(t, res.Valid())
	assert.Equal(t, schema.ErrCodeNotFound, res.Errors[0].Code)
	assert.Equal(t, "steps[0].invoke.name", res.Errors[0].Path)
}

func TestValidate_Targets(t *testing.T) {
	tests := []struct {
		name   string
		output *schema.OutputDirective
		path   string
	}{
		{"direct", schema.Goto("ghost"), "steps[0].output.next"},
		{"conditional then", schema.When("b", schema.ConditionalBranch{When: "true", Then: "ghost"}), "steps[0].output.branches[0].then"},
		{"conditional default", schema.When("ghost", schema.ConditionalBranch{When: "true", Then: "b"}), "steps[0].output.default"},
		{"fanout target", schema.FanOut("b", "ghost"), "steps[0].output.targets[0]"},
		{"fanout join", schema.FanOut("ghost", "b"), "steps[0].output.join"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tool("a")
			a.Output = tt.output
			res := newValidator(t).Validate(&schema.Workflow{Steps: []schema.Step{a, tool("b")}})
			require.False(t, res.Valid())
			assert.Equal(t, tt.path, res.Errors[0].Path)
			assert.Equal(t, schema.ErrCodeConfiguration, res.Errors[0].Code)
		})
	}
}

func TestValidate_FanOutTargetIsJoin(t *testing.T) {
	a := tool("a")
	a.Output = schema.FanOut("b", "b")
	res := newValidator(t).Validate(&schema.Workflow{Steps: []schema.Step{a, tool("b")}})
	require.False(t, res.Valid())
	assert.Contains(t, res.Errors[0].Message, "join")
}

func TestValidate_BadPredicate(t *testing.T) {
	a := tool("a")
	a.Output = schema.When("b", schema.ConditionalBranch{When: "x !! y", Then: "b"})
	res := newValidator(t).Validate(&schema.Workflow{Steps: []schema.Step{a, tool("b")}})
	require.False(t, res.Valid())
	assert.Equal(t, "steps[0].output.branches[0].when", res.Errors[0].Path)
}

func TestValidate_MissingDefaultWarns(t *testing.T) {
	a := tool("a")
	a.Output = schema.When("", schema.ConditionalBranch{When: "true", Then: "b"})
	res := newValidator(t).Validate(&schema.Workflow{Steps: []schema.Step{a, tool("b")}})
	assert.True(t, res.Valid())
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "steps[0].output.default", res.Warnings[0].Path)
}

func TestValidate_ErrorPolicyGoto(t *testing.T) {
	a := tool("a")
	a.OnError = &schema.ErrorPolicy{Strategy: schema.ErrorStrategyGoto, Step: "ghost"}
	res := newValidator(t).Validate(&schema.Workflow{Steps: []schema.Step{a}})
	require.False(t, res.Valid())
	assert.Equal(t, "steps[0].on_error.step", res.Errors[0].Path)
}

func TestValidate_Templates(t *testing.T) {
	a := tool("a")
	a.Input = map[string]any{"bad": "${env.HOME}", "unknown": "${step_outputs.ghost.x}"}
	res := newValidator(t).Validate(&schema.Workflow{Steps: []schema.Step{a}})
	require.False(t, res.Valid())
	assert.Equal(t, schema.ErrCodeTemplateResolution, res.Errors[0].Code)
	assert.Contains(t, res.Errors[0].Message, `"env"`)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Message, `"ghost"`)
}

func TestValidate_TemplateUnknownStepWarns(t *testing.T) {
	a := tool("a")
	a.Input = "${step_outputs.ghost.x}"
	res := newValidator(t).Validate(&schema.Workflow{Steps: []schema.Step{a}})
	assert.True(t, res.Valid())
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Message, `"ghost"`)
}

func TestValidate_Retry(t *testing.T) {
	a := tool("a")
	a.Retry = &schema.RetryPolicy{Max: 20, Delay: "soon"}
	res := newValidator(t).Validate(&schema.Workflow{Steps: []schema.Step{a}})
	require.False(t, res.Valid())
}

func TestValidateGraph_Unreachable(t *testing.T) {
	a := tool("a")
	a.Output = schema.Terminal()
	res := newValidator(t).Validate(&schema.Workflow{Steps: []schema.Step{a, tool("b")}})
	assert.True(t, res.Valid())
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Message, `step "b" is unreachable`)
}

func TestValidateGraph_UnconditionalLoop(t *testing.T) {
	a := tool("a")
	b := tool("b")
	b.Output = schema.Goto("a")
	res := newValidator(t).Validate(&schema.Workflow{Steps: []schema.Step{a, b}})
	assert.True(t, res.Valid())
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Message, "unconditional loop")
}

func TestValidateGraph_ConditionalLoopAllowed(t *testing.T) {
	a := tool("a")
	a.Output = schema.When("b", schema.ConditionalBranch{When: "${last_output.again}", Then: "a"})
	b := tool("b")
	b.Output = schema.Terminal()
	res := newValidator(t).Validate(&schema.Workflow{Steps: []schema.Step{a, b}})
	assert.True(t, res.Valid())
	assert.Empty(t, res.Warnings)
}

func TestValidateWorkflow_ReturnsEngineError(t *testing.T) {
	err := newValidator(t).ValidateWorkflow(&schema.Workflow{Steps: []schema.Step{tool("a"), tool("a")}})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

const doc = `{
  "id": "triage",
  "steps": [
    {"id": "classify", "invoke": {"kind": "agent", "name": "writer"}, "input": {"n": 3, "text": "${input.text}"},
     "output": {"type": "conditional", "branches": [{"when": "last_output == 'bug'", "then": "file"}], "default": "file"}},
    {"id": "file", "invoke": {"kind": "tool", "name": "search"}, "retry": {"max": 2, "backoff": "exponential", "delay": "100ms"},
     "output": {"type": "terminal"}}
  ]
}`

func TestValidateDocument_Valid(t *testing.T) {
	wf, res := newValidator(t).ValidateDocument([]byte(doc))
	require.True(t, res.Valid(), "%v", res.Errors)
	require.NotNil(t, wf)
	assert.Equal(t, "triage", wf.ID)
	require.Len(t, wf.Steps, 2)
	assert.Equal(t, int64(3), wf.Steps[0].Input.(map[string]any)["n"])
	assert.Equal(t, schema.DirectiveConditional, wf.Steps[0].Output.Type)
}

func TestValidateDocument_Structural(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ``},
		{"not json", `{`},
		{"no steps", `{"id": "x", "steps": []}`},
		{"unknown field", `{"steps": [{"id": "a", "invoke": {"kind": "tool", "name": "search"}, "depends_on": []}]}`},
		{"direct without next", `{"steps": [{"id": "a", "invoke": {"kind": "tool", "name": "search"}, "output": {"type": "direct"}}]}`},
		{"goto without step", `{"steps": [{"id": "a", "invoke": {"kind": "tool", "name": "search"}, "on_error": {"strategy": "goto"}}]}`},
		{"bad duration", `{"steps": [{"id": "a", "invoke": {"kind": "tool", "name": "search"}, "timeout": "soon"}]}`},
	}
	v := newValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf, res := v.ValidateDocument([]byte(tt.raw))
			assert.Nil(t, wf)
			assert.False(t, res.Valid())
		})
	}
}

func TestValidateInput(t *testing.T) {
	jsv, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	params := []byte(`{"type":"object","required":["query"],"properties":{"query":{"type":"string"},"limit":{"type":"integer","minimum":1}}}`)

	require.NoError(t, jsv.ValidateInput(map[string]any{"query": "go", "limit": 5}, params))
	require.NoError(t, jsv.ValidateInput(map[string]any{"anything": true}, nil))

	err = jsv.ValidateInput(map[string]any{"limit": 0}, params)
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
	assert.Len(t, engErr.Details["violations"], 2)

	err = jsv.ValidateInput(map[string]any{}, []byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input schema")
}

func TestValidateInput_ConcurrentCache(t *testing.T) {
	jsv, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	params := []byte(`{"type":"object","properties":{"n":{"type":"number"}}}`)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, jsv.ValidateInput(map[string]any{"n": 1.5}, params))
		}()
	}
	wg.Wait()
	assert.Len(t, jsv.cache, 1)
}
