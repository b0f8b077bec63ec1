package expressions

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rendis/stepwise/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testScope() *Scope {
	return &Scope{
		StepOutputs: map[string]any{
			"classify": "search",
			"fetch": map[string]any{
				"status": float64(200),
				"items": []any{
					map[string]any{"id": "a", "tags": []any{"x", "y"}},
					map[string]any{"id": "b"},
				},
				"a.b": "dotted",
			},
		},
		Input:      map[string]any{"query": "weather"},
		LastOutput: "previous",
		Workflow:   map[string]any{"id": "wf", "name": "demo", "run_id": "r1"},
		Vars:       map[string]any{"region": "eu"},
	}
}

func TestResolve_Paths(t *testing.T) {
	scope := testScope()

	cases := []struct {
		expr string
		want any
	}{
		{"step_outputs.classify", "search"},
		{"step_outputs.fetch.status", float64(200)},
		{"step_outputs.fetch.items[0].id", "a"},
		{"step_outputs.fetch.items.1.id", "b"},
		{"step_outputs.fetch.items[0].tags[1]", "y"},
		{`step_outputs.fetch["a.b"]`, "dotted"},
		{`step_outputs['fetch'].status`, float64(200)},
		{"input.query", "weather"},
		{"last_output", "previous"},
		{"workflow.run_id", "r1"},
		{"vars.region", "eu"},
		{" vars.region ", "eu"},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := Resolve(tc.expr, scope)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolve_IndexIntoScalarIsTypeError(t *testing.T) {
	_, err := Resolve("step_outputs.classify.type", testScope())
	require.Error(t, err)

	var te *TemplateError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, TypeErrorKind, te.Kind)
	assert.Equal(t, "type", te.Segment)
	assert.Equal(t, "string", te.ActualType)
	assert.Equal(t, "step_outputs.classify", te.Path)
	assert.Contains(t, te.Error(), `"type"`)
	assert.Contains(t, te.Error(), "string")
}

func TestResolve_IndexIntoNumberIsTypeError(t *testing.T) {
	_, err := Resolve("step_outputs.fetch.status[0]", testScope())

	var te *TemplateError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, TypeErrorKind, te.Kind)
	assert.Equal(t, "number", te.ActualType)
	assert.Equal(t, "[0]", te.Segment)
}

func TestResolve_MissingKeyListsAvailable(t *testing.T) {
	_, err := Resolve("step_outputs.fetch.body", testScope())

	var te *TemplateError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, KeyErrorKind, te.Kind)
	assert.Equal(t, "body", te.Segment)
	assert.Equal(t, []string{"a.b", "items", "status"}, te.AvailableKeys)
}

func TestResolve_AvailableKeysAreBounded(t *testing.T) {
	big := make(map[string]any)
	for i := 0; i < 25; i++ {
		big[fmt.Sprintf("k%02d", i)] = i
	}
	scope := &Scope{StepOutputs: map[string]any{"big": big}}

	_, err := Resolve("step_outputs.big.nope", scope)

	var te *TemplateError
	require.True(t, errors.As(err, &te))
	assert.Len(t, te.AvailableKeys, maxListedKeys)
	assert.Equal(t, "k00", te.AvailableKeys[0])
}

func TestResolve_SequenceErrors(t *testing.T) {
	scope := testScope()

	_, err := Resolve("step_outputs.fetch.items[5]", scope)
	var te *TemplateError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, IndexErrorKind, te.Kind)
	assert.Contains(t, te.Reason, "length 2")

	_, err = Resolve("step_outputs.fetch.items.first", scope)
	require.True(t, errors.As(err, &te))
	assert.Equal(t, IndexErrorKind, te.Kind)
}

func TestResolve_Namespaces(t *testing.T) {
	_, err := Resolve("steps.fetch", testScope())
	var te *TemplateError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, NamespaceErrorKind, te.Kind)
	assert.Contains(t, te.Reason, "step_outputs")

	_, err = Resolve("branches.b1", testScope())
	require.True(t, errors.As(err, &te))
	assert.Equal(t, NamespaceErrorKind, te.Kind)

	scope := testScope()
	scope.Branches = map[string]any{"b1": "one"}
	got, err := Resolve("branches.b1", scope)
	require.NoError(t, err)
	assert.Equal(t, "one", got)
}

func TestResolve_Syntax(t *testing.T) {
	for _, expr := range []string{"", "a..b", "a.", ".a", "a[", "a[x]", `a["x`, "a[-1]", "[0]", "a b"} {
		t.Run(expr, func(t *testing.T) {
			_, err := Resolve(expr, testScope())
			var te *TemplateError
			require.True(t, errors.As(err, &te), "expected TemplateError for %q, got %v", expr, err)
			assert.Equal(t, SyntaxErrorKind, te.Kind)
		})
	}
}

func TestTemplateError_ToEngineError(t *testing.T) {
	_, err := Resolve("step_outputs.classify.type", testScope())
	var te *TemplateError
	require.True(t, errors.As(err, &te))

	engErr := te.ToEngineError()
	assert.Equal(t, schema.ErrCodeTemplateResolution, engErr.Code)
	assert.Equal(t, "type", engErr.Details["segment"])
	assert.Equal(t, "string", engErr.Details["actual_type"])
	assert.True(t, errors.Is(engErr, te))
}

func TestScope_EnvDefaults(t *testing.T) {
	env := (&Scope{}).Env()
	assert.Equal(t, map[string]any{}, env[RootStepOutputs])
	assert.Equal(t, map[string]any{}, env[RootVars])
	_, hasBranches := env[RootBranches]
	assert.False(t, hasBranches)
}

// Any path applied past a scalar fails with a TemplateError and never panics.
func TestResolve_ScalarTraversalProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		scalar := rapid.OneOf(
			rapid.Just[any](nil),
			rapid.Map(rapid.String(), func(s string) any { return s }),
			rapid.Map(rapid.Float64(), func(f float64) any { return f }),
			rapid.Map(rapid.Bool(), func(b bool) any { return b }),
		).Draw(t, "scalar")
		seg := rapid.StringMatching(`[a-z][a-z0-9_]{0,8}|\[[0-9]{1,3}\]`).Draw(t, "segment")

		sep := "."
		if seg[0] == '[' {
			sep = ""
		}
		scope := &Scope{StepOutputs: map[string]any{"s": scalar}}

		_, err := Resolve("step_outputs.s"+sep+seg, scope)
		var te *TemplateError
		if !errors.As(err, &te) {
			t.Fatalf("expected TemplateError, got %v", err)
		}
		if te.Kind != TypeErrorKind {
			t.Fatalf("expected type error, got %s", te.Kind)
		}
	})
}
