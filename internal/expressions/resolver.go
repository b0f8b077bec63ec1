package expressions

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/stepwise/pkg/schema"
)

// Scope roots available to template references and predicates.
const (
	RootStepOutputs = "step_outputs"
	RootInput       = "input"
	RootLastOutput  = "last_output"
	RootBranches    = "branches"
	RootWorkflow    = "workflow"
	RootVars        = "vars"
)

// Roots lists every namespace a reference may start with.
var Roots = []string{RootStepOutputs, RootInput, RootLastOutput, RootBranches, RootWorkflow, RootVars}

// maxListedKeys bounds the available-key hint attached to KeyErrorKind.
const maxListedKeys = 10

// Scope is the read-only view of an execution context that templates resolve against.
// Build one per step from a snapshot; it must not be mutated while in use.
type Scope struct {
	StepOutputs map[string]any
	Input       any
	LastOutput  any
	Branches    map[string]any // nil outside join steps
	Workflow    map[string]any // id, name, run_id
	Vars        map[string]any
}

// Root returns the value bound to a namespace.
func (s *Scope) Root(name string) (any, bool) {
	if s == nil {
		return nil, false
	}
	switch name {
	case RootStepOutputs:
		if s.StepOutputs == nil {
			return map[string]any{}, true
		}
		return s.StepOutputs, true
	case RootInput:
		return s.Input, true
	case RootLastOutput:
		return s.LastOutput, true
	case RootBranches:
		if s.Branches == nil {
			return nil, false
		}
		return s.Branches, true
	case RootWorkflow:
		if s.Workflow == nil {
			return map[string]any{}, true
		}
		return s.Workflow, true
	case RootVars:
		if s.Vars == nil {
			return map[string]any{}, true
		}
		return s.Vars, true
	}
	return nil, false
}

// Env returns the scope as a variable environment for predicate languages.
func (s *Scope) Env() map[string]any {
	env := make(map[string]any, len(Roots))
	for _, name := range Roots {
		if v, ok := s.Root(name); ok {
			env[name] = v
		}
	}
	return env
}

// ErrorKind classifies a template resolution failure.
type ErrorKind string

const (
	// TypeErrorKind: a path segment was applied to a scalar.
	TypeErrorKind ErrorKind = "type_error"
	// KeyErrorKind: a mapping has no such key.
	KeyErrorKind ErrorKind = "key_error"
	// IndexErrorKind: a sequence index is not an integer or is out of range.
	IndexErrorKind ErrorKind = "index_error"
	// SyntaxErrorKind: the reference could not be parsed.
	SyntaxErrorKind ErrorKind = "syntax_error"
	// NamespaceErrorKind: the reference starts with an unknown or unavailable root.
	NamespaceErrorKind ErrorKind = "namespace_error"
)

// TemplateError describes why a reference could not be resolved.
type TemplateError struct {
	Kind          ErrorKind
	Expression    string   // the full reference, without ${ }
	Segment       string   // the offending segment
	Path          string   // the prefix that resolved successfully
	ActualType    string   // type of the value the segment was applied to
	AvailableKeys []string // up to maxListedKeys sorted keys (KeyErrorKind)
	Reason        string
}

func (e *TemplateError) Error() string {
	switch e.Kind {
	case TypeErrorKind:
		return fmt.Sprintf("cannot resolve %q: segment %q applied to %s at %q (not a mapping or sequence)",
			e.Expression, e.Segment, e.ActualType, e.Path)
	case KeyErrorKind:
		return fmt.Sprintf("cannot resolve %q: key %q not found at %q; available: [%s]",
			e.Expression, e.Segment, e.Path, strings.Join(e.AvailableKeys, ", "))
	case IndexErrorKind:
		return fmt.Sprintf("cannot resolve %q: index %q at %q: %s", e.Expression, e.Segment, e.Path, e.Reason)
	case NamespaceErrorKind:
		return fmt.Sprintf("cannot resolve %q: %s", e.Expression, e.Reason)
	default:
		return fmt.Sprintf("invalid reference %q: %s", e.Expression, e.Reason)
	}
}

// ToEngineError converts the failure into a TEMPLATE_RESOLUTION_ERROR.
func (e *TemplateError) ToEngineError() *schema.EngineError {
	details := map[string]any{
		"kind":       string(e.Kind),
		"expression": e.Expression,
	}
	if e.Segment != "" {
		details["segment"] = e.Segment
	}
	if e.ActualType != "" {
		details["actual_type"] = e.ActualType
	}
	if len(e.AvailableKeys) > 0 {
		details["available_keys"] = e.AvailableKeys
	}
	return schema.NewError(schema.ErrCodeTemplateResolution, e.Error()).
		WithDetails(details).
		WithCause(e)
}

func syntaxError(expr, segment, reason string) *TemplateError {
	return &TemplateError{Kind: SyntaxErrorKind, Expression: expr, Segment: segment, Reason: reason}
}

// Resolve walks a reference such as `step_outputs.classify.type` against scope.
// Each segment is dispatched on the current value's kind: mappings are indexed
// by key, sequences by integer position, and scalars reject further traversal.
// Failures are always *TemplateError.
func Resolve(expr string, scope *Scope) (any, error) {
	segs, err := ParsePath(expr)
	if err != nil {
		return nil, err
	}

	root := segs[0]
	if root.Indexed {
		return nil, syntaxError(expr, root.String(), "reference must start with a namespace")
	}
	current, ok := scope.Root(root.Key)
	if !ok {
		reason := fmt.Sprintf("unknown namespace %q; available: %s", root.Key, strings.Join(Roots, ", "))
		if root.Key == RootBranches {
			reason = "branches is only available to fan-out join steps"
		}
		return nil, &TemplateError{Kind: NamespaceErrorKind, Expression: expr, Segment: root.Key, Reason: reason}
	}

	path := root.Key
	for _, seg := range segs[1:] {
		next, err := step(current, seg, expr, path)
		if err != nil {
			return nil, err
		}
		current = next
		if seg.Indexed {
			path += seg.String()
		} else {
			path += "." + seg.Key
		}
	}
	return current, nil
}

// step applies one segment to v.
func step(v any, seg Segment, expr, path string) (any, error) {
	switch KindOf(v) {
	case Mapping:
		m := v.(map[string]any)
		val, ok := m[seg.Key]
		if !ok {
			return nil, &TemplateError{
				Kind:          KeyErrorKind,
				Expression:    expr,
				Segment:       seg.Key,
				Path:          path,
				ActualType:    "mapping",
				AvailableKeys: sortedKeys(m, maxListedKeys),
			}
		}
		return val, nil
	case Sequence:
		list := v.([]any)
		idx := seg.Index
		if !seg.Indexed {
			n, err := strconv.Atoi(seg.Key)
			if err != nil {
				return nil, &TemplateError{
					Kind: IndexErrorKind, Expression: expr, Segment: seg.Key, Path: path,
					ActualType: "sequence", Reason: "sequence index must be an integer",
				}
			}
			idx = n
		}
		if idx < 0 || idx >= len(list) {
			return nil, &TemplateError{
				Kind: IndexErrorKind, Expression: expr, Segment: seg.String(), Path: path,
				ActualType: "sequence", Reason: fmt.Sprintf("out of range (length %d)", len(list)),
			}
		}
		return list[idx], nil
	default:
		return nil, &TemplateError{
			Kind:       TypeErrorKind,
			Expression: expr,
			Segment:    seg.String(),
			Path:       path,
			ActualType: TypeName(v),
		}
	}
}
