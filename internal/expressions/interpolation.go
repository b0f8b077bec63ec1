package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Diagnostic records a reference that failed to resolve during Render.
type Diagnostic struct {
	Expression string
	Err        *TemplateError
}

func (d Diagnostic) String() string {
	return d.Err.Error()
}

// UnresolvedPlaceholder is what an embedded reference renders as when it fails.
func UnresolvedPlaceholder(expr string) string {
	return "<unresolved:${" + expr + "}>"
}

// token is one piece of a scanned template string.
type token struct {
	literal string
	ref     string
	isRef   bool
}

// scan splits s into literal text and ${...} references. `$${` escapes a
// literal "${". An unclosed "${" is kept as literal text.
func scan(s string) []token {
	var toks []token
	var lit strings.Builder
	i := 0
	for i < len(s) {
		if strings.HasPrefix(s[i:], "$${") {
			lit.WriteString("${")
			i += 3
			continue
		}
		if !strings.HasPrefix(s[i:], "${") {
			lit.WriteByte(s[i])
			i++
			continue
		}
		end := strings.IndexByte(s[i+2:], '}')
		if end == -1 {
			lit.WriteString(s[i:])
			break
		}
		if lit.Len() > 0 {
			toks = append(toks, token{literal: lit.String()})
			lit.Reset()
		}
		toks = append(toks, token{ref: strings.TrimSpace(s[i+2 : i+2+end]), isRef: true})
		i += 2 + end + 1
	}
	if lit.Len() > 0 {
		toks = append(toks, token{literal: lit.String()})
	}
	return toks
}

// Render expands every ${...} reference in tmpl against scope.
//
// A string that is exactly one reference renders to the referenced value with
// its type preserved; when that reference fails the result is nil. References
// embedded in a larger string are stringified, and a failing one is replaced
// by UnresolvedPlaceholder. Maps and lists are rendered recursively. Render
// never fails: every unresolved reference is reported as a Diagnostic.
func Render(tmpl any, scope *Scope) (any, []Diagnostic) {
	var diags []Diagnostic
	out := render(tmpl, scope, &diags)
	return out, diags
}

func render(tmpl any, scope *Scope, diags *[]Diagnostic) any {
	switch v := tmpl.(type) {
	case string:
		return renderString(v, scope, diags)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = render(item, scope, diags)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = render(item, scope, diags)
		}
		return out
	default:
		return deepCopy(v)
	}
}

func renderString(s string, scope *Scope, diags *[]Diagnostic) any {
	if !strings.Contains(s, "${") {
		return s
	}
	toks := scan(s)

	if len(toks) == 1 && toks[0].isRef {
		val, err := Resolve(toks[0].ref, scope)
		if err != nil {
			*diags = append(*diags, diagnosticFor(toks[0].ref, err))
			return nil
		}
		return deepCopy(val)
	}

	var b strings.Builder
	for _, tok := range toks {
		if !tok.isRef {
			b.WriteString(tok.literal)
			continue
		}
		val, err := Resolve(tok.ref, scope)
		if err != nil {
			*diags = append(*diags, diagnosticFor(tok.ref, err))
			b.WriteString(UnresolvedPlaceholder(tok.ref))
			continue
		}
		b.WriteString(Stringify(val))
	}
	return b.String()
}

func diagnosticFor(expr string, err error) Diagnostic {
	te, ok := err.(*TemplateError)
	if !ok {
		te = &TemplateError{Kind: SyntaxErrorKind, Expression: expr, Reason: err.Error()}
	}
	return Diagnostic{Expression: expr, Err: te}
}

// Stringify renders a resolved value for embedding in text. Strings are
// inserted verbatim; containers are JSON-encoded.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// SingleReference reports whether s is exactly one ${...} reference and returns it.
func SingleReference(s string) (string, bool) {
	toks := scan(strings.TrimSpace(s))
	if len(toks) == 1 && toks[0].isRef {
		return toks[0].ref, true
	}
	return "", false
}

// References returns every ${...} reference in tmpl, walking maps and lists.
func References(tmpl any) []string {
	var refs []string
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			for _, tok := range scan(val) {
				if tok.isRef {
					refs = append(refs, tok.ref)
				}
			}
		case map[string]any:
			for _, k := range sortedKeys(val, 0) {
				walk(val[k])
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(tmpl)
	return refs
}

// HasReferences reports whether tmpl contains any ${...} reference.
func HasReferences(tmpl any) bool {
	return len(References(tmpl)) > 0
}
