package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/pkg/schema"
)

// Predicate languages.
const (
	LangExpr = "expr"
	LangCEL  = "cel"
)

// Evaluate decides one predicate against scope.
//
// A predicate that is exactly one ${ref} is resolved and is true only for
// boolean true or the string "true". Anything else is compiled in lang
// (expr when empty) with ${ref} wrappers unwrapped to plain paths.
//
// A non-nil error means the predicate itself is invalid (unknown language,
// compile error). Resolution and evaluation failures return false with a
// warning describing why.
func (r *Router) Evaluate(ctx context.Context, predicate, lang string, scope *expressions.Scope) (bool, string, error) {
	predicate = strings.TrimSpace(predicate)
	if predicate == "" {
		return false, "", schema.NewError(schema.ErrCodeConfiguration, "empty predicate")
	}

	if ref, ok := expressions.SingleReference(predicate); ok {
		v, err := expressions.Resolve(ref, scope)
		if err != nil {
			return false, err.Error(), nil
		}
		return truthy(v), "", nil
	}

	engine, err := r.engineFor(lang)
	if err != nil {
		return false, "", err
	}
	code := unwrapReferences(predicate)
	if err := engine.Compile(code); err != nil {
		return false, "", err
	}

	out, err := engine.Evaluate(ctx, code, scope.Env())
	if err != nil {
		return false, err.Error(), nil
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Sprintf("predicate %q returned %s, not bool", predicate, expressions.TypeName(out)), nil
	}
	return b, "", nil
}

// Validate compiles a predicate without evaluating it.
func (r *Router) Validate(predicate, lang string) error {
	predicate = strings.TrimSpace(predicate)
	if predicate == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "empty predicate")
	}
	if ref, ok := expressions.SingleReference(predicate); ok {
		_, err := expressions.ParsePath(ref)
		return err
	}
	engine, err := r.engineFor(lang)
	if err != nil {
		return err
	}
	return engine.Compile(unwrapReferences(predicate))
}

type compiler interface {
	expressions.Engine
	Compile(expression string) error
}

func (r *Router) engineFor(lang string) (compiler, error) {
	switch strings.ToLower(lang) {
	case "", LangExpr:
		return r.expr, nil
	case LangCEL:
		return r.cel, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown predicate language %q", lang)
}

// truthy accepts boolean true and the string "true".
func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val == "true"
	}
	return false
}

// unwrapReferences turns `${a.b} == "x"` into `(a.b) == "x"`.
func unwrapReferences(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i == -1 {
			b.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i:], '}')
		if j == -1 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		b.WriteString("(")
		b.WriteString(strings.TrimSpace(s[i+2 : i+j]))
		b.WriteString(")")
		s = s[i+j+1:]
	}
	return b.String()
}
