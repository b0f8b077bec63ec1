package expressions

import (
	"strconv"
	"strings"
)

// Segment is one step of a path expression.
type Segment struct {
	Key     string // map key, or the literal text of an index
	Index   int    // valid when Indexed
	Indexed bool   // written as [n]
}

func (s Segment) String() string {
	if s.Indexed {
		return "[" + strconv.Itoa(s.Index) + "]"
	}
	return s.Key
}

// ParsePath splits a path expression such as `step_outputs.fetch.items[0]["a.b"]`
// into segments. The first segment is the root namespace.
func ParsePath(expr string) ([]Segment, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, syntaxError(expr, "", "empty reference")
	}

	var segs []Segment
	i := 0
	expectKey := true
	for i < len(expr) {
		switch c := expr[i]; {
		case c == '.':
			if expectKey {
				return nil, syntaxError(expr, "", "empty segment at offset "+strconv.Itoa(i))
			}
			expectKey = true
			i++
			if i == len(expr) {
				return nil, syntaxError(expr, "", "trailing '.'")
			}
		case c == '[':
			if len(segs) == 0 {
				return nil, syntaxError(expr, "", "reference must start with a namespace")
			}
			if expectKey && i > 0 && expr[i-1] == '.' {
				return nil, syntaxError(expr, "", "'.' followed by '['")
			}
			seg, n, err := parseBracket(expr, i)
			if err != nil {
				return nil, err
			}
			segs = append(segs, seg)
			i = n
			expectKey = false
		default:
			if !expectKey {
				return nil, syntaxError(expr, "", "unexpected character "+strconv.Quote(string(c))+" at offset "+strconv.Itoa(i))
			}
			j := i
			for j < len(expr) && expr[j] != '.' && expr[j] != '[' {
				if expr[j] == ']' || expr[j] == ' ' || expr[j] == '\t' {
					return nil, syntaxError(expr, "", "unexpected character "+strconv.Quote(string(expr[j]))+" at offset "+strconv.Itoa(j))
				}
				j++
			}
			segs = append(segs, Segment{Key: expr[i:j]})
			i = j
			expectKey = false
		}
	}
	return segs, nil
}

// parseBracket parses `[n]`, `["key"]` or `['key']` starting at expr[start] == '['.
// It returns the segment and the offset just past the closing bracket.
func parseBracket(expr string, start int) (Segment, int, error) {
	i := start + 1
	if i >= len(expr) {
		return Segment{}, 0, syntaxError(expr, "", "unclosed '['")
	}

	if q := expr[i]; q == '"' || q == '\'' {
		var b strings.Builder
		i++
		for i < len(expr) && expr[i] != q {
			if expr[i] == '\\' && i+1 < len(expr) {
				i++
			}
			b.WriteByte(expr[i])
			i++
		}
		if i >= len(expr) {
			return Segment{}, 0, syntaxError(expr, "", "unterminated quoted key")
		}
		i++ // closing quote
		if i >= len(expr) || expr[i] != ']' {
			return Segment{}, 0, syntaxError(expr, "", "expected ']' after quoted key")
		}
		return Segment{Key: b.String()}, i + 1, nil
	}

	end := strings.IndexByte(expr[i:], ']')
	if end == -1 {
		return Segment{}, 0, syntaxError(expr, "", "unclosed '['")
	}
	raw := strings.TrimSpace(expr[i : i+end])
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return Segment{}, 0, syntaxError(expr, "["+raw+"]", "bracket index must be a non-negative integer or a quoted key")
	}
	return Segment{Key: raw, Index: n, Indexed: true}, i + end + 1, nil
}
