package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/stepwise/internal/provider"
	"github.com/rendis/stepwise/pkg/schema"
)

type repairRequest struct {
	what   string // what the payload is, for the prompt
	raw    string
	reason string
	object bool // payload must be a JSON object
}

const repairSystem = "You fix malformed JSON. Reply with the corrected JSON only, no prose and no code fences."

// repair asks the provider to fix a malformed JSON payload. depth counts the
// repair requests already made for this payload; once it reaches the agent's
// MaxRepairDepth the payload is rejected.
func (l *Loop) repair(ctx context.Context, agent *Agent, req repairRequest, iter, depth int, res *Result) (any, error) {
	if depth >= agent.maxRepairDepth() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "malformed JSON in %s after %d repair attempts: %s", req.what, depth, req.reason).
			WithDetails(map[string]any{"raw": truncate(req.raw, 512), "repair_depth": depth})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res.Repairs++
	l.emit(Event{Kind: EventRepair, Agent: agent.Name, Iteration: iter, Depth: depth + 1, Err: req.reason})

	prompt := fmt.Sprintf("The %s is not valid JSON (%s).\n\n%s\n\nReturn the corrected JSON.", req.what, req.reason, req.raw)
	if req.object {
		prompt += " It must be a single JSON object."
	}
	resp, err := l.send(ctx, agent, provider.Request{
		Model:     agent.Model,
		System:    repairSystem,
		Messages:  []provider.Message{{Role: provider.RoleUser, Content: prompt}},
		MaxTokens: agent.MaxTokens,
	}, iter, nil)
	if err != nil {
		return nil, err
	}

	v, err := decodeJSON(resp.Content, req.object)
	if err == nil {
		return v, nil
	}
	next := req
	next.raw = resp.Content
	next.reason = err.Error()
	return l.repair(ctx, agent, next, iter, depth+1, res)
}

// decodeJSON parses s, tolerating surrounding whitespace and a markdown code fence.
func decodeJSON(s string, object bool) (any, error) {
	s = stripFence(strings.TrimSpace(s))
	if s == "" {
		return nil, fmt.Errorf("empty payload")
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	if object {
		if _, ok := v.(map[string]any); !ok {
			return nil, fmt.Errorf("expected a JSON object")
		}
	}
	return v, nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
