package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ScriptStep is one scripted reply: either a response or an error.
type ScriptStep struct {
	Response *Response
	Err      error
}

// Scripted replays a fixed sequence of replies, one per call, and records
// every request it receives. Once the script is exhausted the last step
// repeats. It is used for tests and for dry runs of workflows.
type Scripted struct {
	name string

	mu       sync.Mutex
	script   []ScriptStep
	next     int
	requests []Request

	// ChunkSize splits streamed content into chunks of this many bytes (default 8).
	ChunkSize int
}

// NewScripted creates a scripted provider.
func NewScripted(name string, steps ...ScriptStep) *Scripted {
	return &Scripted{name: name, script: steps}
}

// Reply is shorthand for a step that answers with text.
func Reply(content string) ScriptStep {
	return ScriptStep{Response: &Response{Content: content, StopReason: "end_turn"}}
}

// CallTools is shorthand for a step that requests tool calls.
func CallTools(content string, calls ...ToolCall) ScriptStep {
	return ScriptStep{Response: &Response{Content: content, ToolCalls: calls, StopReason: "tool_use"}}
}

// Fail is shorthand for a step that fails.
func Fail(err error) ScriptStep {
	return ScriptStep{Err: err}
}

func (s *Scripted) Name() string {
	return s.name
}

// Send returns the next scripted reply.
func (s *Scripted) Send(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step, err := s.advance(req)
	if err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	resp := *step.Response
	resp.ToolCalls = append([]ToolCall(nil), step.Response.ToolCalls...)
	return &resp, nil
}

// Stream returns the next scripted reply split into chunks, with tool calls
// on the terminal chunk.
func (s *Scripted) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	resp, err := s.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	size := s.ChunkSize
	if size <= 0 {
		size = 8
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		content := resp.Content
		for len(content) > 0 {
			n := min(size, len(content))
			select {
			case ch <- Chunk{Delta: content[:n]}:
			case <-ctx.Done():
				return
			}
			content = content[n:]
		}
		select {
		case ch <- Chunk{Done: true, ToolCalls: resp.ToolCalls, Usage: &resp.Usage}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// Requests returns a copy of every request received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Calls returns the number of requests received.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *Scripted) advance(req Request) (ScriptStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, cloneRequest(req))
	if len(s.script) == 0 {
		return ScriptStep{}, errors.New("scripted provider has no replies")
	}
	idx := min(s.next, len(s.script)-1)
	s.next++
	return s.script[idx], nil
}

func cloneRequest(req Request) Request {
	req.Messages = append([]Message(nil), req.Messages...)
	req.Tools = append([]ToolDefinition(nil), req.Tools...)
	return req
}

// Echo answers every request with the content of its last user message.
// It never requests tools.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) Send(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			return &Response{Content: req.Messages[i].Content, StopReason: "end_turn"}, nil
		}
	}
	return &Response{Content: strings.TrimSpace(req.System), StopReason: "end_turn"}, nil
}

var (
	_ StreamingProvider = (*Scripted)(nil)
	_ Provider          = Echo{}
)
