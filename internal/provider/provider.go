package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation sent to a provider.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant messages
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool messages
	Name       string     `json:"name,omitempty"`         // tool messages: tool name
}

// ToolCall is a provider's request to run a tool.
// Providers that deliver arguments as a JSON string set RawArguments and
// leave Arguments nil; the tool-calling loop decodes it.
type ToolCall struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	RawArguments string         `json:"raw_arguments,omitempty"`
}

// ToolDefinition advertises a tool to the provider.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"` // JSON Schema
}

// Request is one provider call.
type Request struct {
	Model     string           `json:"model,omitempty"`
	System    string           `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// Usage reports token accounting when the provider supplies it.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a complete provider reply.
type Response struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Usage      Usage      `json:"usage"`
}

// Chunk is one element of a streamed reply. The terminal chunk has Done set
// and carries any tool calls the reply requests. A chunk with Err set ends
// the stream.
type Chunk struct {
	Delta     string     `json:"delta,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
	Err       error      `json:"-"`
}

// Provider sends a conversation to a language model.
// Implementations must be safe for concurrent use.
type Provider interface {
	Name() string
	Send(ctx context.Context, req Request) (*Response, error)
}

// StreamingProvider can also stream replies. The returned channel is closed
// after the terminal chunk.
type StreamingProvider interface {
	Provider
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// AsStreaming returns p as a StreamingProvider when it can stream.
// Wrappers report the capability of what they wrap through SupportsStreaming.
func AsStreaming(p Provider) (StreamingProvider, bool) {
	sp, ok := p.(StreamingProvider)
	if !ok {
		return nil, false
	}
	if s, ok := p.(interface{ SupportsStreaming() bool }); ok && !s.SupportsStreaming() {
		return nil, false
	}
	return sp, true
}

// Error is a classified provider failure.
type Error struct {
	Provider   string
	StatusCode int
	Transient  bool // rate limits, overload, network failures
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// Collect reads a stream into a Response. It is used by callers that
// stream for observability but need the full reply. It stops at the first
// Done or Err chunk; anything the producer sends afterwards is discarded in
// the background so the producer never blocks.
func Collect(ch <-chan Chunk, onChunk func(Chunk)) (*Response, error) {
	resp := &Response{}
	var content []byte
	for chunk := range ch {
		if chunk.Err != nil {
			go drain(ch)
			return nil, chunk.Err
		}
		if onChunk != nil {
			onChunk(chunk)
		}
		content = append(content, chunk.Delta...)
		if chunk.Usage != nil {
			resp.Usage = *chunk.Usage
		}
		if chunk.Done {
			resp.ToolCalls = chunk.ToolCalls
			go drain(ch)
			break
		}
	}
	resp.Content = string(content)
	return resp, nil
}

func drain(ch <-chan Chunk) {
	for range ch {
	}
}
