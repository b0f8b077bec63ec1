package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/stepwise/pkg/schema"
)

// MCPClient is the subset of an MCP client the bridge needs.
// *client.Client satisfies it.
type MCPClient interface {
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// DialMCP launches an MCP server over stdio and performs the initialize
// handshake. The caller closes the returned client.
func DialMCP(ctx context.Context, command string, env []string, args ...string) (*client.Client, error) {
	c, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("start mcp server %s: %w", command, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = "2024-11-05"
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "stepwise",
		Version: "1.0.0",
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize mcp server %s: %w", command, err)
	}
	return c, nil
}

// RegisterMCP lists the server's tools and registers each under prefix
// (e.g. "fs.read_file"). It returns how many tools were registered.
func RegisterMCP(ctx context.Context, reg *Registry, prefix string, c MCPClient) (int, error) {
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeToolExecution, "list mcp tools for %q", prefix).WithCause(err)
	}
	if res == nil {
		return 0, nil
	}

	remote := make([]Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		params, err := inputSchema(t)
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "mcp tool %q: input schema", t.Name).WithCause(err)
		}
		remote = append(remote, &mcpTool{
			client: c,
			remote: t.Name,
			def:    Definition{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	return reg.RegisterPrefixed(prefix, "mcp:"+prefix, remote)
}

func inputSchema(t mcp.Tool) (map[string]any, error) {
	raw := []byte(t.RawInputSchema)
	if len(raw) == 0 {
		b, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

// mcpTool forwards calls to a remote MCP tool.
type mcpTool struct {
	client MCPClient
	remote string
	def    Definition
}

func (t *mcpTool) Name() string           { return t.remote }
func (t *mcpTool) Definition() Definition { return t.def }

// Execute calls the remote tool. Text content that parses as JSON is returned
// decoded; a single content item is returned bare. A result flagged IsError
// becomes an error carrying its text.
func (t *mcpTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	res, err := t.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      t.remote,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}

	values := make([]any, 0, len(res.Content))
	var texts []string
	for _, c := range res.Content {
		v, text := contentValue(c)
		values = append(values, v)
		if text != "" {
			texts = append(texts, text)
		}
	}

	if res.IsError {
		msg := strings.Join(texts, "\n")
		if msg == "" {
			msg = "remote tool reported an error"
		}
		return nil, errors.New(msg)
	}

	switch len(values) {
	case 0:
		return nil, nil
	case 1:
		return values[0], nil
	default:
		return values, nil
	}
}

// contentValue converts one MCP content item into a plain value and returns
// its text, if any.
func contentValue(c mcp.Content) (any, string) {
	var text string
	switch tc := c.(type) {
	case mcp.TextContent:
		text = tc.Text
	case *mcp.TextContent:
		text = tc.Text
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return nil, ""
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, ""
		}
		return m, ""
	}

	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v, text
		}
	}
	return text, text
}
