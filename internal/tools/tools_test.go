package tools

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/internal/validation"
	"github.com/rendis/stepwise/pkg/schema"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	return NewRegistry(v, nil)
}

func echoTool(name string) *FuncTool {
	return Func(name, "echoes its arguments", nil, func(_ context.Context, args map[string]any) (any, error) {
		return args, nil
	})
}

func TestRegistry_Register(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Register(echoTool("echo")))
	assert.True(t, reg.Has("echo"))
	assert.Equal(t, 1, reg.Count())

	err := reg.Register(echoTool("echo"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	err = reg.Register(nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = reg.Register(echoTool(""))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestRegistry_RegisterRejectsBadSchema(t *testing.T) {
	reg := newRegistry(t)
	bad := Func("bad", "", map[string]any{"type": 42}, nil)
	err := reg.Register(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid parameter schema")
	assert.False(t, reg.Has("bad"))
}

func TestRegistry_LookupMissing(t *testing.T) {
	_, err := newRegistry(t).Lookup("ghost")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestRegistry_ExecuteValidatesArguments(t *testing.T) {
	reg := newRegistry(t)
	called := false
	require.NoError(t, reg.Register(Func("search", "", ObjectSchema(map[string]any{
		"query": map[string]any{"type": "string"},
	}, "query"), func(_ context.Context, args map[string]any) (any, error) {
		called = true
		return []string{"a", "b"}, nil
	})))

	_, err := reg.Execute(context.Background(), "search", map[string]any{"q": "typo"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.False(t, called)

	out, err := reg.Execute(context.Background(), "search", map[string]any{"query": "go"})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, []any{"a", "b"}, out, "results are normalized")
}

func TestRegistry_ExecuteWrapsToolErrors(t *testing.T) {
	reg := newRegistry(t)
	boom := errors.New("boom")
	require.NoError(t, reg.Register(Func("fail", "", nil, func(context.Context, map[string]any) (any, error) {
		return nil, boom
	})))

	_, err := reg.Execute(context.Background(), "fail", nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeToolExecution))
	assert.ErrorIs(t, err, boom)

	_, err = reg.Execute(context.Background(), "ghost", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestRegistry_ExecutePassesFatalErrors(t *testing.T) {
	reg := newRegistry(t)
	limit := schema.NewError(schema.ErrCodeCallLimitExceeded, "call limit exceeded")
	require.NoError(t, reg.Register(Func("nested", "", nil, func(context.Context, map[string]any) (any, error) {
		return nil, limit
	})))

	_, err := reg.Execute(context.Background(), "nested", nil)
	assert.Same(t, limit, err)
}

func TestRegistry_ExecuteCancelled(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, reg.Register(echoTool("echo")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := reg.Execute(ctx, "echo", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistry_PrefixedListAndDefinitions(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, RegisterBuiltins(reg))
	n, err := reg.RegisterPrefixed("gh", "plugin", []Tool{echoTool("create_issue"), echoTool("close_issue")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	infos := reg.List()
	require.Len(t, infos, 4)
	assert.Equal(t, "expr", infos[0].Name)
	assert.Equal(t, "builtin", infos[0].Source)
	assert.Equal(t, "gh.close_issue", infos[1].Name)
	assert.Equal(t, "plugin", infos[1].Source)

	defs, err := reg.Definitions("jq", "gh.create_issue")
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "jq", defs[0].Name)
	assert.Equal(t, "gh.create_issue", defs[1].Name)

	_, err = reg.Definitions("ghost")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	_, err = reg.RegisterPrefixed("", "", nil)
	assert.Error(t, err)
}

func TestRegistry_ConcurrentExecute(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, RegisterBuiltins(reg))

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := reg.Execute(context.Background(), "expr", map[string]any{
				"expression": "n * 2",
				"env":        map[string]any{"n": i},
			})
			assert.NoError(t, err)
			assert.Equal(t, i*2, out)
		}()
	}
	wg.Wait()
}

func TestBuiltin_JQ(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, RegisterBuiltins(reg))
	data := map[string]any{"items": []any{
		map[string]any{"name": "a", "score": 3},
		map[string]any{"name": "b", "score": 9},
	}}

	out, err := reg.Execute(context.Background(), "jq", map[string]any{"query": ".items[] | select(.score > 5) | .name", "data": data})
	require.NoError(t, err)
	assert.Equal(t, "b", out)

	out, err = reg.Execute(context.Background(), "jq", map[string]any{"query": ".items[].name", "data": data})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	out, err = reg.Execute(context.Background(), "jq", map[string]any{"query": ".items[] | select(.score > 5) | .name", "data": data, "all": true})
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, out)

	_, err = reg.Execute(context.Background(), "jq", map[string]any{"query": ".items[", "data": data})
	assert.True(t, schema.HasCode(err, schema.ErrCodeToolExecution))

	_, err = reg.Execute(context.Background(), "jq", map[string]any{"data": data})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestBuiltin_Expr(t *testing.T) {
	reg := newRegistry(t)
	require.NoError(t, RegisterBuiltins(reg))

	out, err := reg.Execute(context.Background(), "expr", map[string]any{
		"expression": `len(tags) > 1 ? "many" : "few"`,
		"env":        map[string]any{"tags": []any{"x", "y"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "many", out)

	out, err = reg.Execute(context.Background(), "expr", map[string]any{"expression": "1 + 2"})
	require.NoError(t, err)
	assert.Equal(t, 3, out)
}

// fakeMCP is an in-memory MCP server.
type fakeMCP struct {
	mu    sync.Mutex
	tools []mcp.Tool
	calls []mcp.CallToolRequest
	reply func(name string, args map[string]any) *mcp.CallToolResult
	err   error
}

func (f *fakeMCP) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeMCP) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	args := req.GetArguments()
	return f.reply(req.Params.Name, args), nil
}

func newFakeMCP() *fakeMCP {
	return &fakeMCP{
		tools: []mcp.Tool{
			mcp.NewTool("read_file",
				mcp.WithDescription("Read a file"),
				mcp.WithString("path", mcp.Required(), mcp.Description("file path")),
			),
			mcp.NewTool("stat",
				mcp.WithDescription("Stat a file"),
				mcp.WithString("path", mcp.Required()),
			),
		},
		reply: func(name string, args map[string]any) *mcp.CallToolResult {
			switch name {
			case "read_file":
				if args["path"] == "/missing" {
					return mcp.NewToolResultError("no such file")
				}
				return mcp.NewToolResultText("hello from " + args["path"].(string))
			default:
				return mcp.NewToolResultText(`{"size": 12, "dir": false}`)
			}
		},
	}
}

func TestRegisterMCP(t *testing.T) {
	reg := newRegistry(t)
	fake := newFakeMCP()

	n, err := RegisterMCP(context.Background(), reg, "fs", fake)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.True(t, reg.Has("fs.read_file"))

	defs, err := reg.Definitions("fs.read_file")
	require.NoError(t, err)
	assert.Equal(t, "Read a file", defs[0].Description)
	assert.Equal(t, "object", defs[0].Parameters["type"])

	out, err := reg.Execute(context.Background(), "fs.read_file", map[string]any{"path": "/etc/motd"})
	require.NoError(t, err)
	assert.Equal(t, "hello from /etc/motd", out)
	require.Len(t, fake.calls, 1)
	assert.Equal(t, "read_file", fake.calls[0].Params.Name, "remote name is not prefixed")

	out, err = reg.Execute(context.Background(), "fs.stat", map[string]any{"path": "/etc/motd"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"size": float64(12), "dir": false}, out)
}

func TestRegisterMCP_ErrorsAndValidation(t *testing.T) {
	reg := newRegistry(t)
	fake := newFakeMCP()
	_, err := RegisterMCP(context.Background(), reg, "fs", fake)
	require.NoError(t, err)

	_, err = reg.Execute(context.Background(), "fs.read_file", map[string]any{"path": "/missing"})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeToolExecution))
	assert.Contains(t, err.Error(), "no such file")

	_, err = reg.Execute(context.Background(), "fs.read_file", map[string]any{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Len(t, fake.calls, 1, "invalid arguments never reach the server")

	_, err = RegisterMCP(context.Background(), reg, "down", &fakeMCP{err: errors.New("connection refused")})
	assert.Error(t, err)
}
