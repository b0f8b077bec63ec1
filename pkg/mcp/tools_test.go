package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/scheduler"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// --- Helpers ---

type fixture struct {
	srv     *Server
	store   *store.LibSQLStore
	engine  *engine.Engine
	release chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	f := &fixture{store: db, release: make(chan struct{})}
	stored := engine.Workflows{"stored": &schema.Workflow{ID: "stored", Steps: []schema.Step{
		{ID: "only", Invoke: schema.Invocable{Kind: schema.InvokeFunction, Name: "upper"}, Output: schema.Terminal()},
	}}}
	f.engine, err = engine.New(engine.Config{
		Recorder:  db,
		Workflows: stored,
		Functions: map[string]engine.Function{
			"upper": func(_ context.Context, in any) (any, error) {
				s, _ := in.(string)
				return "UPPER:" + s, nil
			},
			"boom": func(context.Context, any) (any, error) { return nil, errors.New("boom") },
			"wait": func(ctx context.Context, _ any) (any, error) {
				select {
				case <-f.release:
				case <-ctx.Done():
				}
				return "released", nil
			},
		},
	})
	require.NoError(t, err)

	f.srv = NewServer(ServerDeps{
		Engine:    f.engine,
		Store:     db,
		Workflows: stored,
		Scheduler: scheduler.New(db, f.engine),
	})
	return f
}

func definition(fn string, onError *schema.ErrorPolicy) map[string]any {
	step := map[string]any{
		"id":     "s1",
		"invoke": map[string]any{"kind": "function", "name": fn},
		"input":  "${input.name}",
		"output": map[string]any{"type": "terminal"},
	}
	if onError != nil {
		step["on_error"] = map[string]any{"strategy": string(onError.Strategy)}
	}
	return map[string]any{"id": "wf-" + fn, "steps": []any{step}}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

func decode(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	return out
}

// --- Tests ---

func TestRunTool(t *testing.T) {
	f := newFixture(t)

	res, err := f.srv.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{
		"definition": definition("upper", nil),
		"input":      map[string]any{"name": "ada"},
		"run_id":     "run-1",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	out := decode(t, res)
	assert.Equal(t, "run-1", out["run_id"])
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, "UPPER:ada", out["output"])
	assert.Equal(t, []any{"s1"}, out["steps"])

	run, err := f.store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
}

func TestRunToolStoredWorkflow(t *testing.T) {
	f := newFixture(t)

	res, err := f.srv.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{
		"workflow": "stored",
		"input":    "x",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Equal(t, "UPPER:x", decode(t, res)["output"])

	res, err = f.srv.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{"workflow": "missing"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestRunToolFailedRun(t *testing.T) {
	f := newFixture(t)

	res, err := f.srv.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{
		"definition": definition("boom", &schema.ErrorPolicy{Strategy: schema.ErrorStrategyFail}),
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	out := decode(t, res)
	assert.Equal(t, "failed", out["status"])
	assert.Equal(t, schema.ErrCodeStepFailed, out["error"].(map[string]any)["code"])
}

func TestRunToolLimits(t *testing.T) {
	f := newFixture(t)

	res, err := f.srv.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{
		"definition": definition("upper", nil),
		"max_time":   "1ns",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "timed_out", decode(t, res)["status"])

	res, err = f.srv.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{
		"definition": definition("upper", nil),
		"max_time":   "soon",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestRunToolMissingParams(t *testing.T) {
	f := newFixture(t)

	res, err := f.srv.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestValidateTool(t *testing.T) {
	f := newFixture(t)

	res, err := f.srv.handleValidate(context.Background(), buildRequest("stepwise.validate", map[string]any{
		"definition": definition("upper", nil),
	}))
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, res)["valid"])

	res, err = f.srv.handleValidate(context.Background(), buildRequest("stepwise.validate", map[string]any{
		"definition": definition("unknown", nil),
	}))
	require.NoError(t, err)
	out := decode(t, res)
	assert.Equal(t, false, out["valid"])
	assert.NotEmpty(t, out["errors"])

	res, err = f.srv.handleValidate(context.Background(), buildRequest("stepwise.validate", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestStatusTool(t *testing.T) {
	f := newFixture(t)
	_, err := f.srv.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{
		"definition": definition("upper", nil),
		"run_id":     "run-1",
	}))
	require.NoError(t, err)

	res, err := f.srv.handleStatus(context.Background(), buildRequest("stepwise.status", map[string]any{"run_id": "run-1"}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	out := decode(t, res)
	assert.Equal(t, false, out["running"])
	assert.Len(t, out["steps"], 1)

	res, err = f.srv.handleStatus(context.Background(), buildRequest("stepwise.status", map[string]any{"run_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = f.srv.handleStatus(context.Background(), buildRequest("stepwise.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestAbortTool(t *testing.T) {
	f := newFixture(t)

	wf := map[string]any{"id": "slow", "steps": []any{
		map[string]any{"id": "hold", "invoke": map[string]any{"kind": "function", "name": "wait"}},
		map[string]any{"id": "after", "invoke": map[string]any{"kind": "function", "name": "upper"}},
	}}
	done := make(chan *mcp.CallToolResult, 1)
	go func() {
		res, _ := f.srv.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{
			"definition": wf,
			"run_id":     "slow-1",
		}))
		done <- res
	}()
	require.Eventually(t, func() bool {
		return len(f.engine.Running()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	res, err := f.srv.handleAbort(context.Background(), buildRequest("stepwise.abort", map[string]any{
		"run_id": "slow-1",
		"reason": "operator",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	close(f.release)

	runRes := <-done
	require.NotNil(t, runRes)
	assert.True(t, runRes.IsError)
	assert.Equal(t, "cancelled", decode(t, runRes)["status"])

	res, err = f.srv.handleAbort(context.Background(), buildRequest("stepwise.abort", map[string]any{"run_id": "slow-1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "no longer running")
}

func TestQueryRuns(t *testing.T) {
	f := newFixture(t)
	for _, fn := range []string{"upper", "boom"} {
		_, err := f.srv.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{
			"definition": definition(fn, &schema.ErrorPolicy{Strategy: schema.ErrorStrategyFail}),
		}))
		require.NoError(t, err)
	}

	res, err := f.srv.handleQuery(context.Background(), buildRequest("stepwise.query", map[string]any{
		"resource": "runs",
	}))
	require.NoError(t, err)
	assert.Len(t, decode(t, res)["runs"], 2)

	res, err = f.srv.handleQuery(context.Background(), buildRequest("stepwise.query", map[string]any{
		"resource": "runs",
		"filter":   map[string]any{"status": "failed"},
	}))
	require.NoError(t, err)
	runs := decode(t, res)["runs"].([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, "wf-boom", runs[0].(map[string]any)["workflow_id"])
}

func TestQueryEvents(t *testing.T) {
	f := newFixture(t)
	_, err := f.srv.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{
		"definition": definition("upper", nil),
		"run_id":     "run-1",
	}))
	require.NoError(t, err)

	res, err := f.srv.handleQuery(context.Background(), buildRequest("stepwise.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"run_id": "run-1"},
	}))
	require.NoError(t, err)
	events := decode(t, res)["events"].([]any)
	require.NotEmpty(t, events)
	assert.Equal(t, schema.EventRunStarted, events[0].(map[string]any)["event_type"])

	res, err = f.srv.handleQuery(context.Background(), buildRequest("stepwise.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"event_type": schema.EventStepCompleted},
	}))
	require.NoError(t, err)
	assert.Len(t, decode(t, res)["events"], 1)

	res, err = f.srv.handleQuery(context.Background(), buildRequest("stepwise.query", map[string]any{
		"resource": "events",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestScheduleAndQueryJobs(t *testing.T) {
	f := newFixture(t)

	res, err := f.srv.handleSchedule(context.Background(), buildRequest("stepwise.schedule", map[string]any{
		"cron":     "@hourly",
		"workflow": "stored",
		"input":    "nightly",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	out := decode(t, res)
	assert.Equal(t, "stored", out["name"])
	assert.NotEmpty(t, out["job_id"])

	res, err = f.srv.handleQuery(context.Background(), buildRequest("stepwise.query", map[string]any{
		"resource": "jobs",
		"filter":   map[string]any{"enabled": true},
	}))
	require.NoError(t, err)
	assert.Len(t, decode(t, res)["jobs"], 1)

	res, err = f.srv.handleSchedule(context.Background(), buildRequest("stepwise.schedule", map[string]any{
		"cron":     "whenever",
		"workflow": "stored",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	noSched := NewServer(ServerDeps{Engine: f.engine, Store: f.store})
	res, err = noSched.handleSchedule(context.Background(), buildRequest("stepwise.schedule", map[string]any{"cron": "@hourly"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestDiagramTool(t *testing.T) {
	f := newFixture(t)

	res, err := f.srv.handleDiagram(context.Background(), buildRequest("stepwise.diagram", map[string]any{
		"definition": definition("upper", nil),
		"format":     "mermaid",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Contains(t, resultText(t, res), "graph TD")

	_, err = f.srv.handleRun(context.Background(), buildRequest("stepwise.run", map[string]any{
		"definition": definition("upper", nil),
		"run_id":     "run-1",
	}))
	require.NoError(t, err)

	res, err = f.srv.handleDiagram(context.Background(), buildRequest("stepwise.diagram", map[string]any{
		"run_id": "run-1",
		"format": "ascii",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))
	assert.Contains(t, resultText(t, res), "[OK]")

	res, err = f.srv.handleDiagram(context.Background(), buildRequest("stepwise.diagram", map[string]any{
		"workflow": "stored",
		"format":   "bmp",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestQueryUnknownResource(t *testing.T) {
	f := newFixture(t)
	res, err := f.srv.handleQuery(context.Background(), buildRequest("stepwise.query", map[string]any{"resource": "templates"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestExtractInt(t *testing.T) {
	filter := map[string]any{"f": 3.0, "i": 4, "s": "5", "bad": "x"}
	assert.Equal(t, 3, extractInt(filter, "f", 0))
	assert.Equal(t, 4, extractInt(filter, "i", 0))
	assert.Equal(t, 5, extractInt(filter, "s", 0))
	assert.Equal(t, 9, extractInt(filter, "bad", 9))
	assert.Equal(t, 9, extractInt(nil, "f", 9))
}
