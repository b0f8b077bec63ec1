package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

const pickWorkflow = `{
  "id": "pick",
  "steps": [
    {"id": "name", "invoke": {"kind": "tool", "name": "jq"},
     "input": {"query": ".name", "data": "${input}"},
     "output": {"type": "terminal"}}
  ]
}`

const greetWorkflow = `{
  "id": "greet",
  "steps": [
    {"id": "hello", "invoke": {"kind": "agent", "name": "greeter"}, "input": "hello ${input.name}"}
  ]
}`

const testConfig = `log_level: error
agents:
  - name: greeter
    provider: echo
`

// env is a scratch directory holding a config file and database.
type env struct {
	dir string
	db  string
	cfg string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{dir: dir, db: filepath.Join(dir, "data", "stepwise.db"), cfg: filepath.Join(dir, "config.yaml")}
	require.NoError(t, os.WriteFile(e.cfg, []byte(testConfig), 0o600))
	return e
}

func (e *env) file(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func (e *env) exec(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append([]string{"--config", e.cfg, "--db", e.db}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestVersion(t *testing.T) {
	out, _, err := newEnv(t).exec(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestRun_RecordsHistory(t *testing.T) {
	e := newEnv(t)
	wf := e.file(t, "pick.json", pickWorkflow)

	out, _, err := e.exec(t, "run", wf, "--input", `{"name":"ada"}`, "--run-id", "run-1")
	require.NoError(t, err)

	var res runOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, "ada", res.Output)
	assert.Equal(t, []string{"name"}, res.Steps)

	out, _, err = e.exec(t, "runs", "--json")
	require.NoError(t, err)
	var runs []store.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "pick", runs[0].WorkflowID)

	out, _, err = e.exec(t, "runs")
	require.NoError(t, err)
	assert.Contains(t, out, "RUN ID")
	assert.Contains(t, out, "run-1")

	out, _, err = e.exec(t, "runs", "--status", "failed", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", strings.TrimSpace(out))

	out, _, err = e.exec(t, "events", "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, schema.EventRunStarted)
	assert.Contains(t, out, schema.EventStepCompleted+" [name]")
	assert.Contains(t, out, schema.EventRunCompleted)

	out, _, err = e.exec(t, "events", "run-1", "--replay")
	require.NoError(t, err)
	assert.Contains(t, out, `"name"`)
}

func TestRun_ConfiguredAgent(t *testing.T) {
	e := newEnv(t)
	wf := e.file(t, "greet.json", greetWorkflow)

	out, stderr, err := e.exec(t, "run", wf, "-i", `{"name":"ada"}`, "--watch")
	require.NoError(t, err)

	var res runOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "hello ada", res.Output)
	assert.Contains(t, stderr, schema.EventStepStarted+" [hello]")
}

func TestRun_FailedRunReturnsError(t *testing.T) {
	e := newEnv(t)
	wf := e.file(t, "pick.json", pickWorkflow)

	out, _, err := e.exec(t, "run", wf, "--input", `{"name":"ada"}`, "--max-calls", "0", "--max-time", "1ns")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTimedOut), "%v", err)

	var res runOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, schema.RunStatusTimedOut, res.Status)
}

func TestValidate(t *testing.T) {
	e := newEnv(t)
	good := e.file(t, "pick.json", pickWorkflow)
	bad := e.file(t, "bad.json", `{"id": "bad", "steps": [{"id": "a", "invoke": {"kind": "agent", "name": "nobody"}}]}`)

	_, _, err := e.exec(t, "validate", good)
	require.NoError(t, err)

	out, _, err := e.exec(t, "validate", bad)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Contains(t, out, "nobody")

	_, stderr, err := e.exec(t, "run", bad)
	require.Error(t, err)
	assert.Contains(t, stderr, "error:")
}

func TestSchedule_AddAndList(t *testing.T) {
	e := newEnv(t)
	wf := e.file(t, "pick.json", pickWorkflow)

	out, _, err := e.exec(t, "schedule", "add", "0 * * * *", wf, "--input", `{"name":"ada"}`)
	require.NoError(t, err)
	jobID := strings.Fields(out)[0]

	out, _, err = e.exec(t, "schedule", "list")
	require.NoError(t, err)
	assert.Contains(t, out, jobID)
	assert.Contains(t, out, "0 * * * *")

	_, _, err = e.exec(t, "schedule", "disable", jobID)
	require.NoError(t, err)
	out, _, err = e.exec(t, "schedule", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, jobID)

	out, _, err = e.exec(t, "schedule", "list", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, jobID)

	_, _, err = e.exec(t, "schedule", "add", "every hour", wf)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestConfig_MissingExplicitFile(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml"), "version"})
	assert.Error(t, root.Execute())
}

func TestReadInput(t *testing.T) {
	in, err := readInput("", "")
	require.NoError(t, err)
	assert.Nil(t, in)

	in, err = readInput(`{"n": 1}`, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 1.0}, in)

	p := filepath.Join(t.TempDir(), "in.json")
	require.NoError(t, os.WriteFile(p, []byte(`["a"]`), 0o600))
	in, err = readInput(`{"ignored": true}`, p)
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, in)

	_, err = readInput("{", "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"env=prod", "query=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"env": "prod", "query": "a=b"}, vars)

	vars, err = parseVars(nil)
	require.NoError(t, err)
	assert.Nil(t, vars)

	_, err = parseVars([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseVars([]string{"=x"})
	assert.Error(t, err)
}

func TestDiagram(t *testing.T) {
	e := newEnv(t)
	wf := e.file(t, "pick.json", pickWorkflow)

	out, _, err := e.exec(t, "diagram", wf, "--format", "mermaid")
	require.NoError(t, err)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, `name["name"]`)

	_, _, err = e.exec(t, "run", wf, "-i", `{"name":"ada"}`, "--run-id", "run-1")
	require.NoError(t, err)
	out, _, err = e.exec(t, "diagram", "--run", "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "| name (tool jq) [OK] |")

	_, _, err = e.exec(t, "diagram", wf, "--format", "png")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "png needs a file")
	_, _, err = e.exec(t, "diagram")
	assert.Error(t, err)
}

func TestRun_CryptoToolEnabledByDefault(t *testing.T) {
	e := newEnv(t)
	wf := e.file(t, "digest.json", `{
  "id": "digest",
  "steps": [
    {"id": "hash", "invoke": {"kind": "tool", "name": "crypto.hash"}, "input": {"data": "${input}"}}
  ]
}`)

	out, _, err := e.exec(t, "run", wf, "--input", `"abc"`)
	require.NoError(t, err)
	var res runOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, map[string]any{
		"hash":      "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		"algorithm": "sha256",
	}, res.Output)

	_, _, err = e.exec(t, "validate", e.file(t, "fetch.json", `{
  "id": "fetch",
  "steps": [{"id": "get", "invoke": {"kind": "tool", "name": "http.request"}, "input": {"url": "http://localhost"}}]
}`))
	assert.Error(t, err, "http.request is opt-in")
}
