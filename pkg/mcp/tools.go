package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/stepwise/internal/diagram"
	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/governor"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// runResponse is the stepwise.run result.
type runResponse struct {
	RunID      string              `json:"run_id"`
	WorkflowID string              `json:"workflow_id"`
	Status     schema.RunStatus    `json:"status"`
	Output     any                 `json:"output,omitempty"`
	Error      *schema.EngineError `json:"error,omitempty"`
	Steps      []string            `json:"steps"`
	Stats      governor.Stats      `json:"stats"`
	DurationMs int64               `json:"duration_ms"`
}

// handleRun runs a workflow to completion and returns its result.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wf, bad := s.resolveWorkflow(ctx, req)
	if bad != nil {
		return bad, nil
	}

	runID := req.GetString("run_id", "")
	if runID == "" {
		runID = uuid.NewString()
	}
	opts := []engine.RunOption{
		engine.WithRunID(runID),
		engine.WithVars(mcp.ParseStringMap(req, "vars", nil)),
	}

	var limits governor.Limits
	limits.MaxCalls = extractInt(req.GetArguments(), "max_calls", 0)
	if raw := req.GetString("max_time", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid max_time: %v", err)), nil
		}
		limits.MaxExecutionTime = d
	}
	if limits != (governor.Limits{}) {
		opts = append(opts, engine.WithLimits(limits))
	}

	stop := s.forwardEvents(ctx, runID)
	res, runErr := s.engine.Run(ctx, wf, req.GetArguments()["input"], opts...)
	stop()
	if res == nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed to start: %v", runErr)), nil
	}

	result, err := marshalResult(runResponse{
		RunID:      res.RunID,
		WorkflowID: res.WorkflowID,
		Status:     res.Status,
		Output:     res.Output,
		Error:      res.Error,
		Steps:      res.Executed(),
		Stats:      res.Stats,
		DurationMs: res.CompletedAt.Sub(res.StartedAt).Milliseconds(),
	})
	if err == nil && runErr != nil {
		result.IsError = true
	}
	return result, err
}

// handleValidate reports validation errors and warnings for a definition.
func (s *Server) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def := mcp.ParseStringMap(req, "definition", nil)
	if def == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	_, vr := s.engine.LoadDocument(raw)
	return marshalResult(map[string]any{
		"valid":    vr.Valid(),
		"errors":   vr.Errors,
		"warnings": vr.Warnings,
	})
}

// handleStatus returns a recorded run, its step executions and whether it
// is still in flight.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	steps, err := s.store.ListSteps(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"run":     run,
		"steps":   steps,
		"running": slices.Contains(s.engine.Running(), runID),
	})
}

// handleAbort requests cooperative cancellation of a running run.
func (s *Server) handleAbort(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if err := s.engine.Abort(runID, req.GetString("reason", "")); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("abort failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// handleQuery lists runs, events, or scheduled jobs based on filters.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "jobs":
		return s.queryJobs(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleDiagram draws a definition, a stored workflow, or a recorded run.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}

	var (
		wf     *schema.Workflow
		states map[string]*store.StepState
	)
	if runID := req.GetString("run_id", ""); runID != "" {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %v", err)), nil
		}
		wf = &run.Definition
		if states, err = store.NewEventLog(s.store).ReplayEvents(ctx, runID); err != nil {
			s.logger.Warn("replay events failed", slog.String("run_id", runID), slog.String("error", err.Error()))
		}
	} else {
		var bad *mcp.CallToolResult
		if wf, bad = s.resolveWorkflow(ctx, req); bad != nil {
			return bad, nil
		}
	}

	model, err := diagram.Build(wf, states)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "png":
		png, err := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	case "svg":
		svg, err := diagram.RenderImage(ctx, model, diagram.FormatSVG)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultText(string(svg)), nil
	default:
		return mcp.NewToolResultError("format must be ascii, mermaid, png, or svg"), nil
	}
}

// handleSchedule stores a cron job for a workflow.
func (s *Server) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduling is not enabled"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	wf, bad := s.resolveWorkflow(ctx, req)
	if bad != nil {
		return bad, nil
	}

	job, err := s.scheduler.Add(ctx, req.GetString("name", wf.ID), cronExpr, wf, req.GetArguments()["input"])
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("schedule failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"job_id":      job.ID,
		"name":        job.Name,
		"next_run_at": job.NextRunAt,
	})
}

// --- Query helpers ---

func (s *Server) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		rf.WorkflowID = wfID
	}
	rf.Since = extractTime(filter, "since")

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if runID, ok := filter["run_id"].(string); ok {
		ef.RunID = runID
	}
	if stepID, ok := filter["step_id"].(string); ok {
		ef.StepID = stepID
	}
	ef.Since = extractTime(filter, "since")

	if eventType, ok := filter["event_type"].(string); ok && eventType != "" {
		events, err := s.store.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.RunID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, ef.RunID, int64(extractInt(filter, "after_sequence", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *Server) queryJobs(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	jf := store.ScheduledJobFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		jf.Enabled = &enabled
	}

	jobs, err := s.store.ListScheduledJobs(ctx, jf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"jobs": jobs})
}

// --- Internal helpers ---

// resolveWorkflow reads the workflow from the 'definition' or 'workflow'
// argument and validates it. A non-nil result is the error to return.
func (s *Server) resolveWorkflow(_ context.Context, req mcp.CallToolRequest) (*schema.Workflow, *mcp.CallToolResult) {
	var raw []byte
	if def := mcp.ParseStringMap(req, "definition", nil); def != nil {
		b, err := json.Marshal(def)
		if err != nil {
			return nil, mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err))
		}
		raw = b
	} else if name := req.GetString("workflow", ""); name != "" {
		if s.workflows == nil {
			return nil, mcp.NewToolResultError("no workflow source configured")
		}
		wf, err := s.workflows.Workflow(name)
		if err != nil {
			return nil, mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err))
		}
		b, err := json.Marshal(wf)
		if err != nil {
			return nil, mcp.NewToolResultError(fmt.Sprintf("invalid workflow %q: %v", name, err))
		}
		raw = b
	} else {
		return nil, mcp.NewToolResultError("one of definition or workflow is required")
	}

	wf, vr := s.engine.LoadDocument(raw)
	if err := vr.ToError(); err != nil {
		data, _ := json.Marshal(map[string]any{"error": err.Error(), "errors": vr.Errors})
		return nil, mcp.NewToolResultError(string(data))
	}
	return wf, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case int64:
		return int(val)
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// extractTime parses an RFC 3339 timestamp from a filter map.
func extractTime(filter map[string]any, key string) *time.Time {
	raw, ok := filter[key].(string)
	if !ok || raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
