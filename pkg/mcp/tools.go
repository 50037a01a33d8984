package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/autocraft/internal/diagram"
	"github.com/rendis/autocraft/internal/engine"
	"github.com/rendis/autocraft/internal/modifiers"
	"github.com/rendis/autocraft/internal/store"
	"github.com/rendis/autocraft/pkg/schema"
)

// handleRun starts a run. With wait=true it blocks until the run ends.
func (s *AutocraftServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.runner == nil {
		return mcp.NewToolResultError("runner not configured"), nil
	}

	var flow schema.FlowGraph
	ok, err := decodeArg(req, "flow", &flow)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid flow: %v", err)), nil
	}
	if !ok {
		if s.flow == nil {
			return mcp.NewToolResultError("flow is required: the server has no default flow"), nil
		}
		flow = *s.flow
	}

	cfg := engine.RunConfig{
		Flow:          flow.Resolve(),
		MaxAttempts:   req.GetInt("max_attempts", s.maxAttempts),
		ProgressEvery: req.GetInt("progress_every", 0),
		StartDelay:    time.Duration(req.GetInt("start_delay_ms", 0)) * time.Millisecond,
		AllowList:     s.allow,
	}
	runID, err := s.runner.Start(cfg)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run not started: %v", err)), nil
	}
	s.logger.Info("run started over mcp", "run_id", runID, "max_attempts", cfg.MaxAttempts)

	if clientID := req.GetString("client_id", ""); clientID != "" {
		s.captureSession(ctx, clientID)
		go s.notifyWhenDone(runID, clientID)
	}

	if !req.GetBool("wait", false) {
		return marshalResult(map[string]any{"run_id": runID, "max_attempts": cfg.MaxAttempts, "started": true})
	}
	out, err := s.runner.Wait(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("waiting for run %s: %v", runID, err)), nil
	}
	return marshalResult(out)
}

// handleStop requests the active run to stop.
func (s *AutocraftServer) handleStop(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.runner == nil {
		return mcp.NewToolResultError("runner not configured"), nil
	}
	busy := s.runner.Busy()
	s.runner.Stop()
	return marshalResult(map[string]any{"stop_requested": true, "was_running": busy})
}

// handleStatus returns the live loop status, or a stored run.
func (s *AutocraftServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := req.GetString("run_id", "")
	if runID == "" {
		if s.runner == nil {
			return mcp.NewToolResultError("runner not configured"), nil
		}
		return marshalResult(map[string]any{
			"status": s.runner.Loop().Status(),
			"busy":   s.runner.Busy(),
		})
	}

	out := map[string]any{"run_id": runID}
	if s.runner != nil {
		if o, ok := s.runner.Outcome(runID); ok {
			out["outcome"] = o
		}
	}
	if s.store != nil {
		run, err := s.store.GetRun(ctx, runID)
		if err == nil {
			out["run"] = run
			out["result"] = run.Result()
		} else if _, has := out["outcome"]; !has {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
		}
	}
	if len(out) == 1 {
		return mcp.NewToolResultError(fmt.Sprintf("run %q not found", runID)), nil
	}
	return marshalResult(out)
}

type checkResult struct {
	Modifier schema.ModifierSpec `json:"modifier"`
	Matched  bool                `json:"matched"`
}

// handleCheck runs the matcher without touching the game: either one text
// line against each modifier, or a set of OCR lines through the same
// aggregate-then-match pipeline as a checkRegion node.
func (s *AutocraftServer) handleCheck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var mods []schema.ModifierSpec
	ok, err := decodeArg(req, "modifiers", &mods)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid modifiers: %v", err)), nil
	}
	if !ok || len(mods) == 0 {
		return mcp.NewToolResultError("modifiers is required"), nil
	}
	// Same legacy folding as a flow node.
	node := schema.FlowGraph{Nodes: []schema.Node{{ID: "check", Kind: schema.NodeKindCheckRegion, Data: schema.StepData{Modifiers: mods}}}}
	mods = node.Resolve().Nodes[0].Data.Modifiers

	if text := req.GetString("text", ""); text != "" {
		results := make([]checkResult, len(mods))
		anyMatched := false
		for i, mod := range mods {
			matched, err := s.matcher.CheckOne(ctx, text, mod)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("check %q: %v", mod.DisplayText(), err)), nil
			}
			results[i] = checkResult{Modifier: mod, Matched: matched}
			anyMatched = anyMatched || matched
		}
		return marshalResult(map[string]any{
			"text":       text,
			"normalized": modifiers.Normalize(text),
			"matched":    anyMatched,
			"results":    results,
		})
	}

	var lines []schema.OCRLineCandidate
	ok, err = decodeArg(req, "lines", &lines)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid lines: %v", err)), nil
	}
	if !ok {
		return mcp.NewToolResultError("one of text or lines is required"), nil
	}

	agg := modifiers.NewAggregator(s.allow).Aggregate([][]schema.OCRLineCandidate{lines})
	match, found, err := s.matcher.FindMatch(ctx, agg, mods)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("match failed: %v", err)), nil
	}
	out := map[string]any{"matched": found, "lines": agg}
	if found {
		out["modifier"] = match.Modifier
		out["line"] = match.Line
		if match.Value != nil {
			out["value"] = *match.Value
		}
	}
	return marshalResult(out)
}

// handleValidate runs the flow through the load-time validator.
func (s *AutocraftServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.validator == nil {
		return mcp.NewToolResultError("validator not configured"), nil
	}
	var flow schema.FlowGraph
	ok, err := decodeArg(req, "flow", &flow)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid flow: %v", err)), nil
	}
	if !ok {
		return mcp.NewToolResultError("flow is required"), nil
	}
	resolved := flow.Resolve()
	result := s.validator.Validate(&resolved)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// handleHistory lists runs, attempts, or events.
func (s *AutocraftServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.store == nil {
		return mcp.NewToolResultError("history store not configured"), nil
	}
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	var filter map[string]any
	if _, err := decodeArg(req, "filter", &filter); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid filter: %v", err)), nil
	}

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "attempts":
		return s.queryAttempts(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleDiagram draws a stored run's flow or an inline flow.
func (s *AutocraftServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}

	var (
		flow   schema.FlowGraph
		events []*schema.Event
	)
	if runID := req.GetString("run_id", ""); runID != "" {
		if s.store == nil {
			return mcp.NewToolResultError("history store not configured"), nil
		}
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %v", err)), nil
		}
		flow = run.Flow
		events, _ = s.store.GetEvents(ctx, runID, 0)
	} else {
		ok, err := decodeArg(req, "flow", &flow)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid flow: %v", err)), nil
		}
		if !ok {
			if s.flow == nil {
				return mcp.NewToolResultError("one of run_id or flow is required"), nil
			}
			flow = *s.flow
		}
		flow = flow.Resolve()
	}

	model, err := diagram.Build(&flow, events)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case diagram.FormatSVG:
		svg, err := diagram.RenderImage(ctx, model, diagram.FormatSVG)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultText(string(svg)), nil
	case diagram.FormatPNG:
		png, err := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	default:
		return mcp.NewToolResultError("format must be ascii, mermaid, png or svg"), nil
	}
}

// --- Query helpers ---

func (s *AutocraftServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if t, ok := extractTime(filter, "since"); ok {
		rf.Since = &t
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *AutocraftServer) queryAttempts(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID, _ := filter["run_id"].(string)
	if runID == "" {
		return mcp.NewToolResultError("attempt query requires 'run_id' in filter"), nil
	}
	attempts, err := s.store.ListAttempts(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if attempts == nil {
		attempts = []*store.Attempt{}
	}
	return marshalResult(map[string]any{"attempts": attempts})
}

func (s *AutocraftServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{Limit: extractInt(filter, "limit", 100)}
	ef.RunID, _ = filter["run_id"].(string)
	ef.EventType, _ = filter["event_type"].(string)
	ef.NodeID, _ = filter["node_id"].(string)
	if t, ok := extractTime(filter, "since"); ok {
		ef.Since = &t
	}
	if ef.RunID == "" && ef.EventType == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id' in filter"), nil
	}

	events, err := s.store.QueryEvents(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if events == nil {
		events = []*schema.Event{}
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// notifyWhenDone pushes the run outcome to the client once the run ends.
func (s *AutocraftServer) notifyWhenDone(runID, clientID string) {
	ctx := context.Background()
	out, err := s.runner.Wait(ctx, runID)
	if err != nil {
		s.logger.Debug("run outcome unavailable", "run_id", runID, "error", err)
		return
	}
	payload := map[string]any{
		"level":  "info",
		"logger": "autocraft",
		"data": map[string]any{
			"run_id":   runID,
			"status":   out.Result.Status,
			"found":    out.Result.Found,
			"attempts": out.Result.Attempts,
			"detected": out.Result.DetectedText,
			"error":    out.Error,
		},
	}
	if err := s.notifier.Notify(ctx, clientID, payload); err != nil {
		s.logger.Warn("run notification failed", "run_id", runID, "client_id", clientID, "error", err)
	}
}

// captureSession maps the client ID to its current MCP session for notifications.
func (s *AutocraftServer) captureSession(ctx context.Context, clientID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(clientID, session.SessionID())
	}
}

// decodeArg re-decodes a JSON argument into v. It reports false when the
// argument is absent.
func decodeArg(req mcp.CallToolRequest, key string, v any) (bool, error) {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return false, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return true, err
	}
	return true, json.Unmarshal(data, v)
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
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func extractTime(filter map[string]any, key string) (time.Time, bool) {
	s, ok := filter[key].(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
