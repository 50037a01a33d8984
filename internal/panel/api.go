package panel

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rendis/autocraft/internal/diagram"
	"github.com/rendis/autocraft/internal/engine"
	"github.com/rendis/autocraft/internal/store"
	"github.com/rendis/autocraft/pkg/schema"
)

// runDetail is the body of GET /api/runs/{id}.
type runDetail struct {
	Run      *store.Run       `json:"run"`
	Attempts []*store.Attempt `json:"attempts"`
	Events   []*schema.Event  `json:"events"`
	Diagram  string           `json:"diagram,omitempty"`
	Outcome  *engine.Outcome  `json:"outcome,omitempty"`
}

// handleStatus reports the live state of the attempt loop.
func (s *PanelServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "runner not configured")
		return
	}
	loop := s.deps.Runner.Loop()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         loop.Status(),
		"busy":           s.deps.Runner.Busy(),
		"stop_requested": loop.IsStopRequested(),
		"capabilities":   loop.Breakers().Stats(),
	})
}

// handleListRuns lists run history, newest first.
func (s *PanelServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if st := r.URL.Query().Get("status"); st != "" {
		rs := schema.RunStatus(st)
		filter.Status = &rs
	}
	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("list runs failed", "error", err)
		writeCraftError(w, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// handleGetRun returns a run with its attempts, events and a Mermaid
// diagram of its flow overlaid with the run's progress.
func (s *PanelServer) handleGetRun(w http.ResponseWriter, r *http.Request) {
	detail, err := s.loadRun(r)
	if err != nil {
		writeCraftError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleRunDiagram renders the run's flow. format is mermaid (default),
// ascii, svg or png.
func (s *PanelServer) handleRunDiagram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	run, err := s.deps.Store.GetRun(ctx, id)
	if err != nil {
		writeCraftError(w, err)
		return
	}
	events, _ := s.deps.Store.GetEvents(ctx, id, 0)
	model, err := diagram.Build(&run.Flow, events)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderMermaid(model))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderASCII(model))
	case diagram.FormatSVG, diagram.FormatPNG:
		data, err := diagram.RenderImage(ctx, model, format)
		if err != nil {
			s.deps.Logger.Error("render diagram failed", "run_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if format == diagram.FormatSVG {
			w.Header().Set("Content-Type", "image/svg+xml")
		} else {
			w.Header().Set("Content-Type", "image/png")
		}
		w.Write(data)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
	}
}

// handleStartRun starts a run in the background. The body may carry a
// flow and an attempt budget; the server defaults fill the rest.
func (s *PanelServer) handleStartRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "runner not configured")
		return
	}

	var body struct {
		Flow          *schema.FlowGraph `json:"flow"`
		MaxAttempts   int               `json:"max_attempts"`
		ProgressEvery int               `json:"progress_every"`
		StartDelayMs  int               `json:"start_delay_ms"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}

	flow := body.Flow
	if flow == nil {
		flow = s.deps.Flow
	}
	if flow == nil {
		writeError(w, http.StatusBadRequest, "flow is required")
		return
	}
	limit := body.MaxAttempts
	if limit == 0 {
		limit = s.deps.MaxAttempts
	}

	id, err := s.deps.Runner.Start(engine.RunConfig{
		Flow:          flow.Resolve(),
		MaxAttempts:   limit,
		ProgressEvery: body.ProgressEvery,
		StartDelay:    time.Duration(body.StartDelayMs) * time.Millisecond,
	})
	if err != nil {
		writeCraftError(w, err)
		return
	}
	s.deps.Logger.Info("run started from panel", "run_id", id, "max_attempts", limit)
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": id, "max_attempts": limit})
}

// handleStop requests the active run to stop.
func (s *PanelServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "runner not configured")
		return
	}
	busy := s.deps.Runner.Busy()
	s.deps.Runner.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"stop_requested": true, "was_running": busy})
}

func (s *PanelServer) loadRun(r *http.Request) (*runDetail, error) {
	ctx := r.Context()
	id := r.PathValue("id")

	run, err := s.deps.Store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	attempts, err := s.deps.Store.ListAttempts(ctx, id)
	if err != nil {
		s.deps.Logger.Warn("list attempts failed", "run_id", id, "error", err)
	}
	events, err := s.deps.Store.GetEvents(ctx, id, 0)
	if err != nil {
		s.deps.Logger.Warn("get events failed", "run_id", id, "error", err)
	}

	detail := &runDetail{Run: run, Attempts: attempts, Events: events}
	if detail.Attempts == nil {
		detail.Attempts = []*store.Attempt{}
	}
	if detail.Events == nil {
		detail.Events = []*schema.Event{}
	}
	if model, err := diagram.Build(&run.Flow, events); err == nil {
		detail.Diagram = diagram.RenderMermaid(model)
	}
	if s.deps.Runner != nil {
		if out, ok := s.deps.Runner.Outcome(id); ok {
			detail.Outcome = &out
		}
	}
	return detail, nil
}
