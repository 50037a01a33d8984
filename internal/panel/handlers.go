package panel

import (
	"net/http"

	"github.com/rendis/autocraft/internal/engine"
	"github.com/rendis/autocraft/internal/store"
)

type pageData struct {
	Title  string
	Active string
}

type dashboardData struct {
	pageData
	Status engine.Status
	Busy   bool
	Runs   []*store.Run
}

type runPageData struct {
	pageData
	*runDetail
}

func (s *PanelServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Store.ListRuns(r.Context(), store.RunFilter{Limit: queryInt(r, "limit", 20)})
	if err != nil {
		s.deps.Logger.Error("list runs failed", "error", err)
		runs = nil
	}

	data := dashboardData{
		pageData: pageData{Title: "Dashboard", Active: "dashboard"},
		Runs:     runs,
	}
	if s.deps.Runner != nil {
		data.Status = s.deps.Runner.Loop().Status()
		data.Busy = s.deps.Runner.Busy()
	}
	s.renderPage(w, "dashboard.html", data)
}

func (s *PanelServer) handleRunPage(w http.ResponseWriter, r *http.Request) {
	detail, err := s.loadRun(r)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	s.renderPage(w, "run_detail.html", runPageData{
		pageData:  pageData{Title: "Run " + truncate(detail.Run.ID, 8), Active: "runs"},
		runDetail: detail,
	})
}
