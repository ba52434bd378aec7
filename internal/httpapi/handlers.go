package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/MimeLyc/mtforge/internal/config"
	"github.com/MimeLyc/mtforge/internal/ledger"
	"github.com/MimeLyc/mtforge/internal/pipeline"
	"github.com/MimeLyc/mtforge/internal/report"
)

type jobsResponse struct {
	RunID        string             `json:"run_id,omitempty"`
	RunStartedAt *time.Time         `json:"run_started_at,omitempty"`
	RunUpdatedAt *time.Time         `json:"run_updated_at,omitempty"`
	Running      bool               `json:"running"`
	ActivePair   string             `json:"active_pair,omitempty"`
	ActiveStage  string             `json:"active_stage,omitempty"`
	Counts       map[string]int     `json:"counts"`
	Jobs         []ledger.JobRecord `json:"jobs"`
}

func newJobsResponse(st pipeline.State) jobsResponse {
	ret := jobsResponse{
		Running:     st.Running,
		ActivePair:  st.ActivePair,
		ActiveStage: string(st.ActiveStage),
		Counts:      make(map[string]int),
		Jobs:        []ledger.JobRecord{},
	}
	if st.Ledger == nil {
		return ret
	}
	ret.RunID = st.Ledger.RunID
	ret.RunStartedAt = st.Ledger.RunStartedAt
	ret.RunUpdatedAt = st.Ledger.RunUpdatedAt
	ret.Jobs = st.Ledger.Records()
	for _, rec := range ret.Jobs {
		ret.Counts[string(rec.Status)]++
	}
	return ret
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, newJobsResponse(s.status.Snapshot()))
}

type reportResponse struct {
	Final  bool          `json:"final"`
	Report report.Report `json:"report"`
}

// handleReport serves the last completed run's report. While no run has
// completed, a provisional summary of the live ledger is returned instead.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if rep, ok := s.status.LastReport(); ok {
		writeJSON(w, http.StatusOK, reportResponse{Final: true, Report: rep})
		return
	}
	st := s.status.Snapshot()
	if st.Ledger == nil {
		writeError(w, http.StatusNotFound, "no run has started yet")
		return
	}
	writeJSON(w, http.StatusOK, reportResponse{Final: false, Report: report.Summarize(st.Ledger, s.now())})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "history is not enabled")
		return
	}
	runs, err := s.history.ListRuns(r.Context(), 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.status.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": st.Running,
	})
}

type settingsResponse struct {
	Settings        config.RuntimeSettings `json:"settings"`
	RestartRequired bool                   `json:"restart_required"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "settings store is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		settings, err := s.settings.GetRuntimeSettings()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, settingsResponse{Settings: settings})
	case http.MethodPut:
		var req config.RuntimeSettings
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		saved, err := s.settings.UpdateRuntimeSettings(req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, settingsResponse{Settings: saved, RestartRequired: true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
