package httpapi

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/MimeLyc/mtforge/internal/catalog"
	"github.com/MimeLyc/mtforge/internal/ledger"
	"github.com/MimeLyc/mtforge/internal/persistence"
	"github.com/MimeLyc/mtforge/internal/stage"
)

type jobDetailResponse struct {
	Job        ledger.JobRecord           `json:"job"`
	SourceName string                     `json:"source_name"`
	TargetName string                     `json:"target_name"`
	Active     bool                       `json:"active"`
	Metadata   *stage.Metadata            `json:"metadata,omitempty"`
	Attempts   []persistence.StageAttempt `json:"attempts,omitempty"`
}

// handleJobDetail serves GET /api/jobs/{pair}.
func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	if decoded, err := url.PathUnescape(id); err == nil {
		id = decoded
	}
	pair, err := catalog.ParsePairID(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	st := s.status.Snapshot()
	if st.Ledger == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	rec, ok := st.Ledger.Get(pair)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	ret := jobDetailResponse{
		Job:        rec,
		SourceName: pair.SourceName(),
		TargetName: pair.TargetName(),
		Active:     st.Running && st.ActivePair == rec.Pair,
	}
	if rec.ArtifactDir != "" {
		if meta, err := stage.ReadMetadata(rec.ArtifactDir); err == nil {
			ret.Metadata = &meta
		}
	}
	if s.history != nil {
		attempts, err := s.history.ListAttempts(r.Context(), rec.Pair)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		ret.Attempts = attempts
	}
	writeJSON(w, http.StatusOK, ret)
}
