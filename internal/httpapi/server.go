package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/MimeLyc/mtforge/internal/config"
	"github.com/MimeLyc/mtforge/internal/persistence"
	"github.com/MimeLyc/mtforge/internal/pipeline"
	"github.com/MimeLyc/mtforge/internal/report"
)

type statusSource interface {
	Snapshot() pipeline.State
	LastReport() (report.Report, bool)
}

type historySource interface {
	ListAttempts(ctx context.Context, pair string) ([]persistence.StageAttempt, error)
	ListRuns(ctx context.Context, limit int) ([]persistence.Run, error)
}

type runtimeSettingsStore interface {
	GetRuntimeSettings() (config.RuntimeSettings, error)
	UpdateRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error)
}

// Server exposes the pipeline state over HTTP. It never drives the pipeline.
type Server struct {
	status   statusSource
	history  historySource
	settings runtimeSettingsStore

	streamInterval time.Duration
	now            func() time.Time

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func WithHistory(history historySource) Option {
	return func(s *Server) {
		s.history = history
	}
}

func WithRuntimeSettingsStore(store runtimeSettingsStore) Option {
	return func(s *Server) {
		s.settings = store
	}
}

func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

func NewServer(status statusSource, opts ...Option) *Server {
	s := &Server{
		status:         status,
		streamInterval: time.Second,
		now:            time.Now,
		mux:            http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/jobs/stream", s.handleJobStream)
	s.mux.HandleFunc("/api/jobs/", s.handleJobDetail)
	s.mux.HandleFunc("/api/runs", s.handleRuns)
	s.mux.HandleFunc("/api/report", s.handleReport)
	s.mux.HandleFunc("/api/settings", s.handleSettings)
	s.mux.HandleFunc("/healthz", s.handleHealth)
}
