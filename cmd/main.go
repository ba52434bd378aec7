package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/mtforge/internal/config"
	"github.com/MimeLyc/mtforge/internal/httpapi"
	"github.com/MimeLyc/mtforge/internal/ledger"
	"github.com/MimeLyc/mtforge/internal/persistence"
	"github.com/MimeLyc/mtforge/internal/pipeline"
	"github.com/MimeLyc/mtforge/internal/report"
	"github.com/MimeLyc/mtforge/internal/stage"
	"github.com/MimeLyc/mtforge/pkg/log"
)

const (
	exitOK          = 0
	exitFailed      = 1
	exitSetup       = 2
	exitInterrupted = 130

	historyRunsKept = 50
)

type batchRunner interface {
	Run(ctx context.Context) (report.Report, error)
}

type scheduler interface {
	Schedule(ctx context.Context) error
	Trigger(ctx context.Context) (report.Report, bool, error)
	Start()
	Stop()
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.New()
	if err != nil {
		log.Error("Failed to load configuration: %v", err)
		return exitSetup
	}

	logger, err := log.NewTeeLogger(cfg.Storage.LogFile, log.ParseLevel(cfg.System.LogLevel))
	if err != nil {
		log.Error("Failed to open log file: %v", err)
		return exitSetup
	}
	defer logger.Close()
	log.SetLogger(logger.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var history *persistence.SQLiteStore
	if cfg.Storage.HistoryEnabled() {
		history, err = persistence.NewSQLiteStore(cfg.Storage.HistoryDB)
		if err != nil {
			log.Error("Failed to open history database: %v", err)
			return exitSetup
		}
		defer history.Close()
		if n, err := history.PruneRuns(ctx, historyRunsKept); err != nil {
			log.Warn("Failed to prune run history: %v", err)
		} else if n > 0 {
			log.Info("Pruned %d old run(s) from history", n)
		}
	}

	orch, err := newOrchestrator(cfg, history)
	if err != nil {
		log.Error("Failed to set up pipeline: %v", err)
		return exitSetup
	}

	var sched scheduler
	if cfg.Pipeline.CronExpr != "" {
		s, err := pipeline.NewScheduler(orch, cfg.Pipeline.CronExpr, cron.New())
		if err != nil {
			log.Error("Failed to set up schedule: %v", err)
			return exitSetup
		}
		s.OnDone(func(rep report.Report, err error) {
			if err == nil && !rep.Healthy() {
				log.Warn("Scheduled run left %d pair(s) unfinished", rep.Failed+rep.Pending)
			}
		})
		sched = s
	}

	var srv httpServer
	if cfg.HTTP.Addr != "" {
		opts := []httpapi.Option{}
		if history != nil {
			opts = append(opts, httpapi.WithHistory(history))
		}
		if path := cfg.System.SettingsFile; path != "" {
			store, err := config.NewRuntimeSettingsStore(path, cfg.RuntimeSettings())
			if err != nil {
				log.Error("Failed to set up settings store: %v", err)
				return exitSetup
			}
			opts = append(opts, httpapi.WithRuntimeSettingsStore(store))
		}
		srv = httpapi.NewServer(orch, opts...)
	}

	return runWithComponents(ctx, cfg, orch, sched, srv)
}

func newOrchestrator(cfg *config.Config, history *persistence.SQLiteStore) (*pipeline.Orchestrator, error) {
	cat, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}

	tools := stage.ToolConfig{
		OptimumCLI: cfg.Tools.OptimumCLI,
		Python:     cfg.Tools.PythonBin,
		Runner:     stage.NewExecRunner(),
	}
	hubOpts := []stage.HubOption{}
	if cfg.Tools.HFToken != "" {
		hubOpts = append(hubOpts, stage.WithHubToken(cfg.Tools.HFToken))
	}
	executors := []stage.Executor{
		stage.NewDownloader(stage.NewHubClient(cfg.Tools.HFEndpoint, hubOpts...)),
		stage.NewConverter(tools),
		stage.NewOptimizer(tools),
		stage.NewSmokeTester(tools),
	}

	opts := []pipeline.Option{
		pipeline.WithModelsDir(cfg.Storage.ModelsDir),
		pipeline.WithReportPath(cfg.Storage.ReportPath),
		pipeline.WithMaxRetries(cfg.Pipeline.MaxRetries),
		pipeline.WithBackoff(cfg.Pipeline.RetryBackoff),
		pipeline.WithKeepSource(cfg.Pipeline.KeepSource),
		pipeline.WithStageTimeout(stage.StageDownload, cfg.Pipeline.DownloadTimeout),
		pipeline.WithStageTimeout(stage.StageConvert, cfg.Pipeline.ConvertTimeout),
		pipeline.WithStageTimeout(stage.StageOptimize, cfg.Pipeline.OptimizeTimeout),
		pipeline.WithStageTimeout(stage.StageTest, cfg.Pipeline.TestTimeout),
	}
	if history != nil {
		opts = append(opts, pipeline.WithHistory(history))
	}
	return pipeline.New(cat, ledger.NewFileStore(cfg.Storage.LedgerPath), executors, opts...)
}

// runWithComponents runs one batch, or serves the schedule until ctx is
// canceled when sched is set. It returns the process exit code.
func runWithComponents(ctx context.Context, cfg *config.Config, runner batchRunner, sched scheduler, srv httpServer) int {
	if srv != nil && cfg.HTTP.Addr != "" {
		go func() {
			log.Info("Status server listening on %s", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Status server stopped: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if sched == nil {
		rep, err := runner.Run(ctx)
		return exitCode(rep, err)
	}

	if err := sched.Schedule(ctx); err != nil {
		log.Error("Failed to schedule runs: %v", err)
		return exitSetup
	}
	sched.Start()
	defer sched.Stop()

	// catch up immediately instead of waiting for the first trigger
	if _, _, err := sched.Trigger(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Initial run failed: %v", err)
	}

	<-ctx.Done()
	log.Info("Shutting down scheduler")
	return exitOK
}

func exitCode(rep report.Report, err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		log.Warn("Interrupted, rerun to resume")
		return exitInterrupted
	case errors.Is(err, ledger.ErrCorrupt):
		log.Error("%v", err)
		return exitSetup
	case err != nil:
		log.Error("Run failed: %v", err)
		return exitFailed
	case !rep.Healthy():
		log.Warn("%d pair(s) did not succeed, see report", rep.Failed+rep.Pending)
		return exitFailed
	default:
		return exitOK
	}
}
