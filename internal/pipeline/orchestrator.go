package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/mtforge/internal/catalog"
	"github.com/MimeLyc/mtforge/internal/ledger"
	"github.com/MimeLyc/mtforge/internal/persistence"
	"github.com/MimeLyc/mtforge/internal/report"
	"github.com/MimeLyc/mtforge/internal/stage"
	"github.com/MimeLyc/mtforge/pkg/log"
)

// ErrRunning is returned by Run while another run is in progress.
var ErrRunning = errors.New("a run is already in progress")

// Orchestrator drives every catalog pair through the stages, persisting the
// ledger after each transition so an interrupted batch resumes where it stopped.
type Orchestrator struct {
	catalog   *catalog.Catalog
	store     ledger.Store
	executors map[stage.Stage]stage.Executor

	modelsDir   string
	reportPath  string
	maxRetries  int
	backoffBase time.Duration
	timeouts    map[stage.Stage]time.Duration
	keepSource  bool
	history     History
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	newRunID    func() string

	mu          sync.RWMutex
	running     bool
	current     *ledger.Ledger
	activePair  string
	activeStage stage.Stage
	lastReport  *report.Report
}

// State is a point-in-time view for status readers.
type State struct {
	Running     bool
	ActivePair  string
	ActiveStage stage.Stage
	Ledger      *ledger.Ledger
}

// New builds an orchestrator. executors must cover every stage.
func New(cat *catalog.Catalog, store ledger.Store, executors []stage.Executor, opts ...Option) (*Orchestrator, error) {
	if cat == nil || store == nil {
		return nil, errors.New("catalog and ledger store are required")
	}
	o := &Orchestrator{
		catalog:     cat,
		store:       store,
		executors:   make(map[stage.Stage]stage.Executor, len(stage.Ordered)),
		modelsDir:   "models",
		maxRetries:  DefaultMaxRetries,
		backoffBase: DefaultBackoffBase,
		timeouts:    make(map[stage.Stage]time.Duration),
		now:         time.Now,
		sleep:       sleepContext,
		newRunID:    func() string { return uuid.NewString() },
	}
	for _, exec := range executors {
		o.executors[exec.Stage()] = exec
	}
	for _, st := range stage.Ordered {
		if _, ok := o.executors[st]; !ok {
			return nil, fmt.Errorf("no executor for stage %s", st)
		}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Snapshot returns a copy of the live ledger. Before the first run it is nil.
func (o *Orchestrator) Snapshot() State {
	o.mu.RLock()
	defer o.mu.RUnlock()

	st := State{
		Running:     o.running,
		ActivePair:  o.activePair,
		ActiveStage: o.activeStage,
	}
	if o.current != nil {
		st.Ledger = o.current.Clone()
	}
	return st
}

// LastReport returns the report of the most recent completed run.
func (o *Orchestrator) LastReport() (report.Report, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.lastReport == nil {
		return report.Report{}, false
	}
	return *o.lastReport, true
}

// Run processes every pair that is not yet done, in catalog order. It
// returns the report once all jobs are terminal. On cancellation the ledger
// is saved, no report is written, and the context error is returned.
func (o *Orchestrator) Run(ctx context.Context) (report.Report, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return report.Report{}, ErrRunning
	}
	o.running = true
	o.mu.Unlock()
	defer o.setActive("", "", false)

	l, err := o.store.Load(ctx)
	if err != nil {
		return report.Report{}, fmt.Errorf("load ledger: %w", err)
	}

	r := &run{o: o, l: l, id: o.newRunID()}
	startedAt := o.now().UTC()
	l.StartRun(r.id, startedAt)
	o.recordRunStart(ctx, r.id, startedAt)

	pairs := o.catalog.ListPairs()
	created := 0
	for _, pair := range pairs {
		if _, ok := l.Get(pair); ok {
			continue
		}
		rec := ledger.NewRecord(pair, o.artifactDir(pair))
		rec.RunID = r.id
		l.Upsert(rec)
		created++
	}
	if err := r.persist(ctx); err != nil {
		return report.Report{}, err
	}
	log.Info("Run %s started: %d pairs (%d new)", r.id, len(pairs), created)

	for idx, pair := range pairs {
		if ctx.Err() != nil {
			break
		}
		rec, _ := l.Get(pair)
		if rec.Status == ledger.StatusSucceeded {
			log.Info("[%d/%d] %s already converted, skipping", idx+1, len(pairs), pair)
			continue
		}
		log.Info("[%d/%d] Processing %s", idx+1, len(pairs), pair)
		if err := r.runJob(ctx, pair); err != nil {
			if ctx.Err() != nil {
				break
			}
			return report.Report{}, err
		}
	}

	if err := ctx.Err(); err != nil {
		log.Warn("Run %s interrupted, progress saved to ledger", r.id)
		if saveErr := r.persist(ctx); saveErr != nil {
			log.Error("Failed to save ledger after interrupt: %v", saveErr)
		}
		o.recordRunFinish(ctx, r.id, o.summarize(l), true)
		return report.Report{}, err
	}

	rep := o.summarize(l)
	if o.reportPath != "" {
		if err := report.Write(o.reportPath, rep); err != nil {
			return rep, err
		}
	}
	o.recordRunFinish(ctx, r.id, rep, false)

	o.mu.Lock()
	o.lastReport = &rep
	o.mu.Unlock()

	for _, line := range rep.Lines() {
		log.Info("%s", line)
	}
	return rep, nil
}

// summarize reports on the catalog's pairs only. Records of pairs dropped from
// the catalog stay in the ledger but are left out of the report.
func (o *Orchestrator) summarize(l *ledger.Ledger) report.Report {
	scoped := l.Clone()
	for id := range scoped.Jobs {
		pair, err := catalog.ParsePairID(id)
		if err != nil || !o.catalog.Contains(pair) {
			delete(scoped.Jobs, id)
		}
	}
	return report.Summarize(scoped, o.now())
}

func (o *Orchestrator) artifactDir(pair catalog.LanguagePair) string {
	return filepath.Join(o.modelsDir, pair.ID())
}

func (o *Orchestrator) setActive(pair string, st stage.Stage, running bool) {
	o.mu.Lock()
	o.activePair = pair
	o.activeStage = st
	o.running = running
	o.mu.Unlock()
}

func (o *Orchestrator) publish(l *ledger.Ledger) {
	snapshot := l.Clone()
	o.mu.Lock()
	o.current = snapshot
	o.mu.Unlock()
}

func (o *Orchestrator) recordRunStart(ctx context.Context, runID string, at time.Time) {
	if o.history == nil {
		return
	}
	if err := o.history.StartRun(context.WithoutCancel(ctx), runID, at); err != nil {
		log.Warn("Failed to journal run start: %v", err)
	}
}

func (o *Orchestrator) recordRunFinish(ctx context.Context, runID string, rep report.Report, interrupted bool) {
	if o.history == nil {
		return
	}
	err := o.history.FinishRun(context.WithoutCancel(ctx), persistence.RunSummary{
		RunID:       runID,
		FinishedAt:  o.now().UTC(),
		Total:       rep.Total,
		Succeeded:   rep.Succeeded,
		Failed:      rep.Failed,
		Skipped:     rep.Skipped,
		Interrupted: interrupted,
	})
	if err != nil {
		log.Warn("Failed to journal run finish: %v", err)
	}
}

func (o *Orchestrator) recordAttempt(ctx context.Context, a persistence.StageAttempt) {
	if o.history == nil {
		return
	}
	if err := o.history.RecordAttempt(context.WithoutCancel(ctx), a); err != nil {
		log.Warn("Failed to journal attempt of %s: %v", a.Pair, err)
	}
}
