package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/mtforge/internal/catalog"
	"github.com/MimeLyc/mtforge/internal/ledger"
	"github.com/MimeLyc/mtforge/internal/persistence"
	"github.com/MimeLyc/mtforge/internal/stage"
)

// memoryStore keeps the serialized ledger and every saved version.
type memoryStore struct {
	mu     sync.Mutex
	data   []byte
	saves  []*ledger.Ledger
	onSave func(l *ledger.Ledger)
}

func (m *memoryStore) Load(_ context.Context) (*ledger.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := ledger.New()
	if m.data == nil {
		return l, nil
	}
	if err := json.Unmarshal(m.data, l); err != nil {
		return nil, err
	}
	return l, nil
}

func (m *memoryStore) Save(_ context.Context, l *ledger.Ledger) error {
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data = data
	m.saves = append(m.saves, l.Clone())
	hook := m.onSave
	m.mu.Unlock()
	if hook != nil {
		hook(l)
	}
	return nil
}

func (m *memoryStore) recordJSON(t *testing.T, pair string) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	var raw struct {
		Jobs map[string]json.RawMessage `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(m.data, &raw))
	return string(raw.Jobs[pair])
}

func (m *memoryStore) history() []*ledger.Ledger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*ledger.Ledger(nil), m.saves...)
}

type behavior func(ctx context.Context, job stage.Job) (stage.ArtifactSet, error)

func succeed(context.Context, stage.Job) (stage.ArtifactSet, error) {
	return stage.ArtifactSet{}, nil
}

func fail(kind stage.ErrorKind) behavior {
	return func(context.Context, stage.Job) (stage.ArtifactSet, error) {
		return stage.ArtifactSet{}, stage.NewError(kind, "scripted failure")
	}
}

// fakeExecutor counts calls per pair and leaves a marker file in the job dir.
type fakeExecutor struct {
	st stage.Stage

	mu       sync.Mutex
	calls    map[string]int
	dirs     map[string]string
	byPair   map[string]behavior
	fallback behavior
}

func newFakeExecutor(st stage.Stage) *fakeExecutor {
	return &fakeExecutor{
		st:       st,
		calls:    make(map[string]int),
		dirs:     make(map[string]string),
		byPair:   make(map[string]behavior),
		fallback: succeed,
	}
}

func (f *fakeExecutor) Stage() stage.Stage {
	return f.st
}

func (f *fakeExecutor) Execute(ctx context.Context, job stage.Job) (stage.ArtifactSet, error) {
	f.mu.Lock()
	f.calls[job.Pair.ID()]++
	f.dirs[job.Pair.ID()] = job.Dir
	fn := f.fallback
	if b, ok := f.byPair[job.Pair.ID()]; ok {
		fn = b
	}
	f.mu.Unlock()

	if err := os.MkdirAll(job.Dir, 0o755); err != nil {
		return stage.ArtifactSet{}, err
	}
	if err := os.WriteFile(filepath.Join(job.Dir, string(f.st)+".done"), []byte("ok"), 0o644); err != nil {
		return stage.ArtifactSet{}, err
	}
	return fn(ctx, job)
}

func (f *fakeExecutor) set(pair string, b behavior) {
	f.mu.Lock()
	f.byPair[pair] = b
	f.mu.Unlock()
}

func (f *fakeExecutor) count(pair string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[pair]
}

func (f *fakeExecutor) reset() {
	f.mu.Lock()
	f.calls = make(map[string]int)
	f.mu.Unlock()
}

type memoryHistory struct {
	mu       sync.Mutex
	started  []string
	attempts []persistence.StageAttempt
	finished []persistence.RunSummary
}

func (h *memoryHistory) StartRun(_ context.Context, runID string, _ time.Time) error {
	h.mu.Lock()
	h.started = append(h.started, runID)
	h.mu.Unlock()
	return nil
}

func (h *memoryHistory) RecordAttempt(_ context.Context, a persistence.StageAttempt) error {
	h.mu.Lock()
	h.attempts = append(h.attempts, a)
	h.mu.Unlock()
	return nil
}

func (h *memoryHistory) FinishRun(_ context.Context, sum persistence.RunSummary) error {
	h.mu.Lock()
	h.finished = append(h.finished, sum)
	h.mu.Unlock()
	return nil
}

type harness struct {
	store      *memoryStore
	execs      map[stage.Stage]*fakeExecutor
	history    *memoryHistory
	sleeps     []time.Duration
	modelsDir  string
	reportPath string
	runs       int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		store:      &memoryStore{},
		execs:      make(map[stage.Stage]*fakeExecutor),
		history:    &memoryHistory{},
		modelsDir:  filepath.Join(dir, "models"),
		reportPath: filepath.Join(dir, "report.json"),
	}
	for _, st := range stage.Ordered {
		h.execs[st] = newFakeExecutor(st)
	}
	return h
}

func (h *harness) orchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	return h.orchestratorFor(t, []string{"en", "tr"}, opts...)
}

func (h *harness) orchestratorFor(t *testing.T, languages []string, opts ...Option) *Orchestrator {
	t.Helper()
	cat, err := catalog.New(languages...)
	require.NoError(t, err)

	executors := make([]stage.Executor, 0, len(h.execs))
	for _, st := range stage.Ordered {
		executors = append(executors, h.execs[st])
	}
	base := []Option{
		WithModelsDir(h.modelsDir),
		WithReportPath(h.reportPath),
		WithHistory(h.history),
		WithBackoff(time.Second),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		}),
		WithRunID(func() string {
			h.runs++
			return "run-" + string(rune('0'+h.runs))
		}),
	}
	orch, err := New(cat, h.store, executors, append(base, opts...)...)
	require.NoError(t, err)
	return orch
}

func (h *harness) calls(pair string) int {
	total := 0
	for _, e := range h.execs {
		total += e.count(pair)
	}
	return total
}

func (h *harness) resetCalls() {
	for _, e := range h.execs {
		e.reset()
	}
}
