package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/mtforge/internal/catalog"
	"github.com/MimeLyc/mtforge/internal/ledger"
	"github.com/MimeLyc/mtforge/internal/persistence"
	"github.com/MimeLyc/mtforge/internal/stage"
)

var (
	enTR = catalog.LanguagePair{Source: "en", Target: "tr"}
	trEN = catalog.LanguagePair{Source: "tr", Target: "en"}
)

func TestRun_AllPairsSucceed(t *testing.T) {
	h := newHarness(t)
	h.execs[stage.StageDownload].fallback = func(context.Context, stage.Job) (stage.ArtifactSet, error) {
		return stage.ArtifactSet{ModelName: "Helsinki-NLP/opus-mt-x"}, nil
	}
	h.execs[stage.StageTest].fallback = func(context.Context, stage.Job) (stage.ArtifactSet, error) {
		return stage.ArtifactSet{SizeMB: 40}, nil
	}
	orch := h.orchestrator(t)

	rep, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Healthy())
	assert.Equal(t, 2, rep.Succeeded)
	assert.Equal(t, "run-1", rep.RunID)
	assert.InDelta(t, 80, rep.TotalSizeMB, 0.001)
	assert.FileExists(t, h.reportPath)

	for _, pair := range []catalog.LanguagePair{enTR, trEN} {
		assert.Equal(t, 4, h.calls(pair.ID()))
		snap := orch.Snapshot()
		require.NotNil(t, snap.Ledger)
		rec, ok := snap.Ledger.Get(pair)
		require.True(t, ok)
		assert.Equal(t, ledger.StatusSucceeded, rec.Status)
		assert.Equal(t, stage.StageTest, rec.Stage)
		assert.Zero(t, rec.Attempts)
		assert.Nil(t, rec.LastError)
		assert.NotNil(t, rec.StartedAt)
		assert.NotNil(t, rec.FinishedAt)
		assert.Equal(t, "Helsinki-NLP/opus-mt-x", rec.ModelName)
		assert.Equal(t, filepath.Join(h.modelsDir, pair.ID()), rec.ArtifactDir)
	}
	assert.False(t, orch.Snapshot().Running)

	last, ok := orch.LastReport()
	require.True(t, ok)
	assert.Equal(t, rep.RunID, last.RunID)

	require.Len(t, h.history.finished, 1)
	assert.Equal(t, 2, h.history.finished[0].Succeeded)
	assert.Len(t, h.history.attempts, 8)
}

func TestRun_ResumeSkipsSucceededJobs(t *testing.T) {
	h := newHarness(t)
	_, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	before := map[string]string{
		"en-tr": h.store.recordJSON(t, "en-tr"),
		"tr-en": h.store.recordJSON(t, "tr-en"),
	}
	h.resetCalls()

	rep, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, h.calls("en-tr"))
	assert.Zero(t, h.calls("tr-en"))
	assert.Equal(t, before["en-tr"], h.store.recordJSON(t, "en-tr"))
	assert.Equal(t, before["tr-en"], h.store.recordJSON(t, "tr-en"))
	assert.Equal(t, 2, rep.Skipped)
	assert.Zero(t, rep.Succeeded)
	assert.Equal(t, ledger.StatusSkipped, rep.Jobs["en-tr"].Status)
	assert.True(t, rep.Healthy())
}

func TestRun_FailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	h.execs[stage.StageDownload].set("en-tr", fail(stage.ErrNotFound))

	rep, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Succeeded)
	require.Len(t, rep.FailedPairs, 1)
	assert.Equal(t, "en-tr", rep.FailedPairs[0].Pair)
	assert.Equal(t, "NotFound", rep.FailedPairs[0].Error.Kind)
	assert.False(t, rep.Healthy())

	assert.Equal(t, 1, h.calls("en-tr"), "not found is fatal")
	assert.Equal(t, 4, h.calls("tr-en"))

	// the healthy pair progresses the same way whether or not the other failed
	var stages []stage.Stage
	for _, l := range h.store.history() {
		rec, ok := l.Get(trEN)
		require.True(t, ok)
		assert.NotEqual(t, ledger.StatusFailed, rec.Status)
		if len(stages) == 0 || stages[len(stages)-1] != rec.Stage {
			stages = append(stages, rec.Stage)
		}
	}
	assert.Equal(t, stage.Ordered, stages)

	for _, st := range stage.Ordered {
		if dir, ok := h.execs[st].dirs["tr-en"]; ok {
			assert.Equal(t, filepath.Join(h.modelsDir, "tr-en"), dir)
		}
	}
	assert.NoFileExists(t, filepath.Join(h.modelsDir, "en-tr", "convert.done"))
}

func TestRun_StagesOnlyMoveForward(t *testing.T) {
	h := newHarness(t)
	var testCalls atomic.Int32
	h.execs[stage.StageTest].fallback = func(context.Context, stage.Job) (stage.ArtifactSet, error) {
		if testCalls.Add(1) == 1 {
			return stage.ArtifactSet{}, stage.NewError(stage.ErrTest, "flaky output")
		}
		return stage.ArtifactSet{}, nil
	}
	h.execs[stage.StageOptimize].set("tr-en", fail(stage.ErrOptimization))

	_, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	for _, pair := range []catalog.LanguagePair{enTR, trEN} {
		last := -1
		for _, l := range h.store.history() {
			rec, ok := l.Get(pair)
			require.True(t, ok)
			idx := rec.Stage.Index()
			assert.GreaterOrEqual(t, idx, last, "%s regressed to %s", pair, rec.Stage)
			last = idx
		}
	}
}

func TestRun_RetryBound(t *testing.T) {
	for _, maxRetries := range []int{1, 3, 5} {
		h := newHarness(t)
		h.execs[stage.StageDownload].set("en-tr", fail(stage.ErrNetwork))

		rep, err := h.orchestrator(t, WithMaxRetries(maxRetries)).Run(context.Background())
		require.NoError(t, err)

		assert.Equal(t, maxRetries, h.execs[stage.StageDownload].count("en-tr"))
		assert.Zero(t, h.execs[stage.StageConvert].count("en-tr"))
		assert.Equal(t, ledger.StatusFailed, rep.Jobs["en-tr"].Status)
		assert.Equal(t, maxRetries, rep.Jobs["en-tr"].Attempts)
		assert.Equal(t, "NetworkError", rep.Jobs["en-tr"].Error.Kind)
		assert.Len(t, h.sleeps, maxRetries-1)
		assert.Equal(t, ledger.StatusSucceeded, rep.Jobs["tr-en"].Status)
	}
}

func TestRun_BackoffBetweenRetries(t *testing.T) {
	h := newHarness(t)
	h.execs[stage.StageTest].set("en-tr", fail(stage.ErrTest))

	_, err := h.orchestrator(t, WithMaxRetries(4)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.sleeps)
}

func TestRun_RetryAfterRaisesBackoff(t *testing.T) {
	h := newHarness(t)
	h.execs[stage.StageDownload].set("en-tr", func(context.Context, stage.Job) (stage.ArtifactSet, error) {
		return stage.ArtifactSet{}, stage.NewError(stage.ErrNetwork, "rate limited").WithRetryAfter(10 * time.Second)
	})
	h.execs[stage.StageDownload].set("tr-en", func(context.Context, stage.Job) (stage.ArtifactSet, error) {
		return stage.ArtifactSet{}, stage.NewError(stage.ErrNetwork, "rate limited").WithRetryAfter(time.Hour)
	})

	_, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{
		10 * time.Second, 10 * time.Second,
		5 * time.Minute, 5 * time.Minute,
	}, h.sleeps)
}

func TestRun_FatalErrorsFailImmediately(t *testing.T) {
	for name, b := range map[string]behavior{
		"conversion": fail(stage.ErrConversion),
		"unknown": func(context.Context, stage.Job) (stage.ArtifactSet, error) {
			return stage.ArtifactSet{}, errors.New("boom")
		},
		"panic": func(context.Context, stage.Job) (stage.ArtifactSet, error) {
			panic("executor bug")
		},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.execs[stage.StageConvert].set("en-tr", b)

			rep, err := h.orchestrator(t).Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, h.execs[stage.StageConvert].count("en-tr"))
			assert.Equal(t, ledger.StatusFailed, rep.Jobs["en-tr"].Status)
			assert.Equal(t, string(stage.StageConvert), rep.Jobs["en-tr"].Stage)
			assert.Empty(t, h.sleeps)
		})
	}
}

func TestRun_OptimizationFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.execs[stage.StageOptimize].fallback = fail(stage.ErrOptimization)

	rep, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Succeeded)
	assert.Equal(t, 1, h.execs[stage.StageOptimize].count("en-tr"))
	assert.Equal(t, 1, h.execs[stage.StageTest].count("en-tr"))
	require.Len(t, rep.Jobs["en-tr"].Warnings, 1)
	assert.Contains(t, rep.Jobs["en-tr"].Warnings[0], "OptimizationWarning")

	var warned int
	for _, a := range h.history.attempts {
		if a.Outcome == persistence.OutcomeWarning {
			warned++
		}
	}
	assert.Equal(t, 2, warned)
}

func TestRun_StageTimeoutIsRetryable(t *testing.T) {
	h := newHarness(t)
	h.execs[stage.StageConvert].set("en-tr", func(ctx context.Context, _ stage.Job) (stage.ArtifactSet, error) {
		<-ctx.Done()
		return stage.ArtifactSet{}, ctx.Err()
	})

	rep, err := h.orchestrator(t,
		WithStageTimeout(stage.StageConvert, 20*time.Millisecond),
		WithMaxRetries(2),
	).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, h.execs[stage.StageConvert].count("en-tr"))
	assert.Equal(t, "TimeoutError", rep.Jobs["en-tr"].Error.Kind)
	assert.Equal(t, ledger.StatusSucceeded, rep.Jobs["tr-en"].Status)
}

func TestRun_CancelKeepsProgressAndSkipsReport(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.execs[stage.StageConvert].set("en-tr", func(ctx context.Context, _ stage.Job) (stage.ArtifactSet, error) {
		cancel()
		return stage.ArtifactSet{}, stage.NewErrorWithCause(stage.ErrConversion, "killed", ctx.Err())
	})

	_, err := h.orchestrator(t).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, h.reportPath)

	l, err := h.store.Load(context.Background())
	require.NoError(t, err)
	rec, ok := l.Get(enTR)
	require.True(t, ok)
	assert.Equal(t, ledger.StatusInProgress, rec.Status)
	assert.Equal(t, stage.StageConvert, rec.Stage)
	assert.Zero(t, rec.Attempts, "interrupted attempt is not counted")

	pending, ok := l.Get(trEN)
	require.True(t, ok)
	assert.Equal(t, ledger.StatusPending, pending.Status)
	assert.Zero(t, h.calls("tr-en"))

	require.Len(t, h.history.finished, 1)
	assert.True(t, h.history.finished[0].Interrupted)

	h.execs[stage.StageConvert].set("en-tr", succeed)
	h.resetCalls()
	rep, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, h.execs[stage.StageDownload].count("en-tr"))
	assert.Equal(t, 1, h.execs[stage.StageConvert].count("en-tr"))
	assert.Equal(t, 2, rep.Succeeded)
}

// Run 1: en-tr succeeds, tr-en fails at convert, then the process dies before
// the run completes. Run 2 skips en-tr and retries tr-en from convert.
func TestRun_ResumeAfterKill(t *testing.T) {
	h := newHarness(t)
	h.execs[stage.StageConvert].set("tr-en", fail(stage.ErrConversion))

	ctx, kill := context.WithCancel(context.Background())
	defer kill()
	h.store.onSave = func(l *ledger.Ledger) {
		if rec, ok := l.Get(trEN); ok && rec.Status == ledger.StatusFailed {
			kill()
		}
	}

	_, err := h.orchestrator(t).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, h.reportPath)
	h.store.onSave = nil

	l, err := h.store.Load(context.Background())
	require.NoError(t, err)
	failed, _ := l.Get(trEN)
	assert.Equal(t, ledger.StatusFailed, failed.Status)
	assert.Equal(t, stage.StageConvert, failed.Stage)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "ConversionError", failed.LastError.Kind)
	succeeded := h.store.recordJSON(t, "en-tr")

	h.resetCalls()
	h.execs[stage.StageConvert].set("tr-en", succeed)
	rep, err := h.orchestrator(t).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, h.calls("en-tr"))
	assert.Equal(t, succeeded, h.store.recordJSON(t, "en-tr"))
	assert.Zero(t, h.execs[stage.StageDownload].count("tr-en"), "failed job resumes at its last stage")
	assert.Equal(t, 1, h.execs[stage.StageConvert].count("tr-en"))

	assert.Equal(t, ledger.StatusSkipped, rep.Jobs["en-tr"].Status)
	assert.Equal(t, ledger.StatusSucceeded, rep.Jobs["tr-en"].Status)
	assert.Nil(t, rep.Jobs["tr-en"].Error)
	assert.True(t, rep.Healthy())
}

func TestRun_FailedJobGetsFreshAttempts(t *testing.T) {
	h := newHarness(t)
	h.execs[stage.StageTest].set("en-tr", fail(stage.ErrTest))

	_, err := h.orchestrator(t, WithMaxRetries(2)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, h.execs[stage.StageTest].count("en-tr"))

	h.resetCalls()
	rep, err := h.orchestrator(t, WithMaxRetries(2)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, h.execs[stage.StageTest].count("en-tr"))
	assert.Zero(t, h.execs[stage.StageDownload].count("en-tr"))
	assert.Equal(t, 2, rep.Jobs["en-tr"].Attempts)
}

func TestRun_ReportCoversCurrentCatalogOnly(t *testing.T) {
	h := newHarness(t)
	h.execs[stage.StageDownload].set("de-en", fail(stage.ErrNotFound))

	rep, err := h.orchestratorFor(t, []string{"en", "tr", "de"}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, rep.Total)
	assert.Equal(t, 1, rep.Failed)
	h.resetCalls()

	rep, err = h.orchestratorFor(t, []string{"en", "tr"}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Total)
	assert.Equal(t, 2, rep.Skipped)
	assert.Zero(t, rep.Failed)
	assert.Empty(t, rep.FailedPairs)
	assert.NotContains(t, rep.Jobs, "de-en")
	assert.True(t, rep.Healthy())
	assert.Zero(t, h.calls("de-en"))

	l, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, l.Len(), "records of dropped pairs stay in the ledger")
	rec, ok := l.Get(catalog.LanguagePair{Source: "de", Target: "en"})
	require.True(t, ok)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	h.execs[stage.StageDownload].set("en-tr", func(context.Context, stage.Job) (stage.ArtifactSet, error) {
		close(entered)
		<-release
		return stage.ArtifactSet{}, nil
	})
	orch := h.orchestrator(t)

	done := make(chan error, 1)
	go func() {
		_, err := orch.Run(context.Background())
		done <- err
	}()

	<-entered
	snap := orch.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, "en-tr", snap.ActivePair)
	assert.Equal(t, stage.StageDownload, snap.ActiveStage)

	_, err := orch.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunning)

	close(release)
	require.NoError(t, <-done)
}

func TestRun_LedgerLoadErrorAborts(t *testing.T) {
	h := newHarness(t)
	h.store.data = []byte("{not json")

	_, err := h.orchestrator(t).Run(context.Background())
	require.Error(t, err)
	assert.Zero(t, h.calls("en-tr"))
}

func TestNew_RequiresEveryStage(t *testing.T) {
	cat, err := catalog.New("en", "tr")
	require.NoError(t, err)
	_, err = New(cat, &memoryStore{}, []stage.Executor{newFakeExecutor(stage.StageDownload)})
	assert.Error(t, err)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, Backoff(5*time.Second, 1))
	assert.Equal(t, 10*time.Second, Backoff(5*time.Second, 2))
	assert.Equal(t, 20*time.Second, Backoff(5*time.Second, 3))
	assert.Equal(t, 5*time.Minute, Backoff(5*time.Second, 20))
	assert.Zero(t, Backoff(0, 3))
}
