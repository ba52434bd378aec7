package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_AttemptsRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.StartRun(ctx, "run-1", start))
	require.NoError(t, store.RecordAttempt(ctx, StageAttempt{
		RunID:        "run-1",
		Pair:         "en-tr",
		Stage:        "download",
		Attempt:      1,
		Outcome:      OutcomeFailed,
		ErrorKind:    "NetworkError",
		ErrorMessage: "connection reset",
		StartedAt:    start,
		Duration:     1500 * time.Millisecond,
	}))
	require.NoError(t, store.RecordAttempt(ctx, StageAttempt{
		RunID:     "run-1",
		Pair:      "en-tr",
		Stage:     "download",
		Attempt:   2,
		Outcome:   OutcomeSucceeded,
		ModelName: "Helsinki-NLP/opus-mt-tc-big-en-tr",
		StartedAt: start.Add(time.Minute),
	}))
	require.NoError(t, store.RecordAttempt(ctx, StageAttempt{
		RunID: "run-1", Pair: "tr-en", Stage: "download", Attempt: 1, Outcome: OutcomeSucceeded, StartedAt: start,
	}))

	attempts, err := store.ListAttempts(ctx, "en-tr")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, OutcomeFailed, attempts[0].Outcome)
	assert.Equal(t, "NetworkError", attempts[0].ErrorKind)
	assert.Equal(t, 1500*time.Millisecond, attempts[0].Duration)
	assert.True(t, start.Equal(attempts[0].StartedAt))
	assert.Equal(t, 2, attempts[1].Attempt)
	assert.Equal(t, "Helsinki-NLP/opus-mt-tc-big-en-tr", attempts[1].ModelName)
}

func TestSQLiteStore_RunLifecycle(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.StartRun(ctx, "run-1", start))
	require.NoError(t, store.StartRun(ctx, "run-1", start.Add(time.Hour)), "restart is a no-op")
	require.NoError(t, store.StartRun(ctx, "run-2", start.Add(2*time.Hour)))
	require.NoError(t, store.FinishRun(ctx, RunSummary{
		RunID: "run-1", FinishedAt: start.Add(time.Hour), Total: 42, Succeeded: 40, Failed: 2,
	}))
	assert.Error(t, store.FinishRun(ctx, RunSummary{RunID: "missing", FinishedAt: start}))

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Nil(t, runs[0].FinishedAt)
	assert.Equal(t, "run-1", runs[1].ID)
	require.NotNil(t, runs[1].FinishedAt)
	assert.True(t, start.Equal(runs[1].StartedAt))
	assert.Equal(t, 40, runs[1].Succeeded)
	assert.Equal(t, 2, runs[1].Failed)
	assert.False(t, runs[1].Interrupted)
}

func TestSQLiteStore_PruneRuns(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-1", "run-2", "run-3"} {
		at := start.Add(time.Duration(i) * time.Hour)
		require.NoError(t, store.StartRun(ctx, id, at))
		require.NoError(t, store.RecordAttempt(ctx, StageAttempt{RunID: id, Pair: "en-de", Stage: "test", Attempt: 1, Outcome: OutcomeSucceeded, StartedAt: at}))
	}

	removed, err := store.PruneRuns(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-3", runs[0].ID)

	attempts, err := store.ListAttempts(ctx, "en-de")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, "run-2", attempts[0].RunID)
}

func TestSQLiteStore_ReopenKeepsHistory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.StartRun(ctx, "run-1", time.Now()))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	runs, err := store.ListRuns(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestMigrationVersion(t *testing.T) {
	assert.Equal(t, 1, migrationVersion("001_init.sql"))
	assert.Equal(t, 12, migrationVersion("12"))
	assert.Equal(t, 0, migrationVersion("init.sql"))
}

func TestSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStore("  ")
	assert.Error(t, err)
}
