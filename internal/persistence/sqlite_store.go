package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore journals runs and stage attempts. The JSON ledger stays the
// source of truth for resume; this is history for inspection.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA foreign_keys = ON;",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", strings.TrimSuffix(pragma, ";"), err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		// embed.FS paths always use forward slashes
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename ("001_init.sql" is 1).
func migrationVersion(name string) int {
	end := strings.IndexFunc(name, func(r rune) bool { return r < '0' || r > '9' })
	if end == 0 {
		return 0
	}
	if end < 0 {
		end = len(name)
	}
	n, _ := strconv.Atoi(name[:end])
	return n
}

// StartRun registers a run. Starting a known run again is a no-op.
func (s *SQLiteStore) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs (id, started_at) VALUES (?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		runID,
		startedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) FinishRun(ctx context.Context, sum RunSummary) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET
			finished_at = ?,
			total = ?,
			succeeded = ?,
			failed = ?,
			skipped = ?,
			interrupted = ?
		 WHERE id = ?`,
		sum.FinishedAt.UTC(),
		sum.Total,
		sum.Succeeded,
		sum.Failed,
		sum.Skipped,
		boolToInt(sum.Interrupted),
		sum.RunID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s was never started", sum.RunID)
	}
	return nil
}

func (s *SQLiteStore) RecordAttempt(ctx context.Context, a StageAttempt) error {
	if a.RunID == "" || a.Pair == "" {
		return errors.New("attempt needs a run id and a pair")
	}
	startedAt := a.StartedAt.UTC()
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO stage_attempts (
			run_id, pair, stage, attempt, outcome, error_kind, error_message, model_name, started_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RunID,
		a.Pair,
		a.Stage,
		a.Attempt,
		string(a.Outcome),
		a.ErrorKind,
		a.ErrorMessage,
		a.ModelName,
		startedAt,
		a.Duration.Milliseconds(),
	)
	return err
}

// ListAttempts returns the attempts of a pair across all runs, oldest first.
func (s *SQLiteStore) ListAttempts(ctx context.Context, pair string) ([]StageAttempt, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT run_id, pair, stage, attempt, outcome, error_kind, error_message, model_name, started_at, duration_ms
		 FROM stage_attempts
		 WHERE pair = ?
		 ORDER BY started_at ASC, id ASC`,
		pair,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]StageAttempt, 0)
	for rows.Next() {
		var item StageAttempt
		var outcome string
		var durationMS int64
		if err := rows.Scan(
			&item.RunID,
			&item.Pair,
			&item.Stage,
			&item.Attempt,
			&outcome,
			&item.ErrorKind,
			&item.ErrorMessage,
			&item.ModelName,
			&item.StartedAt,
			&durationMS,
		); err != nil {
			return nil, err
		}
		item.Outcome = Outcome(outcome)
		item.Duration = time.Duration(durationMS) * time.Millisecond
		ret = append(ret, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// ListRuns returns up to limit runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, started_at, finished_at, total, succeeded, failed, skipped, interrupted
		 FROM runs
		 ORDER BY started_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]Run, 0)
	for rows.Next() {
		var item Run
		var finishedAt sql.NullTime
		var interrupted int
		if err := rows.Scan(
			&item.ID,
			&item.StartedAt,
			&finishedAt,
			&item.Total,
			&item.Succeeded,
			&item.Failed,
			&item.Skipped,
			&interrupted,
		); err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			item.FinishedAt = &t
		}
		item.Interrupted = interrupted == 1
		ret = append(ret, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// PruneRuns deletes all but the newest keep runs together with their attempts.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const stale = `SELECT id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?`
	if _, err = tx.ExecContext(ctx, `DELETE FROM stage_attempts WHERE run_id IN (`+stale+`)`, keep); err != nil {
		return 0, err
	}
	var res sql.Result
	res, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE id IN (`+stale+`)`, keep)
	if err != nil {
		return 0, err
	}
	var n int64
	n, err = res.RowsAffected()
	if err != nil {
		return 0, err
	}
	err = tx.Commit()
	return n, err
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
