package pipeline

import (
	"context"
	"time"

	"github.com/MimeLyc/mtforge/internal/persistence"
	"github.com/MimeLyc/mtforge/internal/stage"
)

const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = 5 * time.Second
	maxBackoff         = 5 * time.Minute
)

// History journals runs and attempts. Failures are logged and never stop a run.
type History interface {
	StartRun(ctx context.Context, runID string, startedAt time.Time) error
	RecordAttempt(ctx context.Context, a persistence.StageAttempt) error
	FinishRun(ctx context.Context, sum persistence.RunSummary) error
}

type Option func(*Orchestrator)

// WithMaxRetries sets how many attempts a retryable stage gets before the job fails.
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

func WithBackoff(base time.Duration) Option {
	return func(o *Orchestrator) {
		if base >= 0 {
			o.backoffBase = base
		}
	}
}

// WithStageTimeout bounds a single attempt of st. Zero disables the limit.
func WithStageTimeout(st stage.Stage, d time.Duration) Option {
	return func(o *Orchestrator) {
		o.timeouts[st] = d
	}
}

func WithModelsDir(dir string) Option {
	return func(o *Orchestrator) {
		o.modelsDir = dir
	}
}

// WithReportPath makes Run write the report file when a run completes.
func WithReportPath(path string) Option {
	return func(o *Orchestrator) {
		o.reportPath = path
	}
}

func WithKeepSource(keep bool) Option {
	return func(o *Orchestrator) {
		o.keepSource = keep
	}
}

func WithHistory(h History) Option {
	return func(o *Orchestrator) {
		o.history = h
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = sleep
	}
}

func WithRunID(newID func() string) Option {
	return func(o *Orchestrator) {
		o.newRunID = newID
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backoff returns the wait before retry number attempts (1-based):
// base * 2^(attempts-1), capped at five minutes.
func Backoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 || attempts <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return min(d, maxBackoff)
}
