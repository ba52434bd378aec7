package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MimeLyc/mtforge/internal/catalog"
	"github.com/MimeLyc/mtforge/internal/ledger"
	"github.com/MimeLyc/mtforge/internal/persistence"
	"github.com/MimeLyc/mtforge/internal/stage"
	"github.com/MimeLyc/mtforge/pkg/log"
)

// run is the state of one Orchestrator.Run call. The ledger has no other writer.
type run struct {
	o  *Orchestrator
	l  *ledger.Ledger
	id string
}

// persist saves the ledger even when ctx is already canceled, then publishes
// the new state to readers.
func (r *run) persist(ctx context.Context) error {
	r.l.Touch(r.o.now().UTC())
	if err := r.o.store.Save(context.WithoutCancel(ctx), r.l); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	r.o.publish(r.l)
	return nil
}

func (r *run) save(ctx context.Context, rec ledger.JobRecord) error {
	r.l.Upsert(rec)
	return r.persist(ctx)
}

// runJob drives one pair until it succeeds, fails, or ctx is canceled. The
// returned error is either a persistence failure or the context error.
func (r *run) runJob(ctx context.Context, pair catalog.LanguagePair) error {
	rec, _ := r.l.Get(pair)
	if rec.ArtifactDir == "" {
		rec.ArtifactDir = r.o.artifactDir(pair)
	}

	switch rec.Status {
	case ledger.StatusFailed:
		log.Info("[%s] Retrying failed job at stage %s (last error: %s)", pair, rec.Stage, errorText(rec.LastError))
		rec.Attempts = 0
		rec.LastError = nil
		rec.FinishedAt = nil
	case ledger.StatusInProgress:
		log.Info("[%s] Resuming interrupted job at stage %s", pair, rec.Stage)
	}
	if rec.StartedAt == nil {
		started := r.o.now().UTC()
		rec.StartedAt = &started
	}
	rec.Status = ledger.StatusInProgress
	rec.RunID = r.id
	if err := r.save(ctx, rec); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.o.setActive(pair.ID(), rec.Stage, true)

		set, timedOut, err := r.attempt(ctx, pair, rec)
		if err != nil && ctx.Err() != nil {
			// interrupted attempts are not counted; the record stays in progress
			return ctx.Err()
		}

		if err == nil {
			if set.ModelName != "" {
				rec.ModelName = set.ModelName
			}
			if set.SizeMB > 0 {
				rec.SizeMB = set.SizeMB
			}
			done, err := r.advance(ctx, &rec)
			if err != nil || done {
				return err
			}
			continue
		}

		stageErr := stage.AsError(err)
		if timedOut && stageErr.Kind != stage.ErrTimeout {
			stageErr = stage.NewErrorWithCause(stage.ErrTimeout,
				fmt.Sprintf("%s exceeded %s", rec.Stage, r.o.timeouts[rec.Stage]), err)
		}

		if rec.Stage == stage.StageOptimize {
			log.Warn("[%s] Optimization failed, continuing with unoptimized artifacts: %s", pair, stageErr.Summary())
			rec.Warnings = append(rec.Warnings, fmt.Sprintf("%s: %s", stage.ErrOptimization, stageErr.Summary()))
			if _, err := r.advance(ctx, &rec); err != nil {
				return err
			}
			continue
		}

		rec.Attempts++
		if stageErr.Kind.Retryable() && rec.Attempts < r.o.maxRetries {
			wait := max(Backoff(r.o.backoffBase, rec.Attempts), min(stageErr.RetryAfter, maxBackoff))
			log.Warn("[%s] %s failed (attempt %d/%d): %v. Retrying in %s",
				pair, rec.Stage, rec.Attempts, r.o.maxRetries, stageErr, wait)
			if err := r.save(ctx, rec); err != nil {
				return err
			}
			if err := r.o.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		finished := r.o.now().UTC()
		rec.Status = ledger.StatusFailed
		rec.FinishedAt = &finished
		rec.LastError = &ledger.ErrorInfo{Kind: stageErr.Kind.String(), Message: stageErr.Summary()}
		log.Error("[%s] Failed at %s after %d attempt(s): %v", pair, rec.Stage, rec.Attempts, stageErr)
		return r.save(ctx, rec)
	}
}

// attempt runs the executor of rec.Stage once and journals the outcome.
// timedOut reports whether the per-stage deadline fired while ctx was alive.
func (r *run) attempt(ctx context.Context, pair catalog.LanguagePair, rec ledger.JobRecord) (set stage.ArtifactSet, timedOut bool, err error) {
	exec := r.o.executors[rec.Stage]
	job := stage.Job{
		Pair:      pair,
		Dir:       rec.ArtifactDir,
		ModelName: rec.ModelName,
		Attempt:   rec.Attempts + 1,
	}

	stageCtx, cancel := ctx, context.CancelFunc(func() {})
	if d := r.o.timeouts[rec.Stage]; d > 0 {
		stageCtx, cancel = context.WithTimeout(ctx, d)
	}
	defer cancel()

	log.Info("[%s] %s (attempt %d)", pair, rec.Stage.Activity(), job.Attempt)
	started := r.o.now()
	set, err = stage.SafeExecute(func() (stage.ArtifactSet, error) {
		return exec.Execute(stageCtx, job)
	})
	timedOut = errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil

	a := persistence.StageAttempt{
		RunID:     r.id,
		Pair:      pair.ID(),
		Stage:     string(rec.Stage),
		Attempt:   job.Attempt,
		Outcome:   persistence.OutcomeSucceeded,
		ModelName: set.ModelName,
		StartedAt: started.UTC(),
		Duration:  r.o.now().Sub(started),
	}
	switch {
	case err != nil && ctx.Err() != nil:
		a.Outcome = persistence.OutcomeCanceled
	case err != nil:
		stageErr := stage.AsError(err)
		a.Outcome = persistence.OutcomeFailed
		if rec.Stage == stage.StageOptimize {
			a.Outcome = persistence.OutcomeWarning
		}
		a.ErrorKind = stageErr.Kind.String()
		if timedOut {
			a.ErrorKind = stage.ErrTimeout.String()
		}
		a.ErrorMessage = stageErr.Summary()
	}
	r.o.recordAttempt(ctx, a)

	return set, timedOut, err
}

// advance moves rec to the next stage, or marks it succeeded after the last one.
func (r *run) advance(ctx context.Context, rec *ledger.JobRecord) (done bool, err error) {
	rec.Attempts = 0
	next, ok := rec.Stage.Next()
	if ok {
		log.Info("[%s] %s done, next: %s", rec.Pair, rec.Stage, next)
		rec.Stage = next
		return false, r.save(ctx, *rec)
	}

	finished := r.o.now().UTC()
	rec.Status = ledger.StatusSucceeded
	rec.FinishedAt = &finished
	rec.LastError = nil
	if err := r.save(ctx, *rec); err != nil {
		return true, err
	}
	log.Info("[%s] Completed in %s", rec.Pair, rec.Duration().Round(time.Second))

	if !r.o.keepSource {
		if err := stage.RemoveSource(rec.ArtifactDir); err != nil {
			log.Warn("[%s] Failed to remove source download: %v", rec.Pair, err)
		}
	}
	return true, nil
}

func errorText(info *ledger.ErrorInfo) string {
	if info == nil {
		return "none"
	}
	return info.Kind + ": " + info.Message
}
