package report

import (
	"fmt"
	"time"

	"github.com/MimeLyc/mtforge/internal/ledger"
	"github.com/MimeLyc/mtforge/pkg/file"
)

// JobResult is the final outcome of one pair in a run.
type JobResult struct {
	Status    ledger.Status     `json:"status"`
	Stage     string            `json:"stage"`
	Duration  string            `json:"duration"`
	Seconds   float64           `json:"duration_seconds"`
	Attempts  int               `json:"attempts"`
	Error     *ledger.ErrorInfo `json:"error,omitempty"`
	Warnings  []string          `json:"warnings,omitempty"`
	ModelName string            `json:"model_name,omitempty"`
	SizeMB    float64           `json:"size_mb,omitempty"`
}

type FailedPair struct {
	Pair  string           `json:"pair"`
	Error ledger.ErrorInfo `json:"error"`
}

type Report struct {
	RunID       string               `json:"run_id"`
	GeneratedAt time.Time            `json:"generated_at"`
	Total       int                  `json:"total"`
	Succeeded   int                  `json:"succeeded"`
	Failed      int                  `json:"failed"`
	Skipped     int                  `json:"skipped"`
	Pending     int                  `json:"pending"`
	TotalSizeMB float64              `json:"total_size_mb"`
	FailedPairs []FailedPair         `json:"failed_pairs"`
	Jobs        map[string]JobResult `json:"jobs"`
}

// Summarize derives the report of the ledger's current run. A succeeded
// record written by an earlier run counts as skipped. It does not modify l.
func Summarize(l *ledger.Ledger, generatedAt time.Time) Report {
	ret := Report{
		RunID:       l.RunID,
		GeneratedAt: generatedAt.UTC(),
		FailedPairs: []FailedPair{},
		Jobs:        make(map[string]JobResult, l.Len()),
	}

	for _, rec := range l.Records() {
		status := rec.Status
		if status == ledger.StatusSucceeded && rec.RunID != l.RunID {
			status = ledger.StatusSkipped
		}

		d := rec.Duration()
		res := JobResult{
			Status:    status,
			Stage:     string(rec.Stage),
			Duration:  d.Round(time.Second).String(),
			Seconds:   d.Seconds(),
			Attempts:  rec.Attempts,
			Warnings:  rec.Warnings,
			ModelName: rec.ModelName,
			SizeMB:    rec.SizeMB,
		}

		switch status {
		case ledger.StatusSucceeded:
			ret.Succeeded++
		case ledger.StatusSkipped:
			ret.Skipped++
		case ledger.StatusFailed:
			ret.Failed++
			info := ledger.ErrorInfo{Kind: "Unknown", Message: "failed without a recorded error"}
			if rec.LastError != nil {
				info = *rec.LastError
			}
			res.Error = &info
			ret.FailedPairs = append(ret.FailedPairs, FailedPair{Pair: rec.Pair, Error: info})
		default:
			ret.Pending++
		}
		if status == ledger.StatusSucceeded || status == ledger.StatusSkipped {
			ret.TotalSizeMB += rec.SizeMB
		}
		ret.Jobs[rec.Pair] = res
		ret.Total++
	}
	return ret
}

// Healthy reports whether every pair ended succeeded or skipped.
func (r Report) Healthy() bool {
	return r.Failed == 0 && r.Pending == 0
}

// Write replaces the report file at path.
func Write(path string, r Report) error {
	if err := file.WriteJSONAtomic(path, r); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// Lines renders a short human summary, one line per entry.
func (r Report) Lines() []string {
	lines := []string{
		fmt.Sprintf("Total: %d, succeeded: %d, skipped: %d, failed: %d", r.Total, r.Succeeded, r.Skipped, r.Failed),
	}
	if r.Pending > 0 {
		lines = append(lines, fmt.Sprintf("Unfinished: %d", r.Pending))
	}
	if r.TotalSizeMB > 0 {
		lines = append(lines, fmt.Sprintf("Total model size: %.1fMB", r.TotalSizeMB))
	}
	for _, f := range r.FailedPairs {
		lines = append(lines, fmt.Sprintf("Failed %s: [%s] %s", f.Pair, f.Error.Kind, f.Error.Message))
	}
	return lines
}
