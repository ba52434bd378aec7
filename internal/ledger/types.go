package ledger

import (
	"slices"
	"time"

	"github.com/MimeLyc/mtforge/internal/catalog"
	"github.com/MimeLyc/mtforge/internal/stage"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Terminal reports whether a job in this status needs no more work in the current run.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// JobRecord is the durable progress of one language pair.
type JobRecord struct {
	Pair        string      `json:"pair"`
	Stage       stage.Stage `json:"stage"`
	Status      Status      `json:"status"`
	Attempts    int         `json:"attempts"`
	LastError   *ErrorInfo  `json:"last_error,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
	ArtifactDir string      `json:"artifact_dir"`
	ModelName   string      `json:"model_name,omitempty"`
	SizeMB      float64     `json:"size_mb,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
	RunID       string      `json:"run_id,omitempty"`
}

// NewRecord returns the pending record a pair starts with.
func NewRecord(pair catalog.LanguagePair, artifactDir string) JobRecord {
	return JobRecord{
		Pair:        pair.ID(),
		Stage:       stage.StageDownload,
		Status:      StatusPending,
		ArtifactDir: artifactDir,
	}
}

// Duration is the wall time between the first attempt and completion.
func (r JobRecord) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

func (r JobRecord) Clone() JobRecord {
	ret := r
	if r.LastError != nil {
		e := *r.LastError
		ret.LastError = &e
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		ret.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		ret.FinishedAt = &t
	}
	ret.Warnings = slices.Clone(r.Warnings)
	return ret
}
