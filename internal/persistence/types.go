package persistence

import "time"

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeWarning   Outcome = "warning"
	OutcomeCanceled  Outcome = "canceled"
)

type Run struct {
	ID          string     `json:"id"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Total       int        `json:"total"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	Skipped     int        `json:"skipped"`
	Interrupted bool       `json:"interrupted"`
}

// RunSummary closes a run.
type RunSummary struct {
	RunID       string
	FinishedAt  time.Time
	Total       int
	Succeeded   int
	Failed      int
	Skipped     int
	Interrupted bool
}

// StageAttempt is one executor invocation.
type StageAttempt struct {
	RunID        string        `json:"run_id"`
	Pair         string        `json:"pair"`
	Stage        string        `json:"stage"`
	Attempt      int           `json:"attempt"`
	Outcome      Outcome       `json:"outcome"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ModelName    string        `json:"model_name,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration_ns"`
}
