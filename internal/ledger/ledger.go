package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/MimeLyc/mtforge/internal/catalog"
)

// Ledger holds one record per language pair plus the identity of the run
// that last wrote it.
type Ledger struct {
	RunID        string                `json:"run_id,omitempty"`
	RunStartedAt *time.Time            `json:"run_started_at,omitempty"`
	RunUpdatedAt *time.Time            `json:"run_updated_at,omitempty"`
	Jobs         map[string]*JobRecord `json:"jobs"`
}

func New() *Ledger {
	return &Ledger{Jobs: make(map[string]*JobRecord)}
}

// Get returns a copy of the record for pair.
func (l *Ledger) Get(pair catalog.LanguagePair) (JobRecord, bool) {
	rec, ok := l.Jobs[pair.ID()]
	if !ok {
		return JobRecord{}, false
	}
	return rec.Clone(), true
}

// Upsert stores a copy of rec, replacing the record of the same pair.
func (l *Ledger) Upsert(rec JobRecord) {
	if l.Jobs == nil {
		l.Jobs = make(map[string]*JobRecord)
	}
	cp := rec.Clone()
	l.Jobs[rec.Pair] = &cp
}

// Records returns copies of all records ordered by pair id.
func (l *Ledger) Records() []JobRecord {
	keys := make([]string, 0, len(l.Jobs))
	for k := range l.Jobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ret := make([]JobRecord, 0, len(keys))
	for _, k := range keys {
		ret = append(ret, l.Jobs[k].Clone())
	}
	return ret
}

func (l *Ledger) Len() int {
	return len(l.Jobs)
}

// StartRun stamps the ledger with a new run identity.
func (l *Ledger) StartRun(runID string, now time.Time) {
	l.RunID = runID
	l.RunStartedAt = &now
	l.RunUpdatedAt = &now
}

func (l *Ledger) Touch(now time.Time) {
	l.RunUpdatedAt = &now
}

func (l *Ledger) Clone() *Ledger {
	ret := &Ledger{
		RunID: l.RunID,
		Jobs:  make(map[string]*JobRecord, len(l.Jobs)),
	}
	if l.RunStartedAt != nil {
		t := *l.RunStartedAt
		ret.RunStartedAt = &t
	}
	if l.RunUpdatedAt != nil {
		t := *l.RunUpdatedAt
		ret.RunUpdatedAt = &t
	}
	for k, rec := range l.Jobs {
		cp := rec.Clone()
		ret.Jobs[k] = &cp
	}
	return ret
}

// validate checks a loaded ledger. Records keyed by a different pair or
// carrying an unknown stage or status make the file unusable.
func (l *Ledger) validate() error {
	for key, rec := range l.Jobs {
		if rec == nil {
			return fmt.Errorf("record %q is null", key)
		}
		if _, err := catalog.ParsePairID(key); err != nil {
			return fmt.Errorf("record key %q: %w", key, err)
		}
		if rec.Pair == "" {
			rec.Pair = key
		}
		if rec.Pair != key {
			return fmt.Errorf("record %q is stored under key %q", rec.Pair, key)
		}
		if !rec.Stage.Valid() {
			return fmt.Errorf("record %q has unknown stage %q", key, rec.Stage)
		}
		if !rec.Status.Valid() {
			return fmt.Errorf("record %q has unknown status %q", key, rec.Status)
		}
		if rec.Attempts < 0 {
			return fmt.Errorf("record %q has negative attempts", key)
		}
	}
	return nil
}
