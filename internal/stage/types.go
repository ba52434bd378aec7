package stage

import (
	"context"
	"fmt"

	"github.com/MimeLyc/mtforge/internal/catalog"
)

// Stage is one step of the per-pair conversion pipeline.
type Stage string

const (
	StageDownload Stage = "download"
	StageConvert  Stage = "convert"
	StageOptimize Stage = "optimize"
	StageTest     Stage = "test"
)

// Ordered lists the stages in execution order.
var Ordered = []Stage{StageDownload, StageConvert, StageOptimize, StageTest}

// Index returns the position of s in Ordered, or -1 for an unknown stage.
func (s Stage) Index() int {
	for i, st := range Ordered {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Next returns the stage after s. ok is false for the last stage.
func (s Stage) Next() (next Stage, ok bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(Ordered) {
		return "", false
	}
	return Ordered[i+1], true
}

// Before reports whether s runs strictly before other.
func (s Stage) Before(other Stage) bool {
	return s.Index() < other.Index()
}

// Activity is the state-machine name of a job running s.
func (s Stage) Activity() string {
	switch s {
	case StageDownload:
		return "Downloading"
	case StageConvert:
		return "Converting"
	case StageOptimize:
		return "Optimizing"
	case StageTest:
		return "Testing"
	default:
		return string(s)
	}
}

// ParseStage validates a persisted stage name.
func ParseStage(name string) (Stage, error) {
	s := Stage(name)
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", name)
	}
	return s, nil
}

// Job is everything an executor may know about the work it runs. Executors
// never see the ledger.
type Job struct {
	Pair catalog.LanguagePair
	// Dir is the job's artifact directory. Executors write only below it.
	Dir string
	// ModelName is the upstream repository chosen by the download stage, if known.
	ModelName string
	Attempt   int
}

// ArtifactSet describes what a stage produced.
type ArtifactSet struct {
	Paths     []string
	ModelName string
	SizeMB    float64
}

// Executor runs one stage for one job.
type Executor interface {
	Stage() Stage
	Execute(ctx context.Context, job Job) (ArtifactSet, error)
}
