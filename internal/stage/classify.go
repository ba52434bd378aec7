package stage

import (
	"context"
	"errors"
	"regexp"
)

// Pre-compiled patterns for classifying tool stderr into error kinds.
var (
	reNetworkIssue = regexp.MustCompile(
		`(?i)ConnectionError|Connection (reset|refused|aborted)|` +
			`Read timed out|Temporary failure in name resolution|` +
			`HTTPSConnectionPool|Max retries exceeded|` +
			`502 Bad Gateway|503 Service Unavailable|504 Gateway Time-?out`)

	reUnsupportedModel = regexp.MustCompile(
		`(?i)is not supported|Unrecognized configuration class|` +
			`does not support|Unsupported (model|architecture)|KeyError`)

	reMemoryIssue = regexp.MustCompile(
		`(?i)MemoryError|out of memory|std::bad_alloc`)
)

func MatchNetworkIssue(stderr string) bool {
	return reNetworkIssue.MatchString(stderr)
}

func MatchUnsupportedModel(stderr string) bool {
	return reUnsupportedModel.MatchString(stderr)
}

func MatchMemoryIssue(stderr string) bool {
	return reMemoryIssue.MatchString(stderr)
}

// classifyToolFailure maps a failed tool run to an error of the given default
// kind, reclassifying transient network and timeout failures. Cancellation is
// returned unchanged so the orchestrator can tell it apart from a failure.
func classifyToolFailure(kind ErrorKind, message string, res CommandResult, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewErrorWithCause(ErrTimeout, message, err)
	}

	ret := NewErrorWithCause(kind, message, err)
	if stderr := tail(res.Stderr, 5); stderr != "" {
		ret.WithContext("stderr", stderr)
	}
	if res.ExitCode != 0 {
		ret.WithContext("exit_code", res.ExitCode)
	}

	switch {
	case MatchNetworkIssue(res.Stderr):
		ret.Kind = ErrNetwork
	case kind == ErrConversion && MatchUnsupportedModel(res.Stderr):
		ret.WithContext("reason", "unsupported model")
	case MatchMemoryIssue(res.Stderr):
		ret.WithContext("reason", "out of memory")
	}
	return ret
}
