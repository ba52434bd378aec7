package stage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	// ErrNotFound: no pretrained model exists for the pair. Fatal.
	ErrNotFound
	// ErrNetwork: transient transport failure. Retryable.
	ErrNetwork
	// ErrConversion: structural incompatibility during export. Fatal.
	ErrConversion
	// ErrOptimization is downgraded to a warning by the orchestrator.
	ErrOptimization
	// ErrTest: the smoke translation failed or was malformed. Retryable.
	ErrTest
	// ErrTimeout: the attempt ran past its deadline. Retryable.
	ErrTimeout
)

var kindNames = map[ErrorKind]string{
	ErrUnknown:      "Unknown",
	ErrNotFound:     "NotFound",
	ErrNetwork:      "NetworkError",
	ErrConversion:   "ConversionError",
	ErrOptimization: "OptimizationWarning",
	ErrTest:         "TestError",
	ErrTimeout:      "TimeoutError",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Retryable reports whether another attempt of the same stage may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrNetwork, ErrTest, ErrTimeout:
		return true
	default:
		return false
	}
}

// ParseErrorKind is the inverse of ErrorKind.String. Unknown names map to ErrUnknown.
func ParseErrorKind(name string) ErrorKind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return ErrUnknown
}

type Error struct {
	Kind    ErrorKind
	Message string
	Context map[string]any
	Cause   error
	// RetryAfter is the minimum wait before the next attempt asked for by a
	// remote service. Zero means no preference.
	RetryAfter time.Duration
}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Context: make(map[string]any),
	}
}

func NewErrorWithCause(kind ErrorKind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Context: make(map[string]any),
		Cause:   cause,
	}
}

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return NewError(kind, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Kind, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctxParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryAfter records the wait a remote service asked for.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	if d > 0 {
		e.RetryAfter = d
		e.WithContext("retry_after", d)
	}
	return e
}

// Summary is the short form stored in the ledger: the message plus the cause,
// without the context map.
func (e *Error) Summary() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func IsErrorKind(err error, kind ErrorKind) bool {
	var stageErr *Error
	if errors.As(err, &stageErr) {
		return stageErr.Kind == kind
	}
	return false
}

// AsError converts any error returned by an executor into a *Error.
// Context errors become timeouts; everything unclassified is ErrUnknown.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var stageErr *Error
	if errors.As(err, &stageErr) {
		return stageErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewErrorWithCause(ErrTimeout, "stage deadline exceeded", err)
	}
	return NewErrorWithCause(ErrUnknown, "unclassified stage failure", err)
}

func WrapError(err error, kind ErrorKind, message string) *Error {
	return NewErrorWithCause(kind, message, err)
}

// SafeExecute runs fn, converting a panic into an ErrUnknown error.
func SafeExecute(fn func() (ArtifactSet, error)) (set ArtifactSet, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(ErrUnknown, fmt.Sprintf("runtime error: %v", r))
		}
	}()

	return fn()
}
