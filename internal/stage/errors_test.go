package stage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind_Retryable(t *testing.T) {
	retryable := map[ErrorKind]bool{
		ErrNotFound:     false,
		ErrNetwork:      true,
		ErrConversion:   false,
		ErrOptimization: false,
		ErrTest:         true,
		ErrTimeout:      true,
		ErrUnknown:      false,
	}
	for kind, want := range retryable {
		assert.Equal(t, want, kind.Retryable(), kind.String())
		assert.Equal(t, kind, ParseErrorKind(kind.String()))
	}
	assert.Equal(t, ErrUnknown, ParseErrorKind("Bogus"))
}

func TestError_FormatAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewErrorWithCause(ErrConversion, "export failed", cause).
		WithContext("model", "m").
		WithContext("exit_code", 1)

	assert.Equal(t, "[ConversionError] export failed | context: exit_code=1, model=m | cause: boom", err.Error())
	assert.Equal(t, "export failed: boom", err.Summary())
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, IsErrorKind(wrapped, ErrConversion))
	assert.False(t, IsErrorKind(wrapped, ErrNetwork))
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))
	assert.Equal(t, ErrTimeout, AsError(fmt.Errorf("x: %w", context.DeadlineExceeded)).Kind)
	assert.Equal(t, ErrUnknown, AsError(errors.New("plain")).Kind)

	orig := NewError(ErrTest, "bad")
	assert.Same(t, orig, AsError(fmt.Errorf("wrap: %w", orig)))
}

func TestSafeExecute_RecoversPanic(t *testing.T) {
	_, err := SafeExecute(func() (ArtifactSet, error) {
		panic("exporter exploded")
	})
	assert.True(t, IsErrorKind(err, ErrUnknown))
	assert.Contains(t, err.Error(), "exporter exploded")
}

func TestStageOrder(t *testing.T) {
	next, ok := StageDownload.Next()
	assert.True(t, ok)
	assert.Equal(t, StageConvert, next)

	_, ok = StageTest.Next()
	assert.False(t, ok)

	assert.True(t, StageConvert.Before(StageOptimize))
	assert.False(t, StageTest.Before(StageDownload))
	assert.Equal(t, "Optimizing", StageOptimize.Activity())

	_, err := ParseStage("publish")
	assert.Error(t, err)
}

func TestClassifyToolFailure(t *testing.T) {
	err := classifyToolFailure(ErrConversion, "export failed",
		CommandResult{Stderr: "requests.exceptions.ConnectionError: HTTPSConnectionPool", ExitCode: 1},
		errors.New("exit status 1"))
	assert.True(t, IsErrorKind(err, ErrNetwork))

	err = classifyToolFailure(ErrConversion, "export failed",
		CommandResult{Stderr: "ValueError: Unrecognized configuration class", ExitCode: 1},
		errors.New("exit status 1"))
	assert.True(t, IsErrorKind(err, ErrConversion))

	err = classifyToolFailure(ErrTest, "smoke", CommandResult{}, context.DeadlineExceeded)
	assert.True(t, IsErrorKind(err, ErrTimeout))

	err = classifyToolFailure(ErrTest, "smoke", CommandResult{}, context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
}
