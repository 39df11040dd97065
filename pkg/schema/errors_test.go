package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Format(t *testing.T) {
	assert.Equal(t, "[NOT_FOUND] workflow missing", NewError(ErrCodeNotFound, "workflow missing").Error())
	assert.Equal(t, "[SKIP_STEP_ALREADY_FINISHED] step charge: newer attempt recorded",
		NewSkipStepAlreadyFinishedError("newer attempt recorded").WithStep("charge").Error())
}

func TestError_UnwrapAndCodes(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("save: %w", NewErrorf(ErrCodeStore, "upsert %s", "order-1").WithCause(cause))

	assert.ErrorIs(t, err, cause)
	assert.True(t, HasCode(err, ErrCodeStore))
	assert.False(t, HasCode(err, ErrCodeNotFound))
	assert.False(t, HasCode(cause, ErrCodeStore))
}

func TestIsSkipError(t *testing.T) {
	assert.True(t, IsSkipError(NewSkipExecutionError("stale")))
	assert.True(t, IsSkipError(fmt.Errorf("wrapped: %w", NewSkipCancelledExecutionError("cancelled"))))
	assert.True(t, IsSkipError(NewSkipStepAlreadyFinishedError("finished")))
	assert.False(t, IsSkipError(NewError(ErrCodeInvalidArgument, "bad")))
	assert.False(t, IsSkipError(errors.New("plain")))
	assert.False(t, IsSkipError(nil))
}

func TestIsNotFoundAndInvalidArgument(t *testing.T) {
	assert.True(t, IsNotFound(NewError(ErrCodeNotFound, "gone")))
	assert.True(t, IsInvalidArgument(NewError(ErrCodeInvalidArgument, "bad")))
	assert.False(t, IsNotFound(NewError(ErrCodeInvalidArgument, "bad")))
}
