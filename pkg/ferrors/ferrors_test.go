package ferrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapCollapsesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(DBExecutionFailed, "insert row", cause)

	require.Error(t, err)
	assert.True(t, Is(err, DBExecutionFailed))
	assert.ErrorIs(t, err, cause)
}

func TestKindClassification(t *testing.T) {
	assert.True(t, NoWorkerToBeAssigned.Retryable())
	assert.False(t, TaskHasNothingToBeDone.Retryable())
	assert.True(t, TaskHasNothingToBeDone.Benign())
	assert.False(t, DBExecutionFailed.Benign())
}

func TestIsFalseForPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("boom"), DBExecutionFailed))
}
