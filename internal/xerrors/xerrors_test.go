package xerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreError_UnwrapExposesUnderlyingCause(t *testing.T) {
	cause := errors.New("disk full")
	err := NewStoreError("AppendOutcome", KindStoreUnavailable, cause)
	assert.ErrorIs(t, err, cause)
}

func TestIsKind_MatchesOnlyExactKind(t *testing.T) {
	err := NewStoreError("ApplyStateDelta", KindStoreConflict, errors.New("lost race"))
	assert.True(t, IsKind(err, KindStoreConflict))
	assert.False(t, IsKind(err, KindStoreUnavailable))
}

func TestIsKind_FalseForNonStoreError(t *testing.T) {
	assert.False(t, IsKind(errors.New("plain error"), KindStoreConflict))
}

func TestConfigError_MessageNamesFieldAndReason(t *testing.T) {
	err := NewConfigError("interval_seconds", "below tier minimum")
	assert.Contains(t, err.Error(), "interval_seconds")
	assert.Contains(t, err.Error(), "below tier minimum")
}
