package coorderr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesKind(t *testing.T) {
	err := New(KindLockConflict, "file %s is locked", "a.go")
	require.Error(t, err)
	assert.True(t, Is(err, KindLockConflict))
	assert.False(t, Is(err, KindAgentOffline))
	assert.Equal(t, KindLockConflict, KindOf(err))
	assert.Contains(t, err.Error(), "a.go")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindCheckExecutionError, cause, "check %s crashed", "eslint")

	assert.True(t, Is(err, KindCheckExecutionError))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "eslint")
}

func TestIsSeesThroughWrapping(t *testing.T) {
	inner := New(KindSessionNotFound, "session missing")
	outer := fmt.Errorf("handling request: %w", inner)

	assert.True(t, Is(outer, KindSessionNotFound))
	assert.Equal(t, KindSessionNotFound, KindOf(outer))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestWithContext(t *testing.T) {
	err := New(KindLockConflict, "locked").
		WithContext("held_by", "task-1").
		WithContext("path", "main.go")

	heldBy, ok := ContextValue(err, "held_by")
	require.True(t, ok)
	assert.Equal(t, "task-1", heldBy)

	path, ok := ContextValue(err, "path")
	require.True(t, ok)
	assert.Equal(t, "main.go", path)

	_, ok = ContextValue(err, "missing")
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "held_by=task-1")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "lock_conflict", KindLockConflict.String())
	assert.Equal(t, "no_capable_agent", KindNoCapableAgent.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}
