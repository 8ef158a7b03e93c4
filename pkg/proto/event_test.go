package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRoundTrip(t *testing.T) {
	ev := NewEvent(EventTaskCompleted).
		WithSession("s-1").
		WithTask("ab12cd34").
		WithAgent("claude-1").
		Set(KeyDurationMs, 1500.0).
		Set(KeyTokens, 2048.0).
		Set(KeyPassed, true)

	data, err := ev.ToJSON()
	require.NoError(t, err)

	parsed, err := EventFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, parsed.ID)
	assert.Equal(t, EventTaskCompleted, parsed.Type)
	assert.Equal(t, "s-1", parsed.SessionID)

	ms, ok := parsed.GetFloat(KeyDurationMs)
	require.True(t, ok)
	assert.InDelta(t, 1500.0, ms, 0.001)

	passed, ok := parsed.GetBool(KeyPassed)
	require.True(t, ok)
	assert.True(t, passed)
}

func TestEventValidate(t *testing.T) {
	ev := NewEvent(EventLockAcquired)
	assert.NoError(t, ev.Validate())

	ev.Type = "made_up"
	assert.Error(t, ev.Validate())

	assert.Error(t, (&Event{}).Validate())
}

func TestValidateEventType(t *testing.T) {
	et, ok := ValidateEventType("quality_gate_run")
	assert.True(t, ok)
	assert.Equal(t, EventQualityGateRun, et)

	_, ok = ValidateEventType("bogus")
	assert.False(t, ok)
}

func TestGetFloatWidening(t *testing.T) {
	ev := NewEvent(EventTaskCompleted).Set(KeyTokens, int64(42))
	v, ok := ev.GetFloat(KeyTokens)
	require.True(t, ok)
	assert.InDelta(t, 42.0, v, 0.001)

	_, ok = ev.GetFloat("missing")
	assert.False(t, ok)
}
