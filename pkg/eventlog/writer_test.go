package eventlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coordinator/pkg/proto"
)

func TestWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	first := proto.NewEvent(proto.EventTaskCompleted).
		WithSession("sess-1").
		WithTask("task-1").
		WithAgent("agent-a").
		Set(proto.KeyDurationMs, 1500)
	second := proto.NewEvent(proto.EventTaskFailed).
		WithSession("sess-1").
		WithTask("task-2")

	require.NoError(t, w.Write(first))
	require.NoError(t, w.Write(second))

	events, err := ReadEvents(w.CurrentLogFile())
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, proto.EventTaskCompleted, events[0].Type)
	assert.Equal(t, "sess-1", events[0].SessionID)
	assert.Equal(t, "task-1", events[0].TaskID)
	ms, ok := events[0].GetFloat(proto.KeyDurationMs)
	require.True(t, ok)
	assert.InDelta(t, 1500, ms, 0.001)
	assert.Equal(t, proto.EventTaskFailed, events[1].Type)
}

func TestDailyFileNaming(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	want := filepath.Join(dir, "events-"+time.Now().UTC().Format("2006-01-02")+".jsonl")
	assert.Equal(t, want, w.CurrentLogFile())
}

func TestAppendAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.Write(proto.NewEvent(proto.EventSessionCreated).WithSession("s1")))
	path := w.CurrentLogFile()
	require.NoError(t, w.Close())

	w, err = NewWriter(dir)
	require.NoError(t, err)
	require.NoError(t, w.Write(proto.NewEvent(proto.EventSessionCompleted).WithSession("s1")))
	require.NoError(t, w.Close())

	events, err := ReadEvents(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, proto.EventSessionCreated, events[0].Type)
	assert.Equal(t, proto.EventSessionCompleted, events[1].Type)
}

func TestListLogFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, w.CurrentLogFile(), files[0])
}

func TestReadEventsMissingFile(t *testing.T) {
	_, err := ReadEvents(filepath.Join(t.TempDir(), "events-2026-01-01.jsonl"))
	assert.Error(t, err)
}
