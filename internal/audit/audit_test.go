package audit

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := New(filepath.Join(t.TempDir(), "audit", "trail.jsonl"), "sess-1", 0)
	require.NoError(t, err)
	return l
}

func TestLog_AppendsJSONL(t *testing.T) {
	l := testLogger(t)

	l.Log("staging", "stage", map[string]any{"entity_name": "Acme"})
	l.LogTimed("apply", "merge", nil, 1500*time.Millisecond)

	data, err := os.ReadFile(l.path)
	require.NoError(t, err)

	entries, err := l.Entries(Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first.
	assert.Equal(t, "apply", entries[0].Category)
	assert.Equal(t, int64(1500), entries[0].DurationMS)
	assert.Equal(t, "staging", entries[1].Category)
	assert.Equal(t, "sess-1", entries[1].SessionID)
	assert.Equal(t, "Acme", entries[1].Details["entity_name"])

	// Each line is standalone JSON.
	var first map[string]any
	firstLine, _, _ := bytes.Cut(data, []byte("\n"))
	require.NoError(t, json.Unmarshal(firstLine, &first))
}

func TestEntries_Filters(t *testing.T) {
	l := testLogger(t)

	l.Log("batch", "start", nil)
	l.Log("batch", "complete", nil)
	l.Log("question", "add", nil)

	entries, err := l.Entries(Filter{Category: "batch"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = l.Entries(Filter{Category: "batch", Action: "complete"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "complete", entries[0].Action)

	entries, err = l.Entries(Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "question", entries[0].Category)
}

func TestEntries_MissingFileIsEmpty(t *testing.T) {
	l := testLogger(t)
	entries, err := l.Entries(Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLogError(t *testing.T) {
	l := testLogger(t)

	l.LogError(eris.New("merge target missing"), map[string]any{"op_id": 7})

	entries, err := l.Entries(Filter{Category: "error"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "exception", entries[0].Action)
	assert.Contains(t, entries[0].Details["error_message"], "merge target missing")
}

func TestCleanupOlderThan(t *testing.T) {
	l := testLogger(t)

	l.Log("session", "start", nil)
	l.Log("session", "complete", nil)

	removed, err := l.CleanupOlderThan(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = l.CleanupOlderThan(-time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := l.Entries(Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCleanup_KeepsMalformedLines(t *testing.T) {
	l := testLogger(t)
	l.Log("session", "start", nil)

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	removed, err := l.CleanupOlderThan(-time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	data, err := os.ReadFile(l.path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "not json")
}
