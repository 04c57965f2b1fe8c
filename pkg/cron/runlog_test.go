package cron

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRunLog(t *testing.T) *RunLog {
	t.Helper()
	return NewRunLog(filepath.Join(t.TempDir(), "runs"), zerolog.Nop())
}

func finishedEntry(jobID string, ts int64) RunLogEntry {
	return RunLogEntry{Ts: ts, JobID: jobID, Action: "finished", Status: RunOK}
}

func TestRunLogAppendAndRead(t *testing.T) {
	rl := testRunLog(t)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, rl.Append(finishedEntry("job1", i)))
	}

	entries, err := rl.Read("job1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, int64(3), entries[0].Ts)
	assert.Equal(t, int64(2), entries[1].Ts)
}

func TestRunLogReadMissingFile(t *testing.T) {
	rl := testRunLog(t)
	entries, err := rl.Read("nothing-here", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunLogReadSkipsMalformedLines(t *testing.T) {
	rl := testRunLog(t)
	require.NoError(t, rl.Append(finishedEntry("job1", 10)))

	path, err := rl.pathFor("job1")
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	f.WriteString("this is not json\n")
	f.WriteString(`{"ts": 11, "jobId": "job1", "action": "started"}` + "\n")
	f.WriteString(`{"ts": 12, "jobId": "other", "action": "finished", "status": "ok"}` + "\n")
	f.WriteString(`{"ts": 13, "jobId": "job1", "action": "finished", "status": "weird"}` + "\n")
	f.Close()

	entries, err := rl.Read("job1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(10), entries[0].Ts)
}

func TestRunLogRejectsTraversal(t *testing.T) {
	rl := testRunLog(t)
	for _, id := range []string{"", ".", "..", "///", "\\\\"} {
		_, err := rl.pathFor(id)
		assert.Error(t, err, "id %q", id)
	}

	// Separators inside an id are stripped, not honored.
	path, err := rl.pathFor("a/b")
	require.NoError(t, err)
	assert.Equal(t, "ab.jsonl", filepath.Base(path))
	assert.True(t, strings.HasPrefix(path, rl.dir))
}

func TestRunLogPrune(t *testing.T) {
	rl := testRunLog(t)
	rl.MaxBytes = 512
	rl.KeepLines = 5

	for i := int64(0); i < 50; i++ {
		e := finishedEntry("job1", i+1)
		e.Summary = fmt.Sprintf("run number %d with some padding text", i)
		require.NoError(t, rl.Append(e))
	}

	entries, err := rl.Read("job1", 100)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 6)
	// The newest entry always survives pruning.
	assert.Equal(t, int64(50), entries[0].Ts)
}

func TestRunLogDefaultAndMaxLimit(t *testing.T) {
	rl := testRunLog(t)
	require.NoError(t, rl.Append(finishedEntry("job1", 1)))

	entries, err := rl.Read("job1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	entries, err = rl.Read("job1", 999_999)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
