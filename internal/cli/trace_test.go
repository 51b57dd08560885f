package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lockstep/internal/engine"
	"github.com/roach88/lockstep/internal/trace"
)

// writeTraceLog records two tags of activity: main.a.reaction_0 at the
// start tag, main.b.reaction_0 with a deadline miss 5ms later.
func writeTraceLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.lstr")

	h := trace.Header{
		Start:       100,
		Program:     "sample",
		ProgramHash: "cafebabe",
		Objects: []trace.Object{
			{Space: trace.SpaceReaction, ID: 0, Name: "main.a.reaction_0"},
			{Space: trace.SpaceReaction, ID: 1, Name: "main.b.reaction_0"},
		},
	}
	tw, err := trace.Create(path, h)
	require.NoError(t, err)

	ms := int64(time.Millisecond)
	tag0 := engine.Tag{Time: 100}
	tag1 := engine.Tag{Time: 100 + 5*ms}
	tw.Record(engine.TraceTagBegin, -1, tag0, 100, -1)
	tw.Record(engine.TraceReactionStart, 0, tag0, 105, 0)
	tw.Record(engine.TraceReactionEnd, 0, tag0, 106, 0)
	tw.Record(engine.TraceTagComplete, -1, tag0, 110, -1)
	tw.Record(engine.TraceTagBegin, -1, tag1, 100+5*ms, -1)
	tw.Record(engine.TraceReactionStart, 1, tag1, 100+5*ms+50, 0)
	tw.Record(engine.TraceDeadlineMiss, 1, tag1, 100+5*ms+50, 0)
	tw.Record(engine.TraceReactionEnd, 1, tag1, 100+5*ms+60, 0)
	tw.Record(engine.TraceTagComplete, -1, tag1, 100+5*ms+70, -1)
	require.NoError(t, tw.Close())

	return path
}

func runTraceCommand(t *testing.T, format string, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTraceCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	return buf, cmd.Execute()
}

// convertedDB converts a fresh log and returns the database path.
func convertedDB(t *testing.T) string {
	t.Helper()
	logPath := writeTraceLog(t)
	dbPath := filepath.Join(t.TempDir(), "trace.db")
	_, err := runTraceCommand(t, "text", "convert", logPath, "--db", dbPath)
	require.NoError(t, err)
	return dbPath
}

func outputLines(buf *bytes.Buffer) []string {
	return strings.Split(strings.TrimSpace(buf.String()), "\n")
}

func TestTraceConvert(t *testing.T) {
	logPath := writeTraceLog(t)
	dbPath := filepath.Join(t.TempDir(), "trace.db")

	buf, err := runTraceCommand(t, "text", "convert", logPath, "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Converted 9 records into run 1 (sample)")
}

func TestTraceConvertMissingLog(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "trace.db")

	_, err := runTraceCommand(t, "text", "convert", "/nonexistent/run.lstr", "--db", dbPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to open trace log")
}

func TestTraceRuns(t *testing.T) {
	dbPath := convertedDB(t)

	buf, err := runTraceCommand(t, "text", "runs", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "run 1: sample (9 records")
}

func TestTraceRunsJSON(t *testing.T) {
	dbPath := convertedDB(t)

	buf, err := runTraceCommand(t, "json", "runs", "--db", dbPath)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.([]any)
	require.True(t, ok)
	require.Len(t, data, 1)
	run := data[0].(map[string]any)
	assert.Equal(t, "sample", run["program"])
	assert.Equal(t, "cafebabe", run["program_hash"])
	assert.Equal(t, float64(9), run["records"])
}

func TestTraceRecords(t *testing.T) {
	dbPath := convertedDB(t)

	buf, err := runTraceCommand(t, "text", "records", "--db", dbPath, "--run", "1")
	require.NoError(t, err)

	lines := outputLines(buf)
	require.Len(t, lines, 9)
	// Times rebase to the run's start.
	assert.Equal(t, "[0] tag_begin @ (0s, 0) worker -1", lines[0])
	assert.Equal(t, "[1] reaction_start main.a.reaction_0 @ (0s, 0) worker 0", lines[1])
	assert.Contains(t, lines[6], "deadline_miss main.b.reaction_0 @ (5ms, 0)")
}

func TestTraceRecordsKindFilter(t *testing.T) {
	dbPath := convertedDB(t)

	buf, err := runTraceCommand(t, "text", "records", "--db", dbPath, "--run", "1",
		"--kind", "deadline_miss")
	require.NoError(t, err)

	lines := outputLines(buf)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "deadline_miss main.b.reaction_0")
}

func TestTraceRecordsReactorFilter(t *testing.T) {
	dbPath := convertedDB(t)

	buf, err := runTraceCommand(t, "text", "records", "--db", dbPath, "--run", "1",
		"--reactor", "main.b")
	require.NoError(t, err)

	lines := outputLines(buf)
	require.Len(t, lines, 3)
	for _, line := range lines {
		assert.Contains(t, line, "main.b.reaction_0")
	}
}

func TestTraceRecordsWindow(t *testing.T) {
	dbPath := convertedDB(t)

	buf, err := runTraceCommand(t, "text", "records", "--db", dbPath, "--run", "1",
		"--from", "5ms")
	require.NoError(t, err)
	assert.Len(t, outputLines(buf), 5)

	buf, err = runTraceCommand(t, "text", "records", "--db", dbPath, "--run", "1",
		"--to", "0s")
	require.NoError(t, err)
	assert.Len(t, outputLines(buf), 4)
}

func TestTraceRecordsLimit(t *testing.T) {
	dbPath := convertedDB(t)

	buf, err := runTraceCommand(t, "text", "records", "--db", dbPath, "--run", "1",
		"--limit", "2")
	require.NoError(t, err)
	assert.Len(t, outputLines(buf), 2)
}

func TestTraceRecordsUnknownRun(t *testing.T) {
	dbPath := convertedDB(t)

	_, err := runTraceCommand(t, "text", "records", "--db", dbPath, "--run", "7")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no run 7 in database")
}

func TestTraceRecordsJSON(t *testing.T) {
	dbPath := convertedDB(t)

	buf, err := runTraceCommand(t, "json", "records", "--db", dbPath, "--run", "1")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.([]any)
	require.True(t, ok)
	require.Len(t, data, 9)

	first := data[0].(map[string]any)
	assert.Equal(t, "tag_begin", first["kind"])
	assert.Equal(t, float64(0), first["seq"])
	assert.Equal(t, float64(0), first["time"])
}

func TestTraceSummary(t *testing.T) {
	dbPath := convertedDB(t)

	buf, err := runTraceCommand(t, "text", "summary", "--db", dbPath, "--run", "1")
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "reaction")
	assert.Contains(t, output, "main.a.reaction_0")
	assert.Contains(t, output, "main.b.reaction_0")
}

func TestTraceSummaryJSON(t *testing.T) {
	dbPath := convertedDB(t)

	buf, err := runTraceCommand(t, "json", "summary", "--db", dbPath, "--run", "1")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))

	data, ok := resp.Data.([]any)
	require.True(t, ok)
	require.Len(t, data, 2)

	// Summaries order by reaction name.
	a := data[0].(map[string]any)
	assert.Equal(t, "main.a.reaction_0", a["reaction"])
	assert.Equal(t, float64(1), a["executions"])
	assert.Equal(t, float64(0), a["deadline_miss"])

	b := data[1].(map[string]any)
	assert.Equal(t, "main.b.reaction_0", b["reaction"])
	assert.Equal(t, float64(1), b["deadline_miss"])
}

func TestTraceRequiresDatabaseFlag(t *testing.T) {
	_, err := runTraceCommand(t, "text", "runs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db")
}
