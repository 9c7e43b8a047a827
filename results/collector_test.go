package results

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qa-infra/qa-acceptor/types"
)

func newCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return c
}

func outcome(caseID string, status types.Status) *types.Outcome {
	return &types.Outcome{
		CaseID:   caseID,
		CaseName: caseID,
		Suite:    "smoke",
		Status:   status,
		Start:    time.Now().Add(-time.Second),
		Stop:     time.Now(),
		Duration: time.Second,
		Attempts: 1,
	}
}

func TestCollector_RecordAndFinalize(t *testing.T) {
	c := newCollector(t)
	_, err := c.StartRun("run-1", "smoke", 2)
	require.NoError(t, err)

	require.NoError(t, c.Record("run-1", outcome("a", types.StatusPassed)))
	require.NoError(t, c.Record("run-1", outcome("b", types.StatusFailed)))

	record, err := c.Finalize(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, record.Outcomes, 2)
	assert.True(t, record.Complete())
	assert.False(t, record.End.IsZero())
}

func TestCollector_RejectsDuplicateOutcome(t *testing.T) {
	c := newCollector(t)
	_, err := c.StartRun("run-1", "smoke", 2)
	require.NoError(t, err)

	require.NoError(t, c.Record("run-1", outcome("a", types.StatusPassed)))
	err = c.Record("run-1", outcome("a", types.StatusFailed))
	assert.ErrorIs(t, err, ErrDuplicateOutcome)
}

func TestCollector_RejectsUnknownRun(t *testing.T) {
	c := newCollector(t)
	assert.ErrorIs(t, c.Record("nope", outcome("a", types.StatusPassed)), ErrUnknownRun)
	_, err := c.Stats("nope")
	assert.ErrorIs(t, err, ErrUnknownRun)
	_, err = c.Finalize(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestCollector_RejectsRecordAfterFinalize(t *testing.T) {
	c := newCollector(t)
	_, err := c.StartRun("run-1", "smoke", 1)
	require.NoError(t, err)
	require.NoError(t, c.Record("run-1", outcome("a", types.StatusPassed)))

	_, err = c.Finalize(context.Background(), "run-1")
	require.NoError(t, err)

	err = c.Record("run-1", outcome("b", types.StatusPassed))
	assert.ErrorIs(t, err, ErrRunFinalized)
}

func TestCollector_FinalizeTimeoutReturnsPartialRecord(t *testing.T) {
	c := newCollector(t)
	_, err := c.StartRun("run-1", "smoke", 2)
	require.NoError(t, err)
	require.NoError(t, c.Record("run-1", outcome("a", types.StatusPassed)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	record, err := c.Finalize(ctx, "run-1")
	assert.ErrorIs(t, err, ErrFinalizeTimeout)
	require.NotNil(t, record, "partial record is still returned")
	assert.Len(t, record.Outcomes, 1)

	// Partial results were still flushed to disk.
	files, err := os.ReadDir(c.ResultDir("smoke"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestCollector_Stats(t *testing.T) {
	c := newCollector(t)
	_, err := c.StartRun("run-1", "smoke", 3)
	require.NoError(t, err)
	require.NoError(t, c.Record("run-1", outcome("a", types.StatusPassed)))
	require.NoError(t, c.Record("run-1", outcome("b", types.StatusErrored)))

	stats, err := c.Stats("run-1")
	require.NoError(t, err)
	assert.Equal(t, types.Stats{Total: 2, Passed: 1, Errored: 1}, stats)
}

func TestCollector_Forget(t *testing.T) {
	c := newCollector(t)
	_, err := c.StartRun("run-1", "smoke", 0)
	require.NoError(t, err)
	_, err = c.Finalize(context.Background(), "run-1")
	require.NoError(t, err)

	c.Forget("run-1")
	_, err = c.Stats("run-1")
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestPersist_WritesOneResultFilePerCase(t *testing.T) {
	c := newCollector(t)
	_, err := c.StartRun("run-1", "smoke", 3)
	require.NoError(t, err)

	failed := outcome("login", types.StatusFailed)
	failed.Detail = &types.FailureDetail{
		Message:  "expected title to contain \"Dashboard\"",
		Artifact: "/tmp/artifacts/login.png",
	}
	require.NoError(t, c.Record("run-1", outcome("home", types.StatusPassed)))
	require.NoError(t, c.Record("run-1", failed))
	require.NoError(t, c.Record("run-1", outcome("flaky", types.StatusErrored)))

	_, err = c.Finalize(context.Background(), "run-1")
	require.NoError(t, err)

	dir := c.ResultDir("smoke")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	byHistory := make(map[string]allureResult)
	for _, entry := range entries {
		assert.Contains(t, entry.Name(), "-result.json")
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		require.NoError(t, err)
		var res allureResult
		require.NoError(t, json.Unmarshal(data, &res))
		byHistory[res.HistoryID] = res
	}

	login := byHistory["smoke::login"]
	assert.Equal(t, "failed", login.Status)
	require.NotNil(t, login.StatusDetails)
	assert.Contains(t, login.StatusDetails.Message, "Dashboard")
	require.Len(t, login.Attachments, 1)
	assert.Equal(t, "image/png", login.Attachments[0].Type)

	assert.Equal(t, "passed", byHistory["smoke::home"].Status)
	assert.Equal(t, "broken", byHistory["smoke::flaky"].Status,
		"harness errors map to broken")

	for _, res := range byHistory {
		assert.Equal(t, "finished", res.Stage)
		assert.Contains(t, res.Labels, allureLabel{Name: "suite", Value: "smoke"})
		assert.Contains(t, res.Labels, allureLabel{Name: "run", Value: "run-1"})
	}
}

func TestPersist_ClearsPreviousRunResults(t *testing.T) {
	c := newCollector(t)

	_, err := c.StartRun("run-1", "smoke", 1)
	require.NoError(t, err)
	require.NoError(t, c.Record("run-1", outcome("a", types.StatusPassed)))
	_, err = c.Finalize(context.Background(), "run-1")
	require.NoError(t, err)

	_, err = c.StartRun("run-2", "smoke", 1)
	require.NoError(t, err)
	require.NoError(t, c.Record("run-2", outcome("b", types.StatusPassed)))
	_, err = c.Finalize(context.Background(), "run-2")
	require.NoError(t, err)

	entries, err := os.ReadDir(c.ResultDir("smoke"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "the result directory holds exactly one run")
}
