package acceptor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qa-infra/qa-acceptor/registry"
	"github.com/qa-infra/qa-acceptor/session"
	"github.com/qa-infra/qa-acceptor/types"
)

// stubBrowser passes every assertion against the fixed page below.
type stubBrowser struct{}

func (stubBrowser) Navigate(string) error        { return nil }
func (stubBrowser) Click(string) error           { return nil }
func (stubBrowser) Fill(string, string) error    { return nil }
func (stubBrowser) Title() (string, error)       { return "Example Domain", nil }
func (stubBrowser) Text(string) (string, error)  { return "welcome", nil }
func (stubBrowser) Present(string) (bool, error) { return true, nil }
func (stubBrowser) Screenshot() ([]byte, error)  { return []byte("png"), nil }
func (stubBrowser) PageSource() (string, error)  { return "<html></html>", nil }
func (stubBrowser) Quit() error                  { return nil }

func stubFactory(string) (session.Browser, error) { return stubBrowser{}, nil }

func writeFile(t *testing.T, dir, name, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	return path
}

const testManifest = `
suites:
  smoke:
    cases:
      - id: homepage
        steps:
          - action: navigate
            target: https://example.com
          - action: assert_title
            value: Example Domain
      - id: wrong-title
        steps:
          - action: assert_title
            value: Not This Title
  slow:
    cases:
      - id: waits
        steps:
          - action: wait
            value: 5s
      - id: waits-too
        steps:
          - action: wait
            value: 5s
`

func newTestAcceptor(t *testing.T, reportScript string) *Acceptor {
	return newTestAcceptorWithManifest(t, reportScript, testManifest)
}

func newTestAcceptorWithManifest(t *testing.T, reportScript, manifestYAML string) *Acceptor {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake report tool requires a POSIX shell")
	}
	dir := t.TempDir()
	manifest := writeFile(t, dir, "suites.yaml", manifestYAML, 0o644)
	binary := writeFile(t, dir, "allure", "#!/bin/sh\n"+reportScript, 0o755)

	cfg := &Config{
		SuiteManifest:   manifest,
		ReportsDir:      filepath.Join(dir, "reports"),
		PoolCapacity:    2,
		Concurrency:     2,
		AcquireTimeout:  time.Second,
		StepTimeout:     time.Second,
		CaseTimeout:     10 * time.Second,
		FinalizeTimeout: 10 * time.Second,
		ReportTimeout:   10 * time.Second,
		ReportBinary:    binary,
		HistoryDB:       filepath.Join(dir, "history.db"),
		SessionFactory:  stubFactory,
	}
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a
}

const reportScript = `
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; shift; fi
  shift
done
mkdir -p "$out"
echo "<html>report</html>" > "$out/index.html"
`

func TestAcceptor_RunLifecycle(t *testing.T) {
	a := newTestAcceptor(t, reportScript)

	runID, err := a.StartRun(context.Background(), "smoke")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	status, err := a.WaitForRun(ctx, runID)
	require.NoError(t, err)

	assert.Equal(t, types.RunStateDone, status.State)
	assert.False(t, status.Degraded)
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 1, status.Passed)
	assert.Equal(t, 1, status.Failed)

	reportDir, err := a.ReportDir(runID)
	require.NoError(t, err)
	index, err := os.ReadFile(filepath.Join(reportDir, "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(index), "report")

	runs, err := a.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].RunID)
	assert.Equal(t, types.RunStateDone, runs[0].State)

	totals, err := a.Summary()
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, "smoke", totals[0].Suite)
	assert.Equal(t, 2, totals[0].Stats.Total)
}

func TestAcceptor_RejectsUnknownSuite(t *testing.T) {
	a := newTestAcceptor(t, reportScript)

	_, err := a.StartRun(context.Background(), "nope")
	assert.ErrorIs(t, err, registry.ErrUnknownSuite)
}

func TestAcceptor_OneRunPerSuite(t *testing.T) {
	a := newTestAcceptor(t, reportScript)

	runID, err := a.StartRun(context.Background(), "slow")
	require.NoError(t, err)

	_, err = a.StartRun(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrRunAlreadyInProgress)

	// A different suite is unaffected.
	otherID, err := a.StartRun(context.Background(), "smoke")
	require.NoError(t, err)
	assert.NotEqual(t, runID, otherID)

	require.NoError(t, a.Cancel(runID))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err = a.WaitForRun(ctx, runID)
	require.NoError(t, err)

	// The suite frees up once its run reaches a terminal state.
	_, err = a.StartRun(context.Background(), "slow")
	require.NoError(t, err)
}

func TestAcceptor_CancelAbortsRun(t *testing.T) {
	a := newTestAcceptor(t, reportScript)

	runID, err := a.StartRun(context.Background(), "slow")
	require.NoError(t, err)
	require.NoError(t, a.Cancel(runID))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	status, err := a.WaitForRun(ctx, runID)
	require.NoError(t, err)

	assert.Equal(t, types.RunStateAborted, status.State)
	assert.Equal(t, 2, status.Errored, "every interrupted case still yields an outcome")

	// The partial outcomes are flushed to disk before the report attempt.
	resultFiles, err := filepath.Glob(filepath.Join(a.collector.ResultDir("slow"), "*-result.json"))
	require.NoError(t, err)
	assert.Len(t, resultFiles, 2)

	// A best-effort report over the partial set is served once generated.
	reportDir, err := a.ReportDir(runID)
	require.NoError(t, err)
	index, err := os.ReadFile(filepath.Join(reportDir, "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(index), "report")

	err = a.Cancel(runID)
	assert.ErrorIs(t, err, ErrRunTerminal)
}

func TestAcceptor_CancelUnknownRun(t *testing.T) {
	a := newTestAcceptor(t, reportScript)
	assert.ErrorIs(t, a.Cancel("absent"), ErrRunNotFound)
}

func TestAcceptor_ReportFailureDegradesRun(t *testing.T) {
	a := newTestAcceptor(t, `echo "boom" >&2; exit 1`)

	runID, err := a.StartRun(context.Background(), "smoke")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	status, err := a.WaitForRun(ctx, runID)
	require.NoError(t, err)

	assert.Equal(t, types.RunStateDone, status.State, "a report failure degrades but does not abort")
	assert.True(t, status.Degraded)

	_, err = a.ReportDir(runID)
	assert.ErrorIs(t, err, ErrReportNotReady)

	// The run itself is still recorded in history.
	runs, err := a.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Degraded)
}

func TestAcceptor_ReportNotReadyWhileRunning(t *testing.T) {
	a := newTestAcceptor(t, reportScript)

	runID, err := a.StartRun(context.Background(), "slow")
	require.NoError(t, err)
	defer func() { _ = a.Cancel(runID) }()

	_, err = a.ReportDir(runID)
	assert.ErrorIs(t, err, ErrReportNotReady)
}

func TestAcceptor_StatusUnknownRun(t *testing.T) {
	a := newTestAcceptor(t, reportScript)
	_, err := a.Status("absent")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestAcceptor_RunOncePassing(t *testing.T) {
	a := newTestAcceptorWithManifest(t, reportScript, `
suites:
  smoke:
    cases:
      - id: homepage
        steps:
          - action: navigate
            target: https://example.com
          - action: assert_title
            value: Example Domain
`)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, a.RunOnce(ctx))
}

func TestAcceptor_RunOnceReportsFailures(t *testing.T) {
	a := newTestAcceptorWithManifest(t, reportScript, `
suites:
  smoke:
    cases:
      - id: wrong-title
        steps:
          - action: assert_title
            value: Not This Title
`)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := a.RunOnce(ctx)
	require.Error(t, err)
	assert.True(t, IsTestFailureError(err))
	assert.Contains(t, err.Error(), "smoke (failed: 1, errored: 0)")
}

func TestAcceptor_StopCancelsInFlightRuns(t *testing.T) {
	a := newTestAcceptor(t, reportScript)

	runID, err := a.StartRun(context.Background(), "slow")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
	assert.True(t, a.Stopped())

	status, err := a.Status(runID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStateAborted, status.State)

	_, err = a.StartRun(context.Background(), "smoke")
	assert.Error(t, err, "a stopped acceptor refuses new runs")
}
