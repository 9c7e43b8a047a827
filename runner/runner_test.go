package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qa-infra/qa-acceptor/registry"
	"github.com/qa-infra/qa-acceptor/results"
	"github.com/qa-infra/qa-acceptor/session"
	"github.com/qa-infra/qa-acceptor/types"
)

// fakeDriver hands out scripted browsers and lets tests inject faults that
// persist across session replacement.
type fakeDriver struct {
	mu              sync.Mutex
	title           string
	elementText     string
	failNavigations int
	created         int
}

func (d *fakeDriver) factory(suite string) (session.Browser, error) {
	d.mu.Lock()
	d.created++
	d.mu.Unlock()
	return &scriptedBrowser{driver: d}, nil
}

type scriptedBrowser struct {
	driver *fakeDriver
}

func (b *scriptedBrowser) Navigate(url string) error {
	b.driver.mu.Lock()
	defer b.driver.mu.Unlock()
	if b.driver.failNavigations > 0 {
		b.driver.failNavigations--
		return errors.New("browser crashed")
	}
	return nil
}

func (b *scriptedBrowser) Click(selector string) error           { return nil }
func (b *scriptedBrowser) Fill(selector, text string) error      { return nil }
func (b *scriptedBrowser) Present(selector string) (bool, error) { return true, nil }
func (b *scriptedBrowser) Screenshot() ([]byte, error)           { return []byte("png-bytes"), nil }
func (b *scriptedBrowser) PageSource() (string, error)           { return "<html>page</html>", nil }
func (b *scriptedBrowser) Quit() error                           { return nil }

func (b *scriptedBrowser) Title() (string, error) {
	b.driver.mu.Lock()
	defer b.driver.mu.Unlock()
	return b.driver.title, nil
}

func (b *scriptedBrowser) Text(selector string) (string, error) {
	b.driver.mu.Lock()
	defer b.driver.mu.Unlock()
	return b.driver.elementText, nil
}

type runnerEnv struct {
	runner    *Runner
	collector *results.Collector
	driver    *fakeDriver
}

func newRunnerEnv(t *testing.T, manifest string, artifactDir string) *runnerEnv {
	t.Helper()
	manifestPath := filepath.Join(t.TempDir(), "suites.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest), 0o644))

	reg, err := registry.New(registry.Config{ManifestPath: manifestPath})
	require.NoError(t, err)

	driver := &fakeDriver{title: "Example Domain", elementText: "welcome"}
	pool, err := session.NewPool(session.PoolConfig{
		Factory:        driver.factory,
		Capacity:       2,
		AcquireTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	collector, err := results.New(results.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	r, err := New(Config{
		Registry:    reg,
		Pool:        pool,
		Collector:   collector,
		Concurrency: 2,
		StepTimeout: time.Second,
		CaseTimeout: 5 * time.Second,
		ArtifactDir: artifactDir,
	})
	require.NoError(t, err)
	return &runnerEnv{runner: r, collector: collector, driver: driver}
}

// runSuite executes the suite and returns the finalized record.
func (e *runnerEnv) runSuite(t *testing.T, ctx context.Context, suite string, expected int) *types.RunRecord {
	t.Helper()
	runID := fmt.Sprintf("run-%s", suite)
	_, err := e.collector.StartRun(runID, suite, expected)
	require.NoError(t, err)
	require.NoError(t, e.runner.Run(ctx, runID, suite))

	finalizeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	record, err := e.collector.Finalize(finalizeCtx, runID)
	require.NoError(t, err)
	return record
}

const passingManifest = `
suites:
  smoke:
    cases:
      - id: homepage
        steps:
          - action: navigate
            target: https://example.com
          - action: assert_title
            value: Example Domain
`

func TestRunner_PassingCase(t *testing.T) {
	env := newRunnerEnv(t, passingManifest, "")
	record := env.runSuite(t, context.Background(), "smoke", 1)

	outcome := record.Outcomes["homepage"]
	require.NotNil(t, outcome)
	assert.Equal(t, types.StatusPassed, outcome.Status)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Nil(t, outcome.Detail)
}

func TestRunner_AssertionFailureIsNotRetried(t *testing.T) {
	env := newRunnerEnv(t, `
suites:
  smoke:
    cases:
      - id: wrong-title
        steps:
          - action: assert_title
            value: Totally Different
`, "")
	record := env.runSuite(t, context.Background(), "smoke", 1)

	outcome := record.Outcomes["wrong-title"]
	require.NotNil(t, outcome)
	assert.Equal(t, types.StatusFailed, outcome.Status)
	assert.Equal(t, 1, outcome.Attempts, "assertion failures must not be retried")
	require.NotNil(t, outcome.Detail)
	assert.Contains(t, outcome.Detail.Message, "expected title to contain")
	assert.Equal(t, 1, env.driver.created, "the session stays healthy after an assertion failure")
}

func TestRunner_TransientFaultRetriedOnce(t *testing.T) {
	env := newRunnerEnv(t, passingManifest, "")
	env.driver.failNavigations = 1

	record := env.runSuite(t, context.Background(), "smoke", 1)

	outcome := record.Outcomes["homepage"]
	require.NotNil(t, outcome)
	assert.Equal(t, types.StatusPassed, outcome.Status)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, 2, env.driver.created, "the wedged session is replaced before the retry")
}

func TestRunner_TransientFaultErrorsAfterRetry(t *testing.T) {
	env := newRunnerEnv(t, passingManifest, "")
	env.driver.failNavigations = 2

	record := env.runSuite(t, context.Background(), "smoke", 1)

	outcome := record.Outcomes["homepage"]
	require.NotNil(t, outcome)
	assert.Equal(t, types.StatusErrored, outcome.Status)
	assert.Equal(t, 2, outcome.Attempts)
	require.NotNil(t, outcome.Detail)
	assert.Contains(t, outcome.Detail.Message, "browser crashed")
}

func TestRunner_SkipsWhenPreconditionUnset(t *testing.T) {
	env := newRunnerEnv(t, `
suites:
  smoke:
    cases:
      - id: gated
        requires: QA_ACCEPTOR_TEST_UNSET_VAR
        steps:
          - action: navigate
            target: https://example.com
`, "")
	record := env.runSuite(t, context.Background(), "smoke", 1)

	outcome := record.Outcomes["gated"]
	require.NotNil(t, outcome)
	assert.Equal(t, types.StatusSkipped, outcome.Status)
	require.NotNil(t, outcome.Detail)
	assert.Contains(t, outcome.Detail.Message, "QA_ACCEPTOR_TEST_UNSET_VAR")
	assert.Equal(t, 0, env.driver.created, "skipped cases never borrow a session")
}

func TestRunner_CanceledRunErrorsRemainingCases(t *testing.T) {
	env := newRunnerEnv(t, passingManifest, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	record := env.runSuite(t, ctx, "smoke", 1)

	outcome := record.Outcomes["homepage"]
	require.NotNil(t, outcome)
	assert.Equal(t, types.StatusErrored, outcome.Status)
	require.NotNil(t, outcome.Detail)
	assert.Contains(t, outcome.Detail.Message, "run canceled")
}

func TestRunner_HTTPSteps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	t.Setenv("QA_TEST_BASE_URL", srv.URL)

	env := newRunnerEnv(t, `
suites:
  api:
    cases:
      - id: health-ok
        steps:
          - action: http_get
            target: ${QA_TEST_BASE_URL}/health
          - action: assert_status
            value: "200"
      - id: missing-404
        steps:
          - action: http_get
            target: ${QA_TEST_BASE_URL}/nope
          - action: assert_status
            value: "200"
      - id: body-ok
        steps:
          - action: http_get
            target: ${QA_TEST_BASE_URL}/health
          - action: assert_body
            value: '"status":"ok"'
      - id: body-wrong
        steps:
          - action: http_get
            target: ${QA_TEST_BASE_URL}/health
          - action: assert_body
            value: degraded
`, "")
	record := env.runSuite(t, context.Background(), "api", 4)

	ok := record.Outcomes["health-ok"]
	require.NotNil(t, ok)
	assert.Equal(t, types.StatusPassed, ok.Status)

	missing := record.Outcomes["missing-404"]
	require.NotNil(t, missing)
	assert.Equal(t, types.StatusFailed, missing.Status)
	require.NotNil(t, missing.Detail)
	assert.Contains(t, missing.Detail.Message, "expected status 200, got 404")

	bodyOK := record.Outcomes["body-ok"]
	require.NotNil(t, bodyOK)
	assert.Equal(t, types.StatusPassed, bodyOK.Status)

	bodyWrong := record.Outcomes["body-wrong"]
	require.NotNil(t, bodyWrong)
	assert.Equal(t, types.StatusFailed, bodyWrong.Status)
	require.NotNil(t, bodyWrong.Detail)
	assert.Contains(t, bodyWrong.Detail.Message, "expected response body to contain")
}

func TestRunner_CapturesArtifactsForFailedUICases(t *testing.T) {
	artifactDir := t.TempDir()
	env := newRunnerEnv(t, `
suites:
  ui:
    cases:
      - id: broken-page
        steps:
          - action: assert_title
            value: Totally Different
`, artifactDir)
	record := env.runSuite(t, context.Background(), "ui", 1)

	outcome := record.Outcomes["broken-page"]
	require.NotNil(t, outcome)
	assert.Equal(t, types.StatusFailed, outcome.Status)
	require.NotNil(t, outcome.Detail)
	require.NotEmpty(t, outcome.Detail.Artifact)

	shot, err := os.ReadFile(filepath.Join(artifactDir, "run-ui", "broken-page.png"))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(shot))
	source, err := os.ReadFile(filepath.Join(artifactDir, "run-ui", "broken-page.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>page</html>", string(source))
}

func TestRunner_OneOutcomePerCase(t *testing.T) {
	env := newRunnerEnv(t, `
suites:
  smoke:
    cases:
      - id: a
        steps: [{action: navigate, target: https://example.com}]
      - id: b
        steps: [{action: assert_title, value: Example Domain}]
      - id: c
        steps: [{action: assert_title, value: Wrong}]
`, "")
	record := env.runSuite(t, context.Background(), "smoke", 3)

	assert.Len(t, record.Outcomes, 3)
	stats := record.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Passed)
	assert.Equal(t, 1, stats.Failed)
}
