// Package runner executes the test cases of a suite against pooled browser
// sessions and records one terminal outcome per discovered case.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/qa-infra/qa-acceptor/metrics"
	"github.com/qa-infra/qa-acceptor/registry"
	"github.com/qa-infra/qa-acceptor/results"
	"github.com/qa-infra/qa-acceptor/session"
	"github.com/qa-infra/qa-acceptor/types"
)

const (
	// maxAttempts bounds execution of one case: the first attempt plus one
	// retry for transient harness faults.
	maxAttempts = 2

	defaultStepTimeout = 30 * time.Second
	defaultCaseTimeout = 5 * time.Minute
)

// Config configures a Runner.
type Config struct {
	Log         *zap.SugaredLogger
	Registry    *registry.Registry
	Pool        *session.Pool
	Collector   *results.Collector
	HTTPClient  *http.Client
	Concurrency int
	StepTimeout time.Duration
	CaseTimeout time.Duration
	// ArtifactDir is where failure screenshots and page sources are stored.
	ArtifactDir string
}

// Runner executes suites with a fixed-size worker pool.
type Runner struct {
	log         *zap.SugaredLogger
	registry    *registry.Registry
	pool        *session.Pool
	collector   *results.Collector
	httpClient  *http.Client
	concurrency int
	stepTimeout time.Duration
	caseTimeout time.Duration
	artifactDir string
	tracer      trace.Tracer
}

// New creates a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("session pool is required")
	}
	if cfg.Collector == nil {
		return nil, errors.New("result collector is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	if cfg.CaseTimeout <= 0 {
		cfg.CaseTimeout = defaultCaseTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.StepTimeout}
	}
	return &Runner{
		log:         cfg.Log,
		registry:    cfg.Registry,
		pool:        cfg.Pool,
		collector:   cfg.Collector,
		httpClient:  cfg.HTTPClient,
		concurrency: cfg.Concurrency,
		stepTimeout: cfg.StepTimeout,
		caseTimeout: cfg.CaseTimeout,
		artifactDir: cfg.ArtifactDir,
		tracer:      otel.Tracer("qa-acceptor/runner"),
	}, nil
}

// Run executes every discovered case of the suite, up to the configured
// concurrency in parallel, recording outcomes through the collector. Every
// case yields exactly one terminal outcome, including under cancellation.
func (r *Runner) Run(ctx context.Context, runID, suite string) error {
	cases, err := r.registry.Suite(suite)
	if err != nil {
		return err
	}

	ctx, span := r.tracer.Start(ctx, "suite.run", trace.WithAttributes(
		attribute.String("suite", suite),
		attribute.String("run_id", runID),
		attribute.Int("cases", len(cases)),
	))
	defer span.End()

	r.log.Infow("starting suite run",
		"run_id", runID,
		"suite", suite,
		"cases", len(cases),
		"concurrency", r.concurrency)

	work := make(chan types.TestCase)
	var wg sync.WaitGroup
	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tc := range work {
				outcome := r.runCase(ctx, runID, tc)
				if err := r.collector.Record(runID, outcome); err != nil {
					r.log.Errorw("failed to record outcome", "run_id", runID, "case", tc.ID, "err", err)
					metrics.RecordErrorDetails("record_outcome", err)
				}
				metrics.RecordOutcome(suite, outcome.Status)
				stats := r.pool.Stats()
				metrics.SetPoolStats(stats.Busy, stats.Idle)
			}
		}()
	}

	for _, tc := range cases {
		work <- tc
	}
	close(work)
	wg.Wait()

	r.log.Infow("suite run dispatched all cases", "run_id", runID, "suite", suite)
	return nil
}

// runCase executes one case to a terminal outcome, retrying once on a
// transient harness fault. Assertion failures are never retried.
func (r *Runner) runCase(ctx context.Context, runID string, tc types.TestCase) *types.Outcome {
	outcome := &types.Outcome{
		CaseID:   tc.ID,
		CaseName: tc.DisplayName(),
		Suite:    tc.Suite,
		Start:    time.Now(),
	}
	defer func() {
		outcome.Stop = time.Now()
		outcome.Duration = outcome.Stop.Sub(outcome.Start)
	}()

	ctx, span := r.tracer.Start(ctx, "case.run", trace.WithAttributes(
		attribute.String("case", tc.ID),
		attribute.String("suite", tc.Suite),
	))
	defer span.End()

	if tc.Requires != "" && os.Getenv(tc.Requires) == "" {
		outcome.Status = types.StatusSkipped
		outcome.Detail = &types.FailureDetail{
			Message: fmt.Sprintf("precondition not met: environment variable %s is unset", tc.Requires),
		}
		r.log.Infow("case skipped", "run_id", runID, "case", tc.ID, "requires", tc.Requires)
		return outcome
	}

	caseTimeout := r.caseTimeout
	if tc.Timeout != nil {
		caseTimeout = *tc.Timeout
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome.Attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, caseTimeout)
		artifact, err := r.executeAttempt(attemptCtx, runID, tc)
		cancel()

		if err == nil {
			outcome.Status = types.StatusPassed
			return outcome
		}

		switch {
		case IsAssertion(err):
			outcome.Status = types.StatusFailed
			outcome.Detail = &types.FailureDetail{Message: err.Error(), Artifact: artifact}
			r.log.Infow("case failed", "run_id", runID, "case", tc.ID, "err", err)
			return outcome

		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			outcome.Status = types.StatusErrored
			outcome.Detail = &types.FailureDetail{
				Message:  fmt.Sprintf("case timed out after %s", caseTimeout),
				Artifact: artifact,
			}
			r.log.Warnw("case timed out", "run_id", runID, "case", tc.ID, "timeout", caseTimeout)
			return outcome

		case ctx.Err() != nil:
			outcome.Status = types.StatusErrored
			outcome.Detail = &types.FailureDetail{Message: fmt.Sprintf("run canceled: %v", ctx.Err())}
			return outcome

		case IsTransient(err) && attempt < maxAttempts:
			r.log.Warnw("transient fault, retrying case",
				"run_id", runID, "case", tc.ID, "attempt", attempt, "err", err)
			continue

		default:
			outcome.Status = types.StatusErrored
			outcome.Detail = &types.FailureDetail{Message: err.Error(), Artifact: artifact}
			r.log.Warnw("case errored", "run_id", runID, "case", tc.ID, "err", err)
			return outcome
		}
	}
	return outcome
}

// executeAttempt borrows one session for the case's full lifetime, executes
// the steps strictly sequentially, and releases the session before
// returning. The returned artifact path references captured failure state,
// when available.
func (r *Runner) executeAttempt(ctx context.Context, runID string, tc types.TestCase) (artifact string, err error) {
	sess, err := r.pool.Acquire(ctx, tc.Suite)
	if err != nil {
		if errors.Is(err, session.ErrPoolExhausted) || errors.Is(err, session.ErrPoolClosed) {
			return "", err
		}
		// Session creation faults (driver unreachable mid-run) are transient.
		return "", &TransientError{Err: err}
	}

	healthy := true
	defer func() { r.pool.Release(sess, healthy) }()

	sc := &stepContext{browser: sess.Browser, httpClient: r.httpClient}
	for i, step := range tc.Steps {
		if ctx.Err() != nil {
			healthy = false
			return "", ctx.Err()
		}
		if stepErr := r.executeStep(ctx, sc, step); stepErr != nil {
			if !IsAssertion(stepErr) {
				// The browser may be wedged after a harness fault; do not
				// reuse the session.
				healthy = false
			}
			if tc.Suite == "ui" {
				artifact = r.captureArtifacts(runID, tc, sess.Browser)
			}
			return artifact, fmt.Errorf("step %d (%s): %w", i+1, step.Action, stepErr)
		}
	}
	return "", nil
}
