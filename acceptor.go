// Package acceptor coordinates suite runs: it drives the per-run state
// machine across the session pool, suite runner, result collector, and
// report generator, and exposes the operations the HTTP API serves.
package acceptor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qa-infra/qa-acceptor/metrics"
	"github.com/qa-infra/qa-acceptor/monitor"
	"github.com/qa-infra/qa-acceptor/notify"
	"github.com/qa-infra/qa-acceptor/registry"
	"github.com/qa-infra/qa-acceptor/report"
	"github.com/qa-infra/qa-acceptor/results"
	"github.com/qa-infra/qa-acceptor/runner"
	"github.com/qa-infra/qa-acceptor/session"
	"github.com/qa-infra/qa-acceptor/store"
	"github.com/qa-infra/qa-acceptor/types"
)

// runHandle tracks one run's state machine. State transitions are
// serialized behind the handle's mutex.
type runHandle struct {
	mu          sync.Mutex
	runID       string
	suite       string
	state       types.RunState
	degraded    bool
	canceled    bool
	cancel      context.CancelFunc
	record      *types.RunRecord
	reportDir   string
	reportReady bool
}

// Acceptor is the orchestration service. It is constructed explicitly,
// started once, and torn down with Stop; there is no ambient global state.
type Acceptor struct {
	config    *Config
	log       *zap.SugaredLogger
	registry  *registry.Registry
	pool      *session.Pool
	runner    *runner.Runner
	collector *results.Collector
	reporter  *report.Generator
	history   *store.Store
	notifier  *notify.Notifier
	monitor   *monitor.Monitor
	scheduler *scheduler

	baseCtx context.Context
	running atomic.Bool
	wg      sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*runHandle
	active map[string]string // suite -> runID of the non-terminal run
}

// New constructs the service and its collaborators. Nothing is started;
// call Start.
func New(ctx context.Context, config *Config) (*Acceptor, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	log := config.Log

	reg, err := registry.New(registry.Config{
		Log:          log,
		ManifestPath: config.SuiteManifest,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	factory := config.SessionFactory
	if factory == nil {
		factory = session.NewRemoteFactory(session.DriverConfig{
			URL:             config.DriverURL,
			BrowserName:     config.BrowserName,
			Headless:        config.Headless,
			PageLoadTimeout: config.StepTimeout,
		})
	}
	pool, err := session.NewPool(session.PoolConfig{
		Log:            log,
		Factory:        factory,
		Capacity:       config.PoolCapacity,
		AcquireTimeout: config.AcquireTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session pool: %w", err)
	}

	collector, err := results.New(results.Config{
		Log:     log,
		BaseDir: config.ResultsBase(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create result collector: %w", err)
	}

	testRunner, err := runner.New(runner.Config{
		Log:         log,
		Registry:    reg,
		Pool:        pool,
		Collector:   collector,
		Concurrency: config.Concurrency,
		StepTimeout: config.StepTimeout,
		CaseTimeout: config.CaseTimeout,
		ArtifactDir: config.ArtifactDir(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create test runner: %w", err)
	}

	history, err := store.New(config.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open run history: %w", err)
	}

	var mon *monitor.Monitor
	if config.EndpointsFile != "" {
		endpoints, err := monitor.LoadEndpoints(config.EndpointsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load monitored endpoints: %w", err)
		}
		mon = monitor.New(log, endpoints)
	}

	a := &Acceptor{
		config:    config,
		log:       log,
		registry:  reg,
		pool:      pool,
		runner:    testRunner,
		collector: collector,
		reporter: report.New(report.Config{
			Log:     log,
			Binary:  config.ReportBinary,
			Timeout: config.ReportTimeout,
		}),
		history:  history,
		notifier: notify.New(log, config.SlackWebhook),
		monitor:  mon,
		baseCtx:  ctx,
		runs:     make(map[string]*runHandle),
		active:   make(map[string]string),
	}
	if config.RunInterval > 0 {
		a.scheduler = newScheduler(config.RunInterval, log)
	}
	log.Infow("acceptor created", "suites", reg.Suites(), "pool_capacity", config.PoolCapacity)
	return a, nil
}

// Start makes the service accept runs and, when configured, begins the
// periodic schedule.
func (a *Acceptor) Start(ctx context.Context) error {
	a.baseCtx = ctx
	a.running.Store(true)

	if a.scheduler != nil {
		a.scheduler.registerCallback(func() {
			for _, suite := range a.registry.Suites() {
				if _, err := a.StartRun(ctx, suite); err != nil {
					if !errors.Is(err, ErrRunAlreadyInProgress) {
						a.log.Errorw("scheduled run failed to start", "suite", suite, "err", err)
					}
				}
			}
		})
		a.scheduler.start(ctx)
	}
	a.log.Infow("acceptor started", "scheduled", a.scheduler != nil)
	return nil
}

// RunOnce executes every discovered suite once and blocks until all runs
// reach a terminal state. It returns a TestFailureError when any case
// failed or errored, and a RuntimeError when a run could not be executed,
// so the process exit code reflects the result.
func (a *Acceptor) RunOnce(ctx context.Context) error {
	var failures []string
	for _, suite := range a.registry.Suites() {
		runID, err := a.StartRun(ctx, suite)
		if err != nil {
			return NewRuntimeError(fmt.Errorf("failed to start run for suite %s: %w", suite, err))
		}
		status, err := a.WaitForRun(ctx, runID)
		if err != nil {
			return NewRuntimeError(fmt.Errorf("failed waiting for suite %s: %w", suite, err))
		}
		a.log.Infow("run-once suite finished", "suite", suite, "status", status)
		if status.Failed > 0 || status.Errored > 0 {
			failures = append(failures,
				fmt.Sprintf("%s (failed: %d, errored: %d)", suite, status.Failed, status.Errored))
		}
	}
	if len(failures) > 0 {
		return NewTestFailureError(strings.Join(failures, "; "))
	}
	return nil
}

// Stop cancels in-flight runs, waits for them to reach a terminal state,
// and releases the pool and history store.
func (a *Acceptor) Stop(ctx context.Context) error {
	if !a.running.Load() {
		return nil
	}
	a.running.Store(false)
	if a.scheduler != nil {
		a.scheduler.stop()
	}

	a.mu.Lock()
	for _, h := range a.runs {
		h.mu.Lock()
		if !h.state.Terminal() && h.cancel != nil {
			h.canceled = true
			h.cancel()
		}
		h.mu.Unlock()
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warnw("timed out waiting for runs to finish", "err", ctx.Err())
	}

	a.pool.Close()
	if err := a.history.Close(); err != nil {
		a.log.Warnw("failed to close run history", "err", err)
	}
	a.log.Infow("acceptor stopped")
	return nil
}

// Stopped reports whether the service has been stopped.
func (a *Acceptor) Stopped() bool {
	return !a.running.Load()
}

// StartRun accepts a new run for the suite. It fails with
// ErrRunAlreadyInProgress while the suite has a non-terminal run.
func (a *Acceptor) StartRun(ctx context.Context, suite string) (string, error) {
	if !a.running.Load() {
		return "", errors.New("acceptor is not running")
	}
	cases, err := a.registry.Suite(suite)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	if runID, busy := a.active[suite]; busy {
		a.mu.Unlock()
		return "", fmt.Errorf("%w (run %s)", ErrRunAlreadyInProgress, runID)
	}
	runID := uuid.NewString()
	h := &runHandle{
		runID: runID,
		suite: suite,
		state: types.RunStatePending,
	}
	a.runs[runID] = h
	a.active[suite] = runID
	a.mu.Unlock()

	if _, err := a.collector.StartRun(runID, suite, len(cases)); err != nil {
		a.mu.Lock()
		delete(a.runs, runID)
		delete(a.active, suite)
		a.mu.Unlock()
		return "", fmt.Errorf("failed to register run: %w", err)
	}

	a.log.Infow("run accepted", "run_id", runID, "suite", suite, "cases", len(cases))
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.executeRun(h)
	}()
	return runID, nil
}

// executeRun drives one run through its state machine to a terminal state.
// Aborted runs still persist collected outcomes and attempt best-effort
// report generation over the partial result set.
func (a *Acceptor) executeRun(h *runHandle) {
	runCtx, cancel := context.WithCancel(a.baseCtx)
	defer cancel()
	h.mu.Lock()
	h.cancel = cancel
	canceledEarly := h.canceled
	h.mu.Unlock()
	if canceledEarly {
		cancel()
	}

	a.transition(h, types.RunStateRunning)
	if err := a.runner.Run(runCtx, h.runID, h.suite); err != nil {
		a.log.Errorw("runner failed", "run_id", h.runID, "err", err)
		a.setDegraded(h)
	}

	a.transition(h, types.RunStateCollecting)
	// Finalize uses its own deadline so a canceled run still flushes the
	// outcomes collected so far.
	finalizeCtx, fcancel := context.WithTimeout(context.Background(), a.config.FinalizeTimeout)
	record, ferr := a.collector.Finalize(finalizeCtx, h.runID)
	fcancel()

	aborted := false
	switch {
	case ferr == nil:
	case errors.Is(ferr, results.ErrFinalizeTimeout):
		a.log.Warnw("finalize deadline exceeded", "run_id", h.runID)
		a.setDegraded(h)
		aborted = true
	default:
		var perr *results.PersistenceError
		if errors.As(ferr, &perr) {
			a.log.Errorw("failed to persist results", "run_id", h.runID, "err", ferr)
			metrics.RecordErrorDetails("persist_results", ferr)
		} else {
			a.log.Errorw("finalize failed", "run_id", h.runID, "err", ferr)
		}
		a.setDegraded(h)
	}

	h.mu.Lock()
	h.record = record
	canceled := h.canceled
	h.mu.Unlock()
	if canceled || runCtx.Err() != nil {
		aborted = true
	}

	a.transition(h, types.RunStateReporting)
	if record != nil {
		reportDir := a.config.ReportDir(h.suite, h.runID)
		reportCtx, rcancel := context.WithTimeout(context.Background(), a.config.ReportTimeout)
		rerr := a.reporter.Generate(reportCtx, a.collector.ResultDir(h.suite), reportDir)
		rcancel()
		if rerr != nil {
			a.log.Errorw("report generation failed", "run_id", h.runID, "err", rerr)
			metrics.RecordReportFailure()
			a.setDegraded(h)
		} else {
			h.mu.Lock()
			h.reportDir = reportDir
			h.reportReady = true
			h.mu.Unlock()
		}
	}

	terminal := types.RunStateDone
	if aborted {
		terminal = types.RunStateAborted
	}
	a.transition(h, terminal)
	a.clearActive(h)

	if record != nil {
		if err := a.history.SaveRun(record, terminal, a.isDegraded(h)); err != nil {
			a.log.Errorw("failed to save run history", "run_id", h.runID, "err", err)
			metrics.RecordErrorDetails("save_run_history", err)
		}
		metrics.RecordRun(h.suite, terminal, record.End.Sub(record.Start))
		a.printResultsTable(record, terminal)
		a.notifier.NotifyRun(context.Background(), record, terminal,
			fmt.Sprintf("/runs/%s/report", h.runID))
	}
	a.collector.Forget(h.runID)
	a.log.Infow("run finished", "run_id", h.runID, "suite", h.suite, "state", terminal)
}

// transition moves the run to the next state, enforcing the allowed
// transition table. Transitions into an already-terminal state are ignored.
func (a *Acceptor) transition(h *runHandle, next types.RunState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return
	}
	state, err := h.state.Transition(next)
	if err != nil {
		a.log.Errorw("refusing state transition", "run_id", h.runID, "err", err)
		return
	}
	h.state = state
	a.log.Debugw("run state", "run_id", h.runID, "state", state)
}

func (a *Acceptor) setDegraded(h *runHandle) {
	h.mu.Lock()
	h.degraded = true
	h.mu.Unlock()
}

func (a *Acceptor) isDegraded(h *runHandle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

func (a *Acceptor) clearActive(h *runHandle) {
	a.mu.Lock()
	if a.active[h.suite] == h.runID {
		delete(a.active, h.suite)
	}
	a.mu.Unlock()
}

func (a *Acceptor) handle(runID string) (*runHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return h, nil
}

// Status returns the run's state and current outcome counts. Usable while
// the run is still in flight.
func (a *Acceptor) Status(runID string) (types.RunStatus, error) {
	h, err := a.handle(runID)
	if err != nil {
		return types.RunStatus{}, err
	}
	h.mu.Lock()
	status := types.RunStatus{
		RunID:    h.runID,
		Suite:    h.suite,
		State:    h.state,
		Degraded: h.degraded,
	}
	record := h.record
	h.mu.Unlock()

	if record != nil {
		status.Stats = record.Stats()
	} else if stats, err := a.collector.Stats(runID); err == nil {
		status.Stats = stats
	}
	return status, nil
}

// ReportDir returns the generated report directory for a terminal run, or
// ErrReportNotReady.
func (a *Acceptor) ReportDir(runID string) (string, error) {
	h, err := a.handle(runID)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.state.Terminal() || !h.reportReady {
		return "", fmt.Errorf("%w: run %s is %s", ErrReportNotReady, runID, h.state)
	}
	return h.reportDir, nil
}

// Cancel aborts an in-flight run. In-flight cases stop at their next
// suspension point; collected outcomes are persisted and a best-effort
// report is generated over the partial set.
func (a *Acceptor) Cancel(runID string) error {
	h, err := a.handle(runID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunTerminal, runID)
	}
	h.canceled = true
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.log.Infow("run cancel requested", "run_id", runID)
	return nil
}

// Suites lists the discovered suite names.
func (a *Acceptor) Suites() []string {
	return a.registry.Suites()
}

// RecentRuns returns run history, newest first.
func (a *Acceptor) RecentRuns(limit int) ([]store.RunSummary, error) {
	return a.history.RecentRuns(limit)
}

// Summary aggregates stored outcome counts per suite.
func (a *Acceptor) Summary() ([]store.SuiteTotals, error) {
	return a.history.Summary()
}

// CheckEndpoints probes the monitored endpoints. Returns nil when no
// endpoints file was configured.
func (a *Acceptor) CheckEndpoints(ctx context.Context) []monitor.Result {
	if a.monitor == nil {
		return nil
	}
	return a.monitor.CheckAll(ctx)
}

// WaitForRun blocks until the run reaches a terminal state or ctx expires.
// Used by RunOnce and by tests.
func (a *Acceptor) WaitForRun(ctx context.Context, runID string) (types.RunStatus, error) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		status, err := a.Status(runID)
		if err != nil {
			return types.RunStatus{}, err
		}
		if status.State.Terminal() {
			return status, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return status, ctx.Err()
		}
	}
}
