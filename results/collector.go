// Package results aggregates per-case outcomes into run records and
// persists them in the result format the external report tool consumes.
package results

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qa-infra/qa-acceptor/types"
)

var (
	// ErrUnknownRun is returned for operations on a run the collector has
	// never seen.
	ErrUnknownRun = errors.New("unknown run")
	// ErrDuplicateOutcome is returned when a second outcome arrives for the
	// same case ID within a run.
	ErrDuplicateOutcome = errors.New("duplicate outcome for case")
	// ErrRunFinalized is returned when an outcome arrives after finalize.
	ErrRunFinalized = errors.New("run already finalized")
	// ErrFinalizeTimeout is returned when the finalize deadline fires before
	// every expected outcome was recorded. The partial record is still
	// returned and persisted.
	ErrFinalizeTimeout = errors.New("finalize deadline exceeded with outcomes missing")
)

// PersistenceError wraps a failure to write result files to disk. Outcomes
// already recorded in memory are not lost.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist results: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Config configures a Collector.
type Config struct {
	Log *zap.SugaredLogger
	// BaseDir is the root under which per-suite result directories are
	// created (e.g. <base>/allure-results-<suite>).
	BaseDir string
}

type pendingRun struct {
	record    *types.RunRecord
	done      chan struct{} // closed when every expected outcome is recorded
	finalized bool
}

// Collector owns RunRecord mutation. All recording goes through its lock,
// so parallel case workers never share a mutable view of a run.
type Collector struct {
	log     *zap.SugaredLogger
	baseDir string

	mu   sync.Mutex
	runs map[string]*pendingRun
}

// New creates a Collector rooted at cfg.BaseDir.
func New(cfg Config) (*Collector, error) {
	if cfg.BaseDir == "" {
		return nil, errors.New("results base directory is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &Collector{
		log:     cfg.Log,
		baseDir: cfg.BaseDir,
		runs:    make(map[string]*pendingRun),
	}, nil
}

// StartRun registers a run expecting the given number of outcomes.
func (c *Collector) StartRun(runID, suite string, expected int) (*types.RunRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.runs[runID]; exists {
		return nil, fmt.Errorf("run %s already registered", runID)
	}
	record := &types.RunRecord{
		RunID:    runID,
		Suite:    suite,
		Start:    time.Now(),
		Expected: expected,
		Outcomes: make(map[string]*types.Outcome, expected),
	}
	pr := &pendingRun{record: record, done: make(chan struct{})}
	if expected == 0 {
		close(pr.done)
	}
	c.runs[runID] = pr
	return record, nil
}

// Record appends one outcome to the run. Safe for concurrent use by
// parallel case workers; outcomes are immutable once recorded.
func (c *Collector) Record(runID string, outcome *types.Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	pr, ok := c.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	if pr.finalized {
		return fmt.Errorf("%w: %s", ErrRunFinalized, runID)
	}
	if _, dup := pr.record.Outcomes[outcome.CaseID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateOutcome, outcome.CaseID)
	}
	pr.record.Outcomes[outcome.CaseID] = outcome
	if len(pr.record.Outcomes) == pr.record.Expected {
		close(pr.done)
	}
	return nil
}

// Stats returns the current outcome counts for a run; usable while the run
// is still in flight.
func (c *Collector) Stats(runID string) (types.Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pr, ok := c.runs[runID]
	if !ok {
		return types.Stats{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return pr.record.Stats(), nil
}

// Finalize blocks until every expected outcome is recorded or ctx expires,
// then marks the record immutable and persists it to the suite's result
// directory. The record is returned in every case; a persistence failure is
// reported as *PersistenceError, a deadline as ErrFinalizeTimeout (partial
// results are still flushed to disk so a later report covers them).
func (c *Collector) Finalize(ctx context.Context, runID string) (*types.RunRecord, error) {
	c.mu.Lock()
	pr, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}

	var timedOut bool
	select {
	case <-pr.done:
	case <-ctx.Done():
		timedOut = true
	}

	c.mu.Lock()
	pr.finalized = true
	pr.record.End = time.Now()
	record := pr.record
	c.mu.Unlock()

	if err := c.persist(record); err != nil {
		return record, &PersistenceError{Err: err}
	}
	if timedOut {
		c.log.Warnw("finalize deadline exceeded",
			"run_id", runID,
			"recorded", len(record.Outcomes),
			"expected", record.Expected)
		return record, ErrFinalizeTimeout
	}
	c.log.Infow("run finalized", "run_id", runID, "outcomes", len(record.Outcomes))
	return record, nil
}

// Forget drops the in-memory state for a finalized run. The persisted
// result files remain on disk.
func (c *Collector) Forget(runID string) {
	c.mu.Lock()
	delete(c.runs, runID)
	c.mu.Unlock()
}
