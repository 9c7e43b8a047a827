package types

import (
	"fmt"
	"time"
)

// Status represents the terminal result of a single test case execution.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusErrored Status = "errored"
	StatusSkipped Status = "skipped"
)

// StepAction identifies what a step does. The orchestration layer treats
// steps as opaque; only the runner's step executor interprets them.
type StepAction string

const (
	ActionNavigate      StepAction = "navigate"
	ActionClick         StepAction = "click"
	ActionFill          StepAction = "fill"
	ActionWait          StepAction = "wait"
	ActionAssertTitle   StepAction = "assert_title"
	ActionAssertElement StepAction = "assert_element"
	ActionAssertText    StepAction = "assert_text"
	ActionHTTPGet       StepAction = "http_get"
	ActionAssertStatus  StepAction = "assert_status"
	ActionAssertBody    StepAction = "assert_body"
)

// KnownActions lists every step action the runner can execute.
var KnownActions = []StepAction{
	ActionNavigate,
	ActionClick,
	ActionFill,
	ActionWait,
	ActionAssertTitle,
	ActionAssertElement,
	ActionAssertText,
	ActionHTTPGet,
	ActionAssertStatus,
	ActionAssertBody,
}

// IsKnownAction reports whether the action is one the runner understands.
func IsKnownAction(a StepAction) bool {
	for _, known := range KnownActions {
		if a == known {
			return true
		}
	}
	return false
}

// Step is a single instruction within a test case. Target is a URL for
// navigate/http_get and a CSS selector for element actions. Value carries
// input text or the expected value for assertions.
type Step struct {
	Action  StepAction     `yaml:"action"`
	Target  string         `yaml:"target,omitempty"`
	Value   string         `yaml:"value,omitempty"`
	Timeout *time.Duration `yaml:"timeout,omitempty"`
}

// TestCase is one discovered case within a suite. Cases are created at
// discovery time and never mutated afterwards.
type TestCase struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name,omitempty"`
	Description string         `yaml:"description,omitempty"`
	Suite       string         `yaml:"-"`
	Requires    string         `yaml:"requires,omitempty"`
	Steps       []Step         `yaml:"steps"`
	Timeout     *time.Duration `yaml:"timeout,omitempty"`
}

// DisplayName returns the case name, falling back to the ID.
func (tc TestCase) DisplayName() string {
	if tc.Name != "" {
		return tc.Name
	}
	return tc.ID
}

// FailureDetail captures why a case did not pass.
type FailureDetail struct {
	Message  string `json:"message"`
	Trace    string `json:"trace,omitempty"`
	Artifact string `json:"artifact,omitempty"` // path to a captured screenshot or page source
}

// Outcome is the immutable result of executing one test case once
// (including its retry attempts). Owned by the result collector after
// being recorded.
type Outcome struct {
	CaseID   string         `json:"caseId"`
	CaseName string         `json:"caseName"`
	Suite    string         `json:"suite"`
	Status   Status         `json:"status"`
	Start    time.Time      `json:"start"`
	Stop     time.Time      `json:"stop"`
	Duration time.Duration  `json:"duration"`
	Attempts int            `json:"attempts"`
	Detail   *FailureDetail `json:"detail,omitempty"`
}

// Stats aggregates outcome counts for a run.
type Stats struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errored int `json:"errored"`
	Skipped int `json:"skipped"`
}

// Add updates the counts with one outcome status.
func (s *Stats) Add(status Status) {
	s.Total++
	switch status {
	case StatusPassed:
		s.Passed++
	case StatusFailed:
		s.Failed++
	case StatusErrored:
		s.Errored++
	case StatusSkipped:
		s.Skipped++
	}
}

// RunRecord is the aggregate result of one suite invocation. Outcomes are
// keyed by case ID; keys are unique within a run.
type RunRecord struct {
	RunID    string              `json:"runId"`
	Suite    string              `json:"suite"`
	Start    time.Time           `json:"start"`
	End      time.Time           `json:"end"`
	Expected int                 `json:"expected"`
	Outcomes map[string]*Outcome `json:"outcomes"`
}

// Stats returns the per-status counts of the recorded outcomes.
func (r *RunRecord) Stats() Stats {
	var s Stats
	for _, o := range r.Outcomes {
		s.Add(o.Status)
	}
	return s
}

// OverallStatus derives the run status from its outcomes: failed if any
// case failed or errored, skipped if every case was skipped, passed
// otherwise.
func (r *RunRecord) OverallStatus() Status {
	if len(r.Outcomes) == 0 {
		return StatusSkipped
	}
	allSkipped := true
	for _, o := range r.Outcomes {
		switch o.Status {
		case StatusFailed, StatusErrored:
			return StatusFailed
		case StatusSkipped:
		default:
			allSkipped = false
		}
	}
	if allSkipped {
		return StatusSkipped
	}
	return StatusPassed
}

// Complete reports whether every expected case has a terminal outcome.
func (r *RunRecord) Complete() bool {
	return len(r.Outcomes) >= r.Expected
}

// RunStatus is the externally visible view of a run, served by the API.
type RunStatus struct {
	RunID    string   `json:"runId"`
	Suite    string   `json:"suite"`
	State    RunState `json:"state"`
	Degraded bool     `json:"degraded"`
	Stats
}

// String implements fmt.Stringer for log output.
func (s RunStatus) String() string {
	return fmt.Sprintf("%s/%s state=%s total=%d passed=%d failed=%d errored=%d skipped=%d",
		s.Suite, s.RunID, s.State, s.Total, s.Passed, s.Failed, s.Errored, s.Skipped)
}
