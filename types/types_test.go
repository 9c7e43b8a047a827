package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func record(statuses ...Status) *RunRecord {
	r := &RunRecord{
		RunID:    "run-1",
		Suite:    "smoke",
		Expected: len(statuses),
		Outcomes: make(map[string]*Outcome, len(statuses)),
	}
	for i, s := range statuses {
		id := string(rune('a' + i))
		r.Outcomes[id] = &Outcome{CaseID: id, Suite: "smoke", Status: s}
	}
	return r
}

func TestRunRecord_OverallStatus(t *testing.T) {
	assert.Equal(t, StatusPassed, record(StatusPassed, StatusPassed).OverallStatus())
	assert.Equal(t, StatusFailed, record(StatusPassed, StatusFailed).OverallStatus())
	assert.Equal(t, StatusFailed, record(StatusPassed, StatusErrored).OverallStatus())
	assert.Equal(t, StatusSkipped, record(StatusSkipped, StatusSkipped).OverallStatus())
	assert.Equal(t, StatusPassed, record(StatusPassed, StatusSkipped).OverallStatus())
	assert.Equal(t, StatusSkipped, record().OverallStatus())
}

func TestRunRecord_Stats(t *testing.T) {
	stats := record(StatusPassed, StatusFailed, StatusErrored, StatusSkipped, StatusPassed).Stats()
	assert.Equal(t, Stats{Total: 5, Passed: 2, Failed: 1, Errored: 1, Skipped: 1}, stats)
}

func TestRunRecord_Complete(t *testing.T) {
	r := record(StatusPassed)
	r.Expected = 2
	assert.False(t, r.Complete())
	r.Outcomes["b"] = &Outcome{CaseID: "b", Status: StatusFailed}
	assert.True(t, r.Complete())
}

func TestTestCase_DisplayName(t *testing.T) {
	assert.Equal(t, "Login works", TestCase{ID: "login", Name: "Login works"}.DisplayName())
	assert.Equal(t, "login", TestCase{ID: "login"}.DisplayName())
}

func TestIsKnownAction(t *testing.T) {
	for _, a := range KnownActions {
		assert.True(t, IsKnownAction(a))
	}
	assert.False(t, IsKnownAction("teleport"))
}
