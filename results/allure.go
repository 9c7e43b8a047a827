package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/qa-infra/qa-acceptor/types"
)

// Allure result schema, one JSON file per test case. Only the fields the
// report generator reads are written.
const allureStageFinished = "finished"

type allureResult struct {
	UUID          string             `json:"uuid"`
	HistoryID     string             `json:"historyId"`
	Name          string             `json:"name"`
	FullName      string             `json:"fullName"`
	Status        string             `json:"status"`
	StatusDetails *allureDetails     `json:"statusDetails,omitempty"`
	Stage         string             `json:"stage"`
	Start         int64              `json:"start"`
	Stop          int64              `json:"stop"`
	Labels        []allureLabel      `json:"labels"`
	Attachments   []allureAttachment `json:"attachments,omitempty"`
}

type allureDetails struct {
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

type allureLabel struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type allureAttachment struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Type   string `json:"type"`
}

// allureStatus maps the harness status onto the report tool's vocabulary.
// A harness-level error is "broken" in Allure terms.
func allureStatus(s types.Status) string {
	switch s {
	case types.StatusPassed:
		return "passed"
	case types.StatusFailed:
		return "failed"
	case types.StatusSkipped:
		return "skipped"
	default:
		return "broken"
	}
}

// ResultDir returns the result directory for a suite.
func (c *Collector) ResultDir(suite string) string {
	return filepath.Join(c.baseDir, fmt.Sprintf("allure-results-%s", suite))
}

// persist writes one result file per outcome into the suite's result
// directory. Files from earlier runs of the same suite are removed first so
// the report always reflects exactly one run.
func (c *Collector) persist(record *types.RunRecord) error {
	dir := c.ResultDir(record.Suite)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear result directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create result directory %s: %w", dir, err)
	}

	for _, outcome := range record.Outcomes {
		if err := writeOutcome(dir, record, outcome); err != nil {
			return err
		}
	}
	return nil
}

func writeOutcome(dir string, record *types.RunRecord, outcome *types.Outcome) error {
	res := allureResult{
		UUID:      uuid.NewString(),
		HistoryID: fmt.Sprintf("%s::%s", outcome.Suite, outcome.CaseID),
		Name:      outcome.CaseName,
		FullName:  fmt.Sprintf("%s/%s", outcome.Suite, outcome.CaseID),
		Status:    allureStatus(outcome.Status),
		Stage:     allureStageFinished,
		Start:     outcome.Start.UnixMilli(),
		Stop:      outcome.Stop.UnixMilli(),
		Labels: []allureLabel{
			{Name: "suite", Value: outcome.Suite},
			{Name: "run", Value: record.RunID},
		},
	}
	if outcome.Detail != nil {
		res.StatusDetails = &allureDetails{
			Message: outcome.Detail.Message,
			Trace:   outcome.Detail.Trace,
		}
		if outcome.Detail.Artifact != "" {
			res.Attachments = append(res.Attachments, allureAttachment{
				Name:   "failure artifact",
				Source: outcome.Detail.Artifact,
				Type:   attachmentType(outcome.Detail.Artifact),
			})
		}
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result for case %s: %w", outcome.CaseID, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-result.json", res.UUID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write result file for case %s: %w", outcome.CaseID, err)
	}
	return nil
}

func attachmentType(path string) string {
	switch filepath.Ext(path) {
	case ".png":
		return "image/png"
	case ".html":
		return "text/html"
	default:
		return "text/plain"
	}
}
