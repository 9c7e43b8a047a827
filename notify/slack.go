// Package notify posts run summaries to a Slack incoming webhook.
// Notification failures are logged and never affect a run's outcome.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/qa-infra/qa-acceptor/types"
)

// Notifier sends run summaries. A Notifier with an empty webhook URL is
// valid and does nothing.
type Notifier struct {
	log        *zap.SugaredLogger
	webhookURL string
	client     *http.Client
}

// New creates a Notifier. Pass an empty webhookURL to disable notification.
func New(log *zap.SugaredLogger, webhookURL string) *Notifier {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Notifier{
		log:        log,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool {
	return n.webhookURL != ""
}

type slackMessage struct {
	Text string `json:"text"`
}

// NotifyRun posts a summary of a terminal run.
func (n *Notifier) NotifyRun(ctx context.Context, record *types.RunRecord, state types.RunState, reportURL string) {
	if !n.Enabled() {
		return
	}
	stats := record.Stats()
	icon := ":white_check_mark:"
	if stats.Failed > 0 || stats.Errored > 0 || state == types.RunStateAborted {
		icon = ":x:"
	}
	text := fmt.Sprintf("%s *%s* suite run `%s` finished (%s)\n"+
		"total: %d | passed: %d | failed: %d | errored: %d | skipped: %d | duration: %s",
		icon, record.Suite, record.RunID, state,
		stats.Total, stats.Passed, stats.Failed, stats.Errored, stats.Skipped,
		record.End.Sub(record.Start).Round(time.Millisecond))
	if reportURL != "" {
		text += fmt.Sprintf("\nreport: %s", reportURL)
	}

	payload, err := json.Marshal(slackMessage{Text: text})
	if err != nil {
		n.log.Warnw("failed to marshal slack message", "err", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		n.log.Warnw("failed to build slack request", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warnw("failed to send slack notification", "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		n.log.Warnw("slack webhook rejected notification", "status", resp.StatusCode)
	}
}
