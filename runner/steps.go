package runner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/acarl005/stripansi"

	"github.com/qa-infra/qa-acceptor/session"
	"github.com/qa-infra/qa-acceptor/types"
)

// stepContext carries per-attempt state between steps: the borrowed
// browser and the response of the most recent http_get, which the
// assert_status and assert_body steps inspect.
type stepContext struct {
	browser    session.Browser
	httpClient *http.Client
	lastStatus int
	lastBody   string
}

// executeStep runs one step with its timeout. Non-assertion failures are
// wrapped as transient faults so the case-level retry policy applies.
func (r *Runner) executeStep(ctx context.Context, sc *stepContext, step types.Step) error {
	timeout := r.stepTimeout
	if step.Timeout != nil {
		timeout = *step.Timeout
	}

	switch step.Action {
	case types.ActionWait:
		d, err := time.ParseDuration(step.Value)
		if err != nil {
			return fmt.Errorf("invalid wait duration %q: %w", step.Value, err)
		}
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case types.ActionHTTPGet:
		return sc.httpGet(ctx, os.ExpandEnv(step.Target), timeout)

	case types.ActionAssertStatus:
		want, err := strconv.Atoi(step.Value)
		if err != nil {
			return fmt.Errorf("invalid expected status %q: %w", step.Value, err)
		}
		if sc.lastStatus != want {
			return &AssertionError{Msg: fmt.Sprintf("expected status %d, got %d", want, sc.lastStatus)}
		}
		return nil

	case types.ActionAssertBody:
		if !strings.Contains(sc.lastBody, step.Value) {
			return &AssertionError{Msg: fmt.Sprintf("expected response body to contain %q", step.Value)}
		}
		return nil
	}

	// Browser-bound steps run in a goroutine so a wedged driver call cannot
	// block the worker past the step timeout.
	return r.runBrowserStep(ctx, timeout, func() error {
		return sc.browserStep(step)
	})
}

func (sc *stepContext) browserStep(step types.Step) error {
	switch step.Action {
	case types.ActionNavigate:
		return sc.browser.Navigate(os.ExpandEnv(step.Target))

	case types.ActionClick:
		return sc.browser.Click(step.Target)

	case types.ActionFill:
		return sc.browser.Fill(step.Target, os.ExpandEnv(step.Value))

	case types.ActionAssertTitle:
		title, err := sc.browser.Title()
		if err != nil {
			return err
		}
		if !strings.Contains(title, step.Value) {
			return &AssertionError{Msg: fmt.Sprintf("expected title to contain %q, got %q", step.Value, title)}
		}
		return nil

	case types.ActionAssertElement:
		present, err := sc.browser.Present(step.Target)
		if err != nil {
			return err
		}
		if !present {
			return &AssertionError{Msg: fmt.Sprintf("expected element %q to be present", step.Target)}
		}
		return nil

	case types.ActionAssertText:
		text, err := sc.browser.Text(step.Target)
		if err != nil {
			return err
		}
		if !strings.Contains(text, step.Value) {
			return &AssertionError{Msg: fmt.Sprintf("expected %q to contain %q, got %q", step.Target, step.Value, text)}
		}
		return nil

	default:
		return fmt.Errorf("unknown step action %q", step.Action)
	}
}

// runBrowserStep executes fn with a timeout. Assertion errors pass through
// unchanged; other failures become transient faults eligible for one retry.
func (r *Runner) runBrowserStep(ctx context.Context, timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		if err == nil || IsAssertion(err) {
			return err
		}
		return &TransientError{Err: err}
	case <-time.After(timeout):
		return &TransientError{Err: fmt.Errorf("step timed out after %s", timeout)}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// httpGet issues a GET with the step timeout and stashes status and body
// for subsequent assertion steps.
func (sc *stepContext) httpGet(ctx context.Context, url string, timeout time.Duration) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("invalid request URL %q: %w", url, err)
	}
	resp, err := sc.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Err: fmt.Errorf("GET %s: %w", url, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w", url, err)}
	}
	sc.lastStatus = resp.StatusCode
	sc.lastBody = string(body)
	return nil
}

// captureArtifacts saves a screenshot and the page source for a failed UI
// case. Returns the path of the primary artifact, or empty when nothing
// could be captured. Capture failures are logged, never fatal.
func (r *Runner) captureArtifacts(runID string, tc types.TestCase, browser session.Browser) string {
	if r.artifactDir == "" {
		return ""
	}
	dir := filepath.Join(r.artifactDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.log.Warnw("failed to create artifact directory", "dir", dir, "err", err)
		return ""
	}

	var primary string
	if shot, err := browser.Screenshot(); err == nil {
		path := filepath.Join(dir, tc.ID+".png")
		if err := os.WriteFile(path, shot, 0o644); err == nil {
			primary = path
		} else {
			r.log.Warnw("failed to write screenshot", "case", tc.ID, "err", err)
		}
	} else {
		r.log.Warnw("failed to capture screenshot", "case", tc.ID, "err", err)
	}

	if source, err := browser.PageSource(); err == nil {
		path := filepath.Join(dir, tc.ID+".html")
		if err := os.WriteFile(path, []byte(stripansi.Strip(source)), 0o644); err != nil {
			r.log.Warnw("failed to write page source", "case", tc.ID, "err", err)
		} else if primary == "" {
			primary = path
		}
	}
	return primary
}
