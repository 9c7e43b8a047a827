// Package report invokes the external report tool against a result
// directory. The tool is an opaque collaborator; the adapter only runs it,
// captures its output, and serializes concurrent invocations per result
// directory.
package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// GenerationError reports a non-zero exit from the report tool, carrying
// its captured stderr.
type GenerationError struct {
	Stderr string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("report generation failed: %v", e.Err)
	}
	return fmt.Sprintf("report generation failed: %v: %s", e.Err, e.Stderr)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Config configures a Generator.
type Config struct {
	Log *zap.SugaredLogger
	// Binary is the report tool executable, e.g. "allure".
	Binary string
	// Timeout bounds one generation subprocess.
	Timeout time.Duration
}

type inflightCall struct {
	done chan struct{}
	err  error
}

// Generator runs the report tool. Invocations are single-flight per result
// directory: concurrent callers for the same directory share one
// subprocess, so a report directory is never rewritten while another
// generation for the same results is in progress. A file lock on the result
// directory additionally guards against a second orchestrator process.
type Generator struct {
	log     *zap.SugaredLogger
	binary  string
	timeout time.Duration

	mu       sync.Mutex
	inflight map[string]*inflightCall
}

// New creates a Generator.
func New(cfg Config) *Generator {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	if cfg.Binary == "" {
		cfg.Binary = "allure"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Generator{
		log:      cfg.Log,
		binary:   cfg.Binary,
		timeout:  cfg.Timeout,
		inflight: make(map[string]*inflightCall),
	}
}

// Generate produces reportDir from resultDir. Re-invoking with the same
// inputs deterministically overwrites the report (--clean). Returns a
// *GenerationError when the tool exits non-zero.
func (g *Generator) Generate(ctx context.Context, resultDir, reportDir string) error {
	key := filepath.Clean(resultDir)

	g.mu.Lock()
	if call, ok := g.inflight[key]; ok {
		g.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	call := &inflightCall{done: make(chan struct{})}
	g.inflight[key] = call
	g.mu.Unlock()

	call.err = g.run(ctx, resultDir, reportDir)
	close(call.done)

	g.mu.Lock()
	delete(g.inflight, key)
	g.mu.Unlock()
	return call.err
}

func (g *Generator) run(ctx context.Context, resultDir, reportDir string) error {
	lock := flock.New(filepath.Join(resultDir, ".report.lock"))
	locked, err := lock.TryLockContext(ctx, 250*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to lock result directory %s: %w", resultDir, err)
	}
	if !locked {
		return fmt.Errorf("result directory %s is locked by another process", resultDir)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			g.log.Warnw("failed to release report lock", "dir", resultDir, "err", err)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, g.binary, "generate", resultDir, "-o", reportDir, "--clean")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	g.log.Infow("generating report", "result_dir", resultDir, "report_dir", reportDir)
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &GenerationError{Stderr: stderr.String(), Err: fmt.Errorf("report tool timed out after %s", g.timeout)}
		}
		return &GenerationError{Stderr: stderr.String(), Err: err}
	}
	g.log.Infow("report generated", "report_dir", reportDir, "duration", time.Since(start))
	return nil
}
