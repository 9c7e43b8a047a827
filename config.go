package acceptor

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/qa-infra/qa-acceptor/flags"
	"github.com/qa-infra/qa-acceptor/session"
)

// Config holds the application configuration
type Config struct {
	SuiteManifest   string        // Path to the suite manifest file
	DriverURL       string        // WebDriver endpoint the session pool dials
	ListenAddr      string        // Orchestration API listen address
	ReportsDir      string        // Root for results, reports, and artifacts
	BrowserName     string        // Browser requested in session capabilities
	Headless        bool          // Run browsers headless
	PoolCapacity    int           // Upper bound on concurrent browser sessions
	Concurrency     int           // Parallel case workers per run
	AcquireTimeout  time.Duration // Session acquisition wait bound
	StepTimeout     time.Duration // Per automation step
	CaseTimeout     time.Duration // Per test case attempt
	FinalizeTimeout time.Duration // Collector wait for all expected outcomes
	ReportTimeout   time.Duration // One report tool invocation
	ReportBinary    string        // Report generator executable
	RunInterval     time.Duration // Interval between scheduled runs (0 = disabled)
	RunOnce         bool          // Run every suite once and exit
	HistoryDB       string        // SQLite run history path
	SlackWebhook    string        // Incoming webhook for run notifications
	EndpointsFile   string        // Monitored endpoints file (optional)
	MetricsAddr     string        // Prometheus metrics listen address
	HealthzAddr     string        // Healthz listen address
	Log             *zap.SugaredLogger

	// SessionFactory overrides the WebDriver-backed factory; used by tests
	// to substitute a fake browser.
	SessionFactory session.Factory
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log *zap.SugaredLogger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	manifest, err := filepath.Abs(ctx.String(flags.SuiteManifest.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve suite manifest path: %w", err)
	}

	cfg := &Config{
		SuiteManifest:   manifest,
		DriverURL:       ctx.String(flags.DriverURL.Name),
		ListenAddr:      ctx.String(flags.ListenAddr.Name),
		ReportsDir:      ctx.String(flags.ReportsDir.Name),
		BrowserName:     ctx.String(flags.BrowserName.Name),
		Headless:        ctx.Bool(flags.Headless.Name),
		PoolCapacity:    ctx.Int(flags.PoolCapacity.Name),
		Concurrency:     ctx.Int(flags.Concurrency.Name),
		AcquireTimeout:  ctx.Duration(flags.AcquireTimeout.Name),
		StepTimeout:     ctx.Duration(flags.StepTimeout.Name),
		CaseTimeout:     ctx.Duration(flags.CaseTimeout.Name),
		FinalizeTimeout: ctx.Duration(flags.FinalizeTimeout.Name),
		ReportTimeout:   ctx.Duration(flags.ReportTimeout.Name),
		ReportBinary:    ctx.String(flags.ReportBinary.Name),
		RunInterval:     ctx.Duration(flags.RunInterval.Name),
		RunOnce:         ctx.Bool(flags.RunOnce.Name),
		HistoryDB:       ctx.String(flags.HistoryDB.Name),
		SlackWebhook:    ctx.String(flags.SlackWebhook.Name),
		EndpointsFile:   ctx.String(flags.EndpointsFile.Name),
		MetricsAddr:     ctx.String(flags.MetricsAddr.Name),
		HealthzAddr:     ctx.String(flags.HealthzAddr.Name),
		Log:             log,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.SuiteManifest == "" {
		return errors.New("suite manifest is required")
	}
	if c.DriverURL == "" && c.SessionFactory == nil {
		return errors.New("driver URL is required")
	}
	if c.PoolCapacity <= 0 {
		return fmt.Errorf("pool capacity must be positive, got %d", c.PoolCapacity)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.RunOnce && c.RunInterval > 0 {
		return errors.New("run-once and run-interval are mutually exclusive")
	}
	if c.Log == nil {
		c.Log = zap.NewNop().Sugar()
	}
	return nil
}

// ResultsBase returns the root directory for result files.
func (c *Config) ResultsBase() string {
	return c.ReportsDir
}

// ReportDir returns the report directory for one run.
func (c *Config) ReportDir(suite, runID string) string {
	return filepath.Join(c.ReportsDir, fmt.Sprintf("allure-report-%s", suite), runID)
}

// ArtifactDir returns the directory for failure artifacts.
func (c *Config) ArtifactDir() string {
	return filepath.Join(c.ReportsDir, "artifacts")
}
