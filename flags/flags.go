package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "QA_ACCEPTOR"

func prefixEnvVars(name string) []string {
	return []string{EnvVarPrefix + "_" + name}
}

var (
	SuiteManifest = &cli.StringFlag{
		Name:     "suites",
		Value:    "suites.yaml",
		Required: true,
		EnvVars:  prefixEnvVars("SUITES"),
		Usage:    "Path to the suite manifest file (eg. 'suites.yaml')",
	}
	DriverURL = &cli.StringFlag{
		Name:     "driver-url",
		Required: true,
		EnvVars:  prefixEnvVars("DRIVER_URL"),
		Usage:    "URL of the already-running WebDriver endpoint (eg. 'http://localhost:9515')",
	}
	ListenAddr = &cli.StringFlag{
		Name:    "listen-addr",
		Value:   "0.0.0.0:8000",
		EnvVars: prefixEnvVars("LISTEN_ADDR"),
		Usage:   "Address the orchestration HTTP API listens on",
	}
	ReportsDir = &cli.StringFlag{
		Name:    "reports-dir",
		Value:   "reports",
		EnvVars: prefixEnvVars("REPORTS_DIR"),
		Usage:   "Directory for result files, generated reports, and failure artifacts",
	}
	BrowserName = &cli.StringFlag{
		Name:    "browser",
		Value:   "chrome",
		EnvVars: prefixEnvVars("BROWSER"),
		Usage:   "Browser name requested in session capabilities",
	}
	Headless = &cli.BoolFlag{
		Name:    "headless",
		Value:   true,
		EnvVars: prefixEnvVars("HEADLESS"),
		Usage:   "Run browser sessions headless",
	}
	PoolCapacity = &cli.IntFlag{
		Name:    "pool-capacity",
		Value:   4,
		EnvVars: prefixEnvVars("POOL_CAPACITY"),
		Usage:   "Maximum number of concurrent browser sessions",
	}
	Concurrency = &cli.IntFlag{
		Name:    "concurrency",
		Value:   4,
		EnvVars: prefixEnvVars("CONCURRENCY"),
		Usage:   "Number of test cases executed in parallel per run",
	}
	AcquireTimeout = &cli.DurationFlag{
		Name:    "acquire-timeout",
		Value:   30 * time.Second,
		EnvVars: prefixEnvVars("ACQUIRE_TIMEOUT"),
		Usage:   "How long a case waits for a session before erroring",
	}
	StepTimeout = &cli.DurationFlag{
		Name:    "step-timeout",
		Value:   30 * time.Second,
		EnvVars: prefixEnvVars("STEP_TIMEOUT"),
		Usage:   "Timeout for a single automation step",
	}
	CaseTimeout = &cli.DurationFlag{
		Name:    "case-timeout",
		Value:   5 * time.Minute,
		EnvVars: prefixEnvVars("CASE_TIMEOUT"),
		Usage:   "Timeout for a single test case attempt",
	}
	FinalizeTimeout = &cli.DurationFlag{
		Name:    "finalize-timeout",
		Value:   10 * time.Minute,
		EnvVars: prefixEnvVars("FINALIZE_TIMEOUT"),
		Usage:   "How long finalize waits for all expected outcomes",
	}
	ReportTimeout = &cli.DurationFlag{
		Name:    "report-timeout",
		Value:   5 * time.Minute,
		EnvVars: prefixEnvVars("REPORT_TIMEOUT"),
		Usage:   "Timeout for one report tool invocation",
	}
	ReportBinary = &cli.StringFlag{
		Name:    "report-binary",
		Value:   "allure",
		EnvVars: prefixEnvVars("REPORT_BINARY"),
		Usage:   "Path to the report generator executable",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: prefixEnvVars("RUN_INTERVAL"),
		Usage:   "Interval between scheduled runs of every suite (e.g. '1h'). 0 disables scheduling.",
	}
	RunOnce = &cli.BoolFlag{
		Name:    "run-once",
		Value:   false,
		EnvVars: prefixEnvVars("RUN_ONCE"),
		Usage:   "Run every suite once and exit; the exit code reflects the test result",
	}
	HistoryDB = &cli.StringFlag{
		Name:    "history-db",
		Value:   "qa-acceptor.db",
		EnvVars: prefixEnvVars("HISTORY_DB"),
		Usage:   "Path to the SQLite run history database",
	}
	SlackWebhook = &cli.StringFlag{
		Name:    "slack-webhook",
		Value:   "",
		EnvVars: prefixEnvVars("SLACK_WEBHOOK"),
		Usage:   "Slack incoming webhook URL for run notifications (empty disables)",
	}
	EndpointsFile = &cli.StringFlag{
		Name:    "endpoints",
		Value:   "",
		EnvVars: prefixEnvVars("ENDPOINTS"),
		Usage:   "Path to the monitored endpoints file (empty disables health checks)",
	}
	MetricsAddr = &cli.StringFlag{
		Name:    "metrics-addr",
		Value:   "0.0.0.0:7300",
		EnvVars: prefixEnvVars("METRICS_ADDR"),
		Usage:   "Address the Prometheus metrics server listens on",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz-addr",
		Value:   "0.0.0.0:8080",
		EnvVars: prefixEnvVars("HEALTHZ_ADDR"),
		Usage:   "Address the healthz server listens on",
	}
	LogLevel = &cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		EnvVars: prefixEnvVars("LOG_LEVEL"),
		Usage:   "Log level (debug, info, warn, error)",
	}
)

var requiredFlags = []cli.Flag{
	SuiteManifest,
	DriverURL,
}

var optionalFlags = []cli.Flag{
	ListenAddr,
	ReportsDir,
	BrowserName,
	Headless,
	PoolCapacity,
	Concurrency,
	AcquireTimeout,
	StepTimeout,
	CaseTimeout,
	FinalizeTimeout,
	ReportTimeout,
	ReportBinary,
	RunInterval,
	RunOnce,
	HistoryDB,
	SlackWebhook,
	EndpointsFile,
	MetricsAddr,
	HealthzAddr,
	LogLevel,
}

var Flags []cli.Flag

func init() {
	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
