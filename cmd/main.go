package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	acceptor "github.com/qa-infra/qa-acceptor"
	"github.com/qa-infra/qa-acceptor/api"
	"github.com/qa-infra/qa-acceptor/flags"
	"github.com/qa-infra/qa-acceptor/service"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	// Flag env vars may come from a local .env file.
	_ = godotenv.Load()

	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "qa-acceptor"
	app.Usage = "Browser Acceptance Test Orchestrator"
	app.Description = "qa-acceptor runs browser test suites against a WebDriver endpoint and serves Allure reports"
	app.Flags = flags.Flags
	app.Action = run
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			// Use the exit code from the ExitCoder
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			// Check for typed runtime errors
			if acceptor.IsRuntimeError(err) {
				// For runtime errors, use exit code 2
				cli.HandleExitCoder(cli.Exit(err.Error(), 2))
			} else if acceptor.IsTestFailureError(err) {
				// For test failures, use exit code 1
				cli.HandleExitCoder(cli.Exit(err.Error(), 1))
			} else {
				// For other unspecified errors, default to exit code 1
				cli.HandleExitCoder(cli.Exit(err.Error(), 1))
			}
		}
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "application failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	log, err := newLogger(ctx.String(flags.LogLevel.Name))
	if err != nil {
		return acceptor.NewRuntimeError(fmt.Errorf("failed to create logger: %w", err))
	}
	defer log.Sync() //nolint:errcheck

	cfg, err := acceptor.NewConfig(ctx, log)
	if err != nil {
		return acceptor.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}

	otelShutdown, err := otelconfig.ConfigureOpenTelemetry(
		otelconfig.WithServiceName(ctx.App.Name),
		otelconfig.WithServiceVersion(ctx.App.Version),
	)
	if err != nil {
		log.Warnw("telemetry disabled", "err", err)
	} else {
		defer otelShutdown()
	}

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := service.New(log, cfg.HealthzAddr, cfg.MetricsAddr)
	svc.Start(runCtx)
	defer svc.Shutdown()

	acc, err := acceptor.New(runCtx, cfg)
	if err != nil {
		return acceptor.NewRuntimeError(fmt.Errorf("failed to create acceptor: %w", err))
	}
	if err := acc.Start(runCtx); err != nil {
		return acceptor.NewRuntimeError(fmt.Errorf("failed to start acceptor: %w", err))
	}

	if cfg.RunOnce {
		runErr := acc.RunOnce(runCtx)
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := acc.Stop(stopCtx); err != nil {
			log.Warnw("acceptor shutdown failed", "err", err)
		}
		return runErr
	}

	server := api.NewServer(log, cfg.ListenAddr, acc)
	if err := server.Start(); err != nil {
		return acceptor.NewRuntimeError(fmt.Errorf("failed to start api server: %w", err))
	}
	log.Infow("qa-acceptor running", "api", server.Addr())

	<-runCtx.Done()
	log.Infow("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("api server shutdown failed", "err", err)
	}
	return acc.Stop(shutdownCtx)
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
