package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/alerting"
	"github.com/wehubfusion/Daedalus/internal/app"
	"github.com/wehubfusion/Daedalus/internal/cli"
	"github.com/wehubfusion/Daedalus/internal/logging"
	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitCode(err))
	}
}

func run(out io.Writer, args []string) error {
	cmd, shouldExit, err := cli.Parse(args, out)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}
	cfg := cmd.Config

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return &cli.ExitError{Code: cli.ExitConfiguration, Message: err.Error()}
	}
	defer logger.Sync()

	undo := concurrency.InitializeProcs(logger)
	defer undo()

	alerts, err := alerting.New(alerting.Config{
		DSN:         cfg.SentryDSN,
		Environment: os.Getenv("DAEDALUS_ENV"),
		Release:     version,
	}, logger)
	if err != nil {
		logger.Warn("Error reporting disabled", zap.Error(err))
		alerts, _ = alerting.New(alerting.Config{}, logger)
	}
	defer alerts.Flush(2 * time.Second)
	defer alerts.Recover()

	ctx := context.Background()

	shutdown, err := tracing.Setup(ctx, tracing.DefaultConfig(cfg.OTLPEndpoint), logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	} else {
		defer tracing.Stop(shutdown, logger)
	}

	logger.Debug("Configuration resolved",
		zap.String("command", cmd.Name),
		zap.Int("cpus", concurrency.GetEffectiveCPUs()),
		zap.Bool("kubernetes", cfg.IsKubernetes))

	a, err := app.New(out, cfg, logger, alerts)
	if err != nil {
		return err
	}

	switch cmd.Name {
	case cli.CommandSweep:
		_, err = a.Sweep(ctx, cmd.Workers)
	default:
		_, err = a.Run(ctx)
	}
	return err
}
