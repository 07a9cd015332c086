// Package app wires configuration, the item processor, the results store and
// reporting into the run and sweep commands.
package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/alerting"
	"github.com/wehubfusion/Daedalus/internal/config"
	natsconn "github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/pkg/aggregate"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/imaging"
	"github.com/wehubfusion/Daedalus/pkg/orchestrator"
	"github.com/wehubfusion/Daedalus/pkg/pool"
	"github.com/wehubfusion/Daedalus/pkg/report"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// App runs commands against one resolved configuration.
type App struct {
	out       io.Writer
	cfg       *config.Config
	logger    *zap.Logger
	alerts    *alerting.Reporter
	processor pool.ItemProcessor
	uploader  report.Uploader
}

// Option configures an App.
type Option func(*App)

// WithProcessor replaces the watermarking processor.
func WithProcessor(p pool.ItemProcessor) Option {
	return func(a *App) { a.processor = p }
}

// WithUploader replaces the blob uploader selected by the configuration.
func WithUploader(u report.Uploader) Option {
	return func(a *App) { a.uploader = u }
}

// New builds an App. Summaries and tables are written to out.
func New(out io.Writer, cfg *config.Config, logger *zap.Logger, alerts *alerting.Reporter, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{out: out, cfg: cfg, logger: logger, alerts: alerts}
	for _, opt := range opts {
		opt(a)
	}

	if a.processor == nil {
		wm, err := imaging.NewWatermarker(cfg.Watermark, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create watermarker: %w", err)
		}
		a.processor = wm
	}
	if a.uploader == nil && cfg.BlobContainer != "" {
		up, err := report.NewBlobUploader(cfg.BlobConnection, cfg.BlobContainer, cfg.BlobPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob uploader: %w", err)
		}
		a.uploader = up
	}
	return a, nil
}

func (a *App) newOrchestrator() (*orchestrator.Orchestrator, error) {
	enumerator := task.NewDirEnumerator(a.cfg.OutputRoot(), a.cfg.Extensions, a.logger)

	var opts []orchestrator.Option
	if a.cfg.NATSURL != "" {
		url, bucket := a.cfg.NATSURL, a.cfg.NATSBucket
		opts = append(opts, orchestrator.WithStoreFactory(func(ctx context.Context, runID string) (store.Store, error) {
			conn := natsconn.DefaultConnectionConfig(url)
			if bucket != "" {
				conn.Bucket = bucket
			}
			return store.NewNATSStore(ctx, conn, runID, a.logger)
		}))
	}

	return orchestrator.New(enumerator, a.processor, a.logger, opts...)
}

// Run executes one run in the configured mode, prints its summary and
// persists the report. The returned error is the run's fatal error, if any,
// or a failure to persist the report.
func (a *App) Run(ctx context.Context) (*orchestrator.Result, error) {
	orch, err := a.newOrchestrator()
	if err != nil {
		return nil, err
	}

	nodes, workers := a.cfg.Effective()
	a.logger.Info("Starting run",
		zap.String("mode", string(a.cfg.Mode)),
		zap.String("input", a.cfg.Input),
		zap.String("output", a.cfg.OutputRoot()),
		zap.Int("nodes", nodes),
		zap.Int("workersPerNode", workers))

	res, runErr := orch.Run(ctx, orchestrator.Options{
		InputRoot:      a.cfg.Input,
		Nodes:          nodes,
		WorkersPerNode: workers,
		Policy:         a.cfg.Policy,
		Baseline:       a.cfg.Baseline,
	})
	if runErr != nil {
		tags := map[string]string{"mode": string(a.cfg.Mode)}
		if res != nil {
			tags["run_id"] = res.RunID
		}
		a.alerts.CaptureError(runErr, tags)
	}
	if res == nil {
		return nil, runErr
	}

	if err := report.WriteText(a.out, res); err != nil {
		a.logger.Warn("Failed to print summary", zap.Error(err))
	}
	if err := a.persist(ctx, res); err != nil && runErr == nil {
		return res, err
	}
	return res, runErr
}

func (a *App) persist(ctx context.Context, res *orchestrator.Result) error {
	doc := report.NewDocument(res)

	if a.cfg.ReportPath != "" {
		if err := report.WriteJSONFile(a.cfg.ReportPath, doc); err != nil {
			a.logger.Error("Failed to write report", zap.String("path", a.cfg.ReportPath), zap.Error(err))
			return err
		}
		a.logger.Info("Wrote report", zap.String("path", a.cfg.ReportPath))
	}

	if a.uploader != nil {
		url, err := report.Publish(ctx, a.uploader, doc)
		if err != nil {
			return err
		}
		a.logger.Info("Published report", zap.String("url", url))
	}
	return nil
}

// Sweep runs the pooled variant once per worker count and prints the
// speedup of each relative to the first.
func (a *App) Sweep(ctx context.Context, workers []int) ([]aggregate.Speedup, error) {
	orch, err := a.newOrchestrator()
	if err != nil {
		return nil, err
	}

	elapsed := make([]time.Duration, 0, len(workers))
	for _, w := range workers {
		a.logger.Info("Sweep step", zap.Int("workers", w))

		res, err := orch.Run(ctx, orchestrator.Options{
			InputRoot:      a.cfg.Input,
			Nodes:          1,
			WorkersPerNode: w,
			Policy:         a.cfg.Policy,
		})
		if err != nil {
			a.alerts.CaptureError(err, map[string]string{"mode": string(concurrency.ModePooled)})
			return nil, err
		}

		wall := res.Summary.TotalWallTime
		elapsed = append(elapsed, wall)
		fmt.Fprintf(a.out, "Time for %d workers: %.2f seconds\n", w, wall.Seconds())
	}

	rows := aggregate.SpeedupTable(workers, elapsed)
	fmt.Fprintln(a.out)
	if err := report.WriteSweep(a.out, rows); err != nil {
		return rows, err
	}
	return rows, nil
}
