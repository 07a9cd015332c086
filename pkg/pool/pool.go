// Package pool runs an ItemProcessor over a partition of tasks with a bounded
// number of invocations in flight. Every invocation is isolated: a failed or
// panicking task is tallied and logged, and its siblings carry on.
package pool

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// Outcome is the explicit result of one ItemProcessor invocation.
type Outcome struct {
	OK      bool
	Message string
}

// Success returns a successful Outcome.
func Success() Outcome {
	return Outcome{OK: true}
}

// Failure returns a failed Outcome carrying a diagnostic.
func Failure(format string, args ...any) Outcome {
	return Outcome{Message: fmt.Sprintf(format, args...)}
}

// ItemProcessor transforms one task. Implementations must report internal
// errors through the returned Outcome instead of panicking.
type ItemProcessor interface {
	Process(ctx context.Context, t task.Task) Outcome
}

// ProcessorFunc adapts a plain function to ItemProcessor.
type ProcessorFunc func(ctx context.Context, t task.Task) Outcome

// Process calls f(ctx, t).
func (f ProcessorFunc) Process(ctx context.Context, t task.Task) Outcome {
	return f(ctx, t)
}

// Stats are the per-run tallies. Attempted always equals the partition size.
type Stats struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// TaskFailure records why a single task failed.
type TaskFailure struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

// Report is what Run returns once every task has settled.
type Report struct {
	Stats
	// Failures are ordered by the task's position in the partition
	Failures []TaskFailure `json:"failures,omitempty"`
}

// Config controls pool sizing.
type Config struct {
	// Workers is the maximum number of concurrent invocations (W).
	// Zero selects the host's parallel capacity.
	Workers int
	// BufferSize is the job queue depth. Zero selects Workers.
	BufferSize int
}

// WorkerPool is a bounded-concurrency executor. A pool can be reused for
// several Run calls; each call gets its own queue.
type WorkerPool struct {
	config    Config
	limiter   *concurrency.Limiter
	processor ItemProcessor
	logger    *zap.Logger
	tracer    trace.Tracer

	// cumulative across runs
	processed atomic.Int64
	errors    atomic.Int64
}

type workerJob struct {
	index int
	task  task.Task
}

type jobResult struct {
	index   int
	source  string
	outcome Outcome
}

// NewWorkerPool validates config and creates a pool.
func NewWorkerPool(config Config, processor ItemProcessor, logger *zap.Logger) (*WorkerPool, error) {
	if processor == nil {
		return nil, derrors.Configuration("processor cannot be nil")
	}
	if config.Workers < 0 {
		return nil, derrors.Configuration("workers per node must be >= 1, got %d", config.Workers)
	}
	if config.Workers == 0 {
		config.Workers = runtime.GOMAXPROCS(0)
	}
	if config.BufferSize <= 0 {
		config.BufferSize = config.Workers
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerPool{
		config:    config,
		limiter:   concurrency.NewLimiter(config.Workers),
		processor: processor,
		logger:    logger,
		tracer:    otel.Tracer("daedalus/pool"),
	}, nil
}

// Run processes every task and blocks until all have succeeded or failed.
// Cancellation of ctx is not propagated to in-flight or queued tasks: once
// started, the partition runs to completion.
func (wp *WorkerPool) Run(ctx context.Context, tasks []task.Task) Report {
	report := Report{Stats: Stats{Attempted: len(tasks)}}
	if len(tasks) == 0 {
		return report
	}

	ctx = context.WithoutCancel(ctx)

	numWorkers := wp.config.Workers
	if numWorkers > len(tasks) {
		numWorkers = len(tasks)
	}

	jobChan := make(chan workerJob, wp.config.BufferSize)
	resultChan := make(chan jobResult, wp.config.BufferSize)

	wp.logger.Debug("starting worker pool",
		zap.Int("workers", numWorkers),
		zap.Int("tasks", len(tasks)),
		zap.Int("buffer_size", wp.config.BufferSize))

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			wp.worker(ctx, workerID, jobChan, resultChan)
		}(i)
	}

	go func() {
		defer close(jobChan)
		for i, t := range tasks {
			jobChan <- workerJob{index: i, task: t}
		}
	}()

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	type indexedFailure struct {
		index int
		TaskFailure
	}
	var failures []indexedFailure

	for res := range resultChan {
		if res.outcome.OK {
			report.Succeeded++
			continue
		}
		report.Failed++
		failures = append(failures, indexedFailure{
			index:       res.index,
			TaskFailure: TaskFailure{Source: res.source, Message: res.outcome.Message},
		})
	}

	sort.Slice(failures, func(i, j int) bool { return failures[i].index < failures[j].index })
	for _, f := range failures {
		report.Failures = append(report.Failures, f.TaskFailure)
	}

	return report
}

// worker drains jobChan until it is closed.
func (wp *WorkerPool) worker(ctx context.Context, id int, jobChan <-chan workerJob, resultChan chan<- jobResult) {
	for job := range jobChan {
		resultChan <- jobResult{
			index:   job.index,
			source:  job.task.Source,
			outcome: wp.processJob(ctx, id, job.task),
		}
	}
}

// processJob runs one task inside the limiter and converts panics into
// failed outcomes.
func (wp *WorkerPool) processJob(ctx context.Context, workerID int, t task.Task) (outcome Outcome) {
	ctx, span := wp.tracer.Start(ctx, "pool.processTask",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("task.source", t.Source),
		))
	defer span.End()

	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			outcome = Failure("panic: %v", r)
		}

		if outcome.OK {
			wp.processed.Add(1)
			span.SetStatus(codes.Ok, "")
			return
		}

		wp.errors.Add(1)
		taskErr := derrors.PerTask(t.Source, fmt.Errorf("%s", outcome.Message))
		span.RecordError(taskErr)
		span.SetStatus(codes.Error, outcome.Message)
		wp.logger.Warn("Task failed",
			zap.Int("workerID", workerID),
			zap.String("source", t.Source),
			zap.Duration("processingTime", time.Since(start)),
			zap.Error(taskErr))
	}()

	if err := wp.limiter.Acquire(ctx); err != nil {
		return Failure("acquire worker slot: %v", err)
	}
	defer wp.limiter.Release()

	return wp.processor.Process(ctx, t)
}

// Stats returns cumulative success and failure counts across all runs.
func (wp *WorkerPool) Stats() (processed, errors int64) {
	return wp.processed.Load(), wp.errors.Load()
}

// Config returns the worker pool configuration.
func (wp *WorkerPool) Config() Config {
	return wp.config
}

// LimiterMetrics exposes the underlying limiter metrics.
func (wp *WorkerPool) LimiterMetrics() concurrency.Metrics {
	return wp.limiter.GetMetrics()
}
