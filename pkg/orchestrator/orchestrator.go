// Package orchestrator drives a run: enumerate, partition, launch nodes,
// join, aggregate. It owns the run state machine and decides between a DONE
// and a FAILED outcome.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/aggregate"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/partition"
	"github.com/wehubfusion/Daedalus/pkg/pool"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

// State is the run state.
type State string

const (
	StateIdle        State = "IDLE"
	StateEnumerating State = "ENUMERATING"
	StatePartitioned State = "PARTITIONED"
	StateRunning     State = "RUNNING"
	StateAggregating State = "AGGREGATING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// Options are the per-run parameters.
type Options struct {
	InputRoot      string
	Nodes          int
	WorkersPerNode int
	Policy         partition.Policy
	// Baseline is the externally measured sequential duration; zero means
	// unavailable and leaves efficiency undefined.
	Baseline time.Duration
	// RunID identifies the run; a random UUID is used when empty.
	RunID string
}

// Validate rejects options that cannot start a run.
func (o Options) Validate() error {
	if o.InputRoot == "" {
		return derrors.Configuration("input root cannot be empty")
	}
	if o.Nodes <= 0 {
		return derrors.Configuration("node count must be >= 1, got %d", o.Nodes)
	}
	if o.WorkersPerNode <= 0 {
		return derrors.Configuration("workers per node must be >= 1, got %d", o.WorkersPerNode)
	}
	if o.Baseline < 0 {
		return derrors.Configuration("baseline cannot be negative, got %s", o.Baseline)
	}
	if _, err := partition.Sizes(0, 1, o.Policy); err != nil {
		return err
	}
	return nil
}

// Result is what a run produced. It is returned for both DONE and FAILED runs.
type Result struct {
	RunID     string
	State     State
	TaskCount int
	// Summary is set only for DONE runs
	Summary *aggregate.RunSummary
	// Partial holds the results that were written when the run FAILED
	Partial []store.NodeResult
	// Missing lists nodes that produced no result
	Missing []string
	// Err is the fatal error for FAILED runs
	Err error
}

// StoreFactory opens the results store for a run.
type StoreFactory func(ctx context.Context, runID string) (store.Store, error)

// Launcher runs one node in its own execution context and reports whether
// it finished. The default calls n.Run.
type Launcher func(ctx context.Context, n *node.Node) error

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStoreFactory replaces the default in-memory results store.
func WithStoreFactory(f StoreFactory) Option {
	return func(o *Orchestrator) { o.newStore = f }
}

// WithLauncher replaces how each node is executed.
func WithLauncher(l Launcher) Option {
	return func(o *Orchestrator) { o.launch = l }
}

// Orchestrator runs the enumerate → partition → launch → join → aggregate
// sequence.
type Orchestrator struct {
	enumerator task.Enumerator
	processor  pool.ItemProcessor
	newStore   StoreFactory
	launch     Launcher
	logger     *zap.Logger
	tracer     trace.Tracer
	state      atomic.Value
}

// New creates an Orchestrator.
func New(enumerator task.Enumerator, processor pool.ItemProcessor, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if enumerator == nil {
		return nil, derrors.Configuration("enumerator cannot be nil")
	}
	if processor == nil {
		return nil, derrors.Configuration("processor cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		enumerator: enumerator,
		processor:  processor,
		newStore: func(context.Context, string) (store.Store, error) {
			return store.NewMemoryStore(), nil
		},
		launch: func(ctx context.Context, n *node.Node) error {
			return n.Run(ctx)
		},
		logger: logger,
		tracer: otel.Tracer("daedalus/orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.state.Store(StateIdle)
	return o, nil
}

// State returns the state of the current or most recent run.
func (o *Orchestrator) State() State {
	return o.state.Load().(State)
}

func (o *Orchestrator) transition(s State, fields ...zap.Field) {
	prev := o.State()
	o.state.Store(s)
	o.logger.Debug("Run state changed",
		append([]zap.Field{zap.String("from", string(prev)), zap.String("to", string(s))}, fields...)...)
}

func (o *Orchestrator) fail(res *Result, span trace.Span, err error) (*Result, error) {
	res.State = StateFailed
	res.Err = err
	o.transition(StateFailed, zap.Error(err))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return res, err
}

// Run executes one run to completion. A non-nil error means the run is
// FAILED; per-task failures never cause an error.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Policy == "" {
		opts.Policy = partition.PolicyLeading
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(
			attribute.String("run.id", opts.RunID),
			attribute.Int("run.nodes", opts.Nodes),
			attribute.Int("run.workers_per_node", opts.WorkersPerNode),
		))
	defer span.End()

	logger := o.logger.With(zap.String("runID", opts.RunID))
	res := &Result{RunID: opts.RunID, State: StateIdle}
	o.state.Store(StateIdle)

	if err := opts.Validate(); err != nil {
		return o.fail(res, span, err)
	}

	o.transition(StateEnumerating, zap.String("input", opts.InputRoot))
	tasks, err := o.enumerator.Enumerate(ctx, opts.InputRoot)
	if err != nil {
		if !derrors.IsEnumeration(err) {
			err = derrors.Enumeration(opts.InputRoot, err)
		}
		return o.fail(res, span, err)
	}
	res.TaskCount = len(tasks)
	span.SetAttributes(attribute.Int("run.tasks", len(tasks)))

	if len(tasks) == 0 {
		logger.Info("No tasks found, nothing to do", zap.String("input", opts.InputRoot))
		summary := aggregate.Aggregate(opts.RunID, nil, opts.Baseline, 0)
		res.Summary = &summary
		res.State = StateDone
		o.transition(StateDone)
		return res, nil
	}

	parts, err := partition.Split(tasks, opts.Nodes, opts.Policy)
	if err != nil {
		return o.fail(res, span, err)
	}
	o.transition(StatePartitioned, zap.Int("tasks", len(tasks)), zap.Int("partitions", len(parts)))

	results, err := o.newStore(ctx, opts.RunID)
	if err != nil {
		return o.fail(res, span, derrors.NewError(derrors.CodeConfiguration, "cannot open results store", err))
	}
	defer func() {
		if cerr := results.Close(); cerr != nil {
			logger.Warn("Failed to close results store", zap.Error(cerr))
		}
	}()

	nodes := make([]*node.Node, len(parts))
	ids := make([]string, len(parts))
	for i, part := range parts {
		wp, err := pool.NewWorkerPool(pool.Config{Workers: opts.WorkersPerNode}, o.processor, logger)
		if err != nil {
			return o.fail(res, span, err)
		}
		ids[i] = node.ID(part.Index)
		nodes[i] = node.New(ids[i], part, wp, results, logger)
	}

	o.transition(StateRunning, zap.Int("nodes", len(nodes)), zap.Int("workersPerNode", opts.WorkersPerNode))
	phaseStart := time.Now()
	o.runNodes(ctx, nodes, logger)
	phase := time.Since(phaseStart)

	written, missing, err := store.Collect(context.WithoutCancel(ctx), results, ids)
	if err != nil {
		return o.fail(res, span, err)
	}
	if len(missing) > 0 {
		res.Partial = written
		res.Missing = missing
		logger.Error("Run failed: node results missing", zap.Strings("missing", missing))
		return o.fail(res, span, derrors.NodeFailure(missing))
	}

	o.transition(StateAggregating)
	summary := aggregate.Aggregate(opts.RunID, written, opts.Baseline, phase)
	res.Summary = &summary
	res.State = StateDone
	o.transition(StateDone)

	span.SetAttributes(
		attribute.Int("run.succeeded", summary.Totals.Succeeded),
		attribute.Int("run.failed", summary.Totals.Failed),
		attribute.Int64("run.wall_ms", summary.TotalWallTime.Milliseconds()))
	span.SetStatus(codes.Ok, "")

	logger.Info("Run completed",
		zap.Int("tasks", summary.Totals.Attempted),
		zap.Int("failed", summary.Totals.Failed),
		zap.Duration("wallTime", summary.TotalWallTime),
		zap.String("efficiency", summary.Efficiency.String()))

	return res, nil
}

// runNodes launches every node concurrently and waits for all of them. A
// node that returns an error or panics is marked crashed; it never brings
// down its siblings or the orchestrator.
func (o *Orchestrator) runNodes(ctx context.Context, nodes []*node.Node, logger *zap.Logger) {
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *node.Node) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					n.MarkCrashed()
					logger.Error("Node crashed",
						zap.String("nodeID", n.ID()),
						zap.String("panic", fmt.Sprint(r)))
				}
			}()

			if err := o.launch(ctx, n); err != nil {
				n.MarkCrashed()
				logger.Error("Node terminated without result",
					zap.String("nodeID", n.ID()),
					zap.Error(err))
			}
		}(n)
	}
	wg.Wait()
}
