// Package node runs one partition through its own worker pool and records a
// single NodeResult. Nodes share nothing with each other except the results
// store, where each writes only its own key.
package node

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/partition"
	"github.com/wehubfusion/Daedalus/pkg/pool"
	"github.com/wehubfusion/Daedalus/pkg/store"
)

// State is a node lifecycle state.
type State int32

const (
	StatePending State = iota
	StateStarted
	StateProcessing
	StateFinished
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStarted:
		return "started"
	case StateProcessing:
		return "processing"
	case StateFinished:
		return "finished"
	case StateCrashed:
		return "crashed"
	}
	return "unknown"
}

// ID returns the canonical node ID for a zero-based partition index.
func ID(index int) string {
	return fmt.Sprintf("node-%d", index+1)
}

// Node owns one partition and one worker pool.
type Node struct {
	id        string
	partition partition.Partition
	pool      *pool.WorkerPool
	results   store.Store
	logger    *zap.Logger
	tracer    trace.Tracer
	state     atomic.Int32
}

// New creates a node. The partition is treated as read-only.
func New(id string, part partition.Partition, wp *pool.WorkerPool, results store.Store, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		id:        id,
		partition: part,
		pool:      wp,
		results:   results,
		logger:    logger.With(zap.String("nodeID", id)),
		tracer:    otel.Tracer("daedalus/node"),
	}
}

// ID returns the node's identifier (its results store key).
func (n *Node) ID() string {
	return n.id
}

// Len returns the partition size.
func (n *Node) Len() int {
	return n.partition.Len()
}

// State returns the node's current lifecycle state.
func (n *Node) State() State {
	return State(n.state.Load())
}

// MarkCrashed records that the node's execution context died before it
// wrote its result.
func (n *Node) MarkCrashed() {
	n.state.Store(int32(StateCrashed))
}

// Run processes the partition to completion and writes exactly one
// NodeResult. An error means no result was written.
func (n *Node) Run(ctx context.Context) error {
	ctx, span := n.tracer.Start(ctx, "node.run",
		trace.WithAttributes(
			attribute.String("node.id", n.id),
			attribute.Int("node.tasks", n.partition.Len()),
		))
	defer span.End()

	n.state.Store(int32(StateStarted))
	started := time.Now()
	n.logger.Info("Node started", zap.Int("tasks", n.partition.Len()))

	n.state.Store(int32(StateProcessing))
	report := n.pool.Run(ctx, n.partition.Tasks)
	finished := time.Now()

	result := store.NodeResult{
		NodeID:   n.id,
		Started:  started,
		Finished: finished,
		Elapsed:  finished.Sub(started),
		Report:   report,
	}

	if err := n.results.Put(ctx, result); err != nil {
		n.state.Store(int32(StateCrashed))
		span.RecordError(err)
		span.SetStatus(codes.Error, "result write failed")
		n.logger.Error("Failed to write node result", zap.Error(err))
		return fmt.Errorf("node %s: %w", n.id, err)
	}

	n.state.Store(int32(StateFinished))
	span.SetAttributes(
		attribute.Int("node.succeeded", report.Succeeded),
		attribute.Int("node.failed", report.Failed),
		attribute.Int64("node.duration_ms", result.Elapsed.Milliseconds()))
	span.SetStatus(codes.Ok, "")

	n.logger.Info("Node finished",
		zap.Int("attempted", report.Attempted),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", result.Elapsed))

	return nil
}
