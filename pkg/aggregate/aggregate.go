// Package aggregate combines node results into a run summary.
package aggregate

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/pool"
	"github.com/wehubfusion/Daedalus/pkg/store"
)

// Ratio is a quotient that may be undefined (zero or missing operand).
type Ratio struct {
	Value   float64
	Defined bool
}

// Undefined is the zero Ratio.
var Undefined = Ratio{}

// NewRatio returns num/den, undefined when either operand is not positive or
// the quotient is not finite.
func NewRatio(num, den float64) Ratio {
	if num <= 0 || den <= 0 {
		return Undefined
	}
	v := num / den
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return Undefined
	}
	return Ratio{Value: v, Defined: true}
}

// String formats the ratio with two decimals, or "undefined".
func (r Ratio) String() string {
	if !r.Defined {
		return "undefined"
	}
	return fmt.Sprintf("%.2f", r.Value)
}

// MarshalJSON encodes an undefined ratio as null.
func (r Ratio) MarshalJSON() ([]byte, error) {
	if !r.Defined {
		return []byte("null"), nil
	}
	return json.Marshal(r.Value)
}

// UnmarshalJSON accepts a number or null.
func (r *Ratio) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Undefined
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = Ratio{Value: v, Defined: true}
	return nil
}

// Efficiency is baseline / wall. A zero (unavailable) baseline or a zero wall
// time yields Undefined.
func Efficiency(baseline, wall time.Duration) Ratio {
	return NewRatio(baseline.Seconds(), wall.Seconds())
}

// NodeSummary is one node's row in the summary.
type NodeSummary struct {
	store.NodeResult
	// Throughput is tasks per second
	Throughput Ratio `json:"throughput"`
}

// RunSummary is the immutable outcome of a completed run.
type RunSummary struct {
	RunID string        `json:"run_id"`
	Nodes []NodeSummary `json:"nodes"`
	// Totals sums the per-node counts
	Totals pool.Stats `json:"totals"`
	// TotalWallTime spans the earliest node start to the latest node finish
	TotalWallTime time.Duration `json:"total_wall_time_ns"`
	// PhaseWallTime is launch-to-join as measured by the orchestrator
	PhaseWallTime time.Duration `json:"phase_wall_time_ns"`
	// NodeTimeSum adds up node durations; it exceeds TotalWallTime when
	// nodes overlap
	NodeTimeSum time.Duration `json:"node_time_sum_ns"`
	// Baseline is the externally supplied sequential duration (0 if absent)
	Baseline   time.Duration `json:"baseline_ns"`
	Efficiency Ratio         `json:"efficiency"`
}

// Aggregate builds a RunSummary from the complete set of node results.
func Aggregate(runID string, results []store.NodeResult, baseline, phase time.Duration) RunSummary {
	summary := RunSummary{
		RunID:         runID,
		Nodes:         make([]NodeSummary, 0, len(results)),
		PhaseWallTime: phase,
		Baseline:      baseline,
	}

	var first, last time.Time
	for _, r := range results {
		tp := Undefined
		if v, ok := r.TasksPerSecond(); ok {
			tp = Ratio{Value: v, Defined: true}
		}
		summary.Nodes = append(summary.Nodes, NodeSummary{NodeResult: r, Throughput: tp})

		summary.Totals.Attempted += r.Attempted
		summary.Totals.Succeeded += r.Succeeded
		summary.Totals.Failed += r.Failed
		summary.NodeTimeSum += r.Elapsed

		if r.Started.IsZero() || r.Finished.IsZero() {
			continue
		}
		if first.IsZero() || r.Started.Before(first) {
			first = r.Started
		}
		if last.IsZero() || r.Finished.After(last) {
			last = r.Finished
		}
	}

	if !first.IsZero() && last.After(first) {
		summary.TotalWallTime = last.Sub(first)
	} else {
		summary.TotalWallTime = phase
	}
	summary.Efficiency = Efficiency(baseline, summary.TotalWallTime)

	return summary
}

// Speedup is one row of a worker sweep.
type Speedup struct {
	Workers int           `json:"workers"`
	Elapsed time.Duration `json:"elapsed_ns"`
	Speedup Ratio         `json:"speedup"`
}

// SpeedupTable computes each row's speedup relative to the first row.
func SpeedupTable(workers []int, elapsed []time.Duration) []Speedup {
	rows := make([]Speedup, 0, len(workers))
	for i, w := range workers {
		if i >= len(elapsed) {
			break
		}
		rows = append(rows, Speedup{
			Workers: w,
			Elapsed: elapsed[i],
			Speedup: NewRatio(elapsed[0].Seconds(), elapsed[i].Seconds()),
		})
	}
	return rows
}
