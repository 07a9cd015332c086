package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/partition"
	"github.com/wehubfusion/Daedalus/pkg/pool"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

type staticEnumerator struct {
	tasks []task.Task
	err   error
}

func (e staticEnumerator) Enumerate(ctx context.Context, root string) ([]task.Task, error) {
	return e.tasks, e.err
}

func tasksOf(n int) []task.Task {
	out := make([]task.Task, n)
	for i := range out {
		out[i] = task.Task{Source: fmt.Sprintf("in/c/%02d.jpg", i), Destination: fmt.Sprintf("out/c/%02d.jpg", i)}
	}
	return out
}

func sleeper(d time.Duration) pool.ProcessorFunc {
	return func(ctx context.Context, t task.Task) pool.Outcome {
		time.Sleep(d)
		return pool.Success()
	}
}

// failOdd fails every task with an odd index, deterministically.
var failOdd = pool.ProcessorFunc(func(ctx context.Context, t task.Task) pool.Outcome {
	var i int
	fmt.Sscanf(t.Source, "in/c/%d.jpg", &i)
	if i%2 == 1 {
		return pool.Failure("odd index %d", i)
	}
	return pool.Success()
})

func opts(nodes, workers int) Options {
	return Options{InputRoot: "in", Nodes: nodes, WorkersPerNode: workers}
}

func TestRunEndToEndTwoNodes(t *testing.T) {
	o, err := New(staticEnumerator{tasks: tasksOf(10)}, sleeper(20*time.Millisecond), nil)
	require.NoError(t, err)

	res, err := o.Run(context.Background(), Options{
		InputRoot:      "in",
		Nodes:          2,
		WorkersPerNode: 2,
		Baseline:       time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, StateDone, o.State())
	require.NotNil(t, res.Summary)
	s := res.Summary
	require.Len(t, s.Nodes, 2)
	assert.Equal(t, "node-1", s.Nodes[0].NodeID)
	assert.Equal(t, "node-2", s.Nodes[1].NodeID)
	assert.Equal(t, 10, s.Nodes[0].Attempted+s.Nodes[1].Attempted)
	assert.Equal(t, 10, s.Totals.Succeeded)

	longest := s.Nodes[0].Elapsed
	if s.Nodes[1].Elapsed > longest {
		longest = s.Nodes[1].Elapsed
	}
	assert.GreaterOrEqual(t, s.TotalWallTime, longest)
	assert.Less(t, s.TotalWallTime, s.NodeTimeSum)
	assert.LessOrEqual(t, s.TotalWallTime, s.PhaseWallTime)
	assert.True(t, s.Efficiency.Defined)
	assert.Equal(t, res.RunID, s.RunID)
}

func TestRunTaskFailuresAreNotFatal(t *testing.T) {
	o, err := New(staticEnumerator{tasks: tasksOf(9)}, failOdd, nil)
	require.NoError(t, err)

	res, err := o.Run(context.Background(), opts(3, 2))
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, pool.Stats{Attempted: 9, Succeeded: 5, Failed: 4}, res.Summary.Totals)
	for _, n := range res.Summary.Nodes {
		assert.Equal(t, 3, n.Attempted)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	o, err := New(staticEnumerator{tasks: tasksOf(17)}, failOdd, nil)
	require.NoError(t, err)

	var outcomes [][]pool.Report
	for i := 0; i < 3; i++ {
		res, err := o.Run(context.Background(), opts(4, 3))
		require.NoError(t, err)
		var reports []pool.Report
		for _, n := range res.Summary.Nodes {
			reports = append(reports, n.Report)
		}
		outcomes = append(outcomes, reports)
	}

	assert.Equal(t, outcomes[0], outcomes[1])
	assert.Equal(t, outcomes[0], outcomes[2])
}

func TestRunNodeCrashFailsRun(t *testing.T) {
	crashSecond := func(ctx context.Context, n *node.Node) error {
		if n.ID() == "node-2" {
			panic("simulated node crash")
		}
		return n.Run(ctx)
	}

	o, err := New(staticEnumerator{tasks: tasksOf(6)}, sleeper(0), nil, WithLauncher(crashSecond))
	require.NoError(t, err)

	res, err := o.Run(context.Background(), opts(3, 1))

	require.Error(t, err)
	assert.True(t, derrors.IsNodeFailure(err))
	assert.Contains(t, err.Error(), "node-2")
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateFailed, o.State())
	assert.Nil(t, res.Summary)
	assert.Equal(t, []string{"node-2"}, res.Missing)
	require.Len(t, res.Partial, 2)
	assert.Equal(t, "node-1", res.Partial[0].NodeID)
	assert.Equal(t, "node-3", res.Partial[1].NodeID)
}

// flakyStore refuses writes from one node, simulating a node that dies
// before its result lands.
type flakyStore struct {
	*store.MemoryStore
	deny string
}

func (f flakyStore) Put(ctx context.Context, r store.NodeResult) error {
	if r.NodeID == f.deny {
		return errors.New("connection reset")
	}
	return f.MemoryStore.Put(ctx, r)
}

func TestRunMissingResultFailsRun(t *testing.T) {
	factory := func(context.Context, string) (store.Store, error) {
		return flakyStore{MemoryStore: store.NewMemoryStore(), deny: "node-1"}, nil
	}
	o, err := New(staticEnumerator{tasks: tasksOf(4)}, sleeper(0), nil, WithStoreFactory(factory))
	require.NoError(t, err)

	res, err := o.Run(context.Background(), opts(2, 2))

	assert.True(t, derrors.IsNodeFailure(err))
	assert.Equal(t, []string{"node-1"}, res.Missing)
}

func TestRunEmptyDatasetIsDone(t *testing.T) {
	o, err := New(staticEnumerator{}, sleeper(0), nil)
	require.NoError(t, err)

	res, err := o.Run(context.Background(), Options{InputRoot: "in", Nodes: 2, WorkersPerNode: 2, Baseline: time.Second})
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 0, res.TaskCount)
	require.NotNil(t, res.Summary)
	assert.Empty(t, res.Summary.Nodes)
	assert.False(t, res.Summary.Efficiency.Defined)
}

func TestRunMoreNodesThanTasks(t *testing.T) {
	o, err := New(staticEnumerator{tasks: tasksOf(2)}, sleeper(0), nil)
	require.NoError(t, err)

	res, err := o.Run(context.Background(), opts(4, 1))
	require.NoError(t, err)

	require.Len(t, res.Summary.Nodes, 4)
	assert.Equal(t, 2, res.Summary.Totals.Attempted)
	assert.Equal(t, 0, res.Summary.Nodes[3].Attempted)
}

func TestRunTrailingPolicy(t *testing.T) {
	o, err := New(staticEnumerator{tasks: tasksOf(7)}, sleeper(0), nil)
	require.NoError(t, err)

	o7 := opts(2, 1)
	o7.Policy = partition.PolicyTrailing
	res, err := o.Run(context.Background(), o7)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Summary.Nodes[0].Attempted)
	assert.Equal(t, 4, res.Summary.Nodes[1].Attempted)
}

func TestRunRejectsInvalidConfiguration(t *testing.T) {
	o, err := New(staticEnumerator{tasks: tasksOf(3)}, sleeper(0), nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		opts Options
	}{
		{"zero nodes", Options{InputRoot: "in", Nodes: 0, WorkersPerNode: 1}},
		{"negative workers", Options{InputRoot: "in", Nodes: 1, WorkersPerNode: -1}},
		{"no input", Options{Nodes: 1, WorkersPerNode: 1}},
		{"bad policy", Options{InputRoot: "in", Nodes: 1, WorkersPerNode: 1, Policy: "random"}},
		{"negative baseline", Options{InputRoot: "in", Nodes: 1, WorkersPerNode: 1, Baseline: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := o.Run(context.Background(), tt.opts)
			assert.True(t, derrors.IsConfiguration(err), "got %v", err)
			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, 0, res.TaskCount)
		})
	}
}

func TestRunEnumerationErrorIsFatal(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	enum := task.NewDirEnumerator(t.TempDir(), nil, nil)
	o, err := New(enum, sleeper(0), nil)
	require.NoError(t, err)

	res, err := o.Run(context.Background(), Options{InputRoot: missing, Nodes: 2, WorkersPerNode: 2})

	assert.True(t, derrors.IsEnumeration(err))
	assert.Contains(t, err.Error(), missing)
	assert.Equal(t, StateFailed, res.State)
}

func TestRunWrapsForeignEnumerationErrors(t *testing.T) {
	o, err := New(staticEnumerator{err: os.ErrPermission}, sleeper(0), nil)
	require.NoError(t, err)

	_, err = o.Run(context.Background(), opts(1, 1))

	assert.True(t, derrors.IsEnumeration(err))
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestRunWithDirectoryDataset(t *testing.T) {
	in := t.TempDir()
	out := t.TempDir()
	for _, name := range []string{"a/1.jpg", "a/2.jpg", "b/3.jpg"} {
		p := filepath.Join(in, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
	}

	copyProc := pool.ProcessorFunc(func(ctx context.Context, t task.Task) pool.Outcome {
		data, err := os.ReadFile(t.Source)
		if err != nil {
			return pool.Failure("%v", err)
		}
		if err := os.MkdirAll(filepath.Dir(t.Destination), 0o755); err != nil {
			return pool.Failure("%v", err)
		}
		if err := os.WriteFile(t.Destination, []byte(strings.ToUpper(string(data))), 0o644); err != nil {
			return pool.Failure("%v", err)
		}
		return pool.Success()
	})

	o, err := New(task.NewDirEnumerator(out, nil, nil), copyProc, nil)
	require.NoError(t, err)

	res, err := o.Run(context.Background(), Options{InputRoot: in, Nodes: 2, WorkersPerNode: 2})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Summary.Totals.Succeeded)
	data, err := os.ReadFile(filepath.Join(out, "b", "3.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "B/3.JPG", string(data))
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, sleeper(0), nil)
	assert.True(t, derrors.IsConfiguration(err))

	_, err = New(staticEnumerator{}, nil, nil)
	assert.True(t, derrors.IsConfiguration(err))
}
