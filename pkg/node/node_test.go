package node

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/partition"
	"github.com/wehubfusion/Daedalus/pkg/pool"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

func newPool(t *testing.T, proc pool.ItemProcessor) *pool.WorkerPool {
	t.Helper()
	wp, err := pool.NewWorkerPool(pool.Config{Workers: 2}, proc, nil)
	require.NoError(t, err)
	return wp
}

func partOf(n int) partition.Partition {
	tasks := make([]task.Task, n)
	for i := range tasks {
		tasks[i] = task.Task{Source: fmt.Sprintf("s%d", i), Destination: fmt.Sprintf("d%d", i)}
	}
	return partition.Partition{Index: 0, Tasks: tasks}
}

var succeed = pool.ProcessorFunc(func(ctx context.Context, t task.Task) pool.Outcome {
	return pool.Success()
})

func TestRunWritesExactlyOneResult(t *testing.T) {
	results := store.NewMemoryStore()
	n := New(ID(0), partOf(7), newPool(t, succeed), results, nil)
	assert.Equal(t, StatePending, n.State())

	require.NoError(t, n.Run(context.Background()))

	assert.Equal(t, StateFinished, n.State())
	assert.Equal(t, []string{"node-1"}, results.Keys())

	r, err := results.Get(context.Background(), "node-1")
	require.NoError(t, err)
	assert.Equal(t, 7, r.Attempted)
	assert.Equal(t, n.Len(), r.Attempted)
	assert.Equal(t, 7, r.Succeeded)
	assert.Equal(t, r.Finished.Sub(r.Started), r.Elapsed)
	assert.False(t, r.Finished.Before(r.Started))
}

func TestRunCountsTaskFailures(t *testing.T) {
	proc := pool.ProcessorFunc(func(ctx context.Context, t task.Task) pool.Outcome {
		if t.Source == "s1" {
			return pool.Failure("boom")
		}
		return pool.Success()
	})
	results := store.NewMemoryStore()

	require.NoError(t, New("node-2", partOf(3), newPool(t, proc), results, nil).Run(context.Background()))

	r, err := results.Get(context.Background(), "node-2")
	require.NoError(t, err)
	assert.Equal(t, pool.Stats{Attempted: 3, Succeeded: 2, Failed: 1}, r.Stats)
}

func TestRunEmptyPartitionStillReports(t *testing.T) {
	results := store.NewMemoryStore()

	require.NoError(t, New("node-3", partOf(0), newPool(t, succeed), results, nil).Run(context.Background()))

	r, err := results.Get(context.Background(), "node-3")
	require.NoError(t, err)
	assert.Equal(t, 0, r.Attempted)
}

func TestRunSecondRunCannotOverwrite(t *testing.T) {
	results := store.NewMemoryStore()
	n := New("node-1", partOf(1), newPool(t, succeed), results, nil)

	require.NoError(t, n.Run(context.Background()))
	err := n.Run(context.Background())

	assert.True(t, errors.Is(err, store.ErrAlreadyWritten))
	assert.Equal(t, StateCrashed, n.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "processing", StateProcessing.String())
	assert.Equal(t, "crashed", StateCrashed.String())
	assert.Equal(t, "unknown", State(42).String())
}
