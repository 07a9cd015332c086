package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/task"
)

func makeTasks(n int) []task.Task {
	tasks := make([]task.Task, n)
	for i := range tasks {
		tasks[i] = task.Task{
			Source:      fmt.Sprintf("src/%02d.jpg", i),
			Destination: fmt.Sprintf("dst/%02d.jpg", i),
		}
	}
	return tasks
}

// failEvery fails every task whose index is a multiple of n.
func failEvery(n int) ProcessorFunc {
	return func(ctx context.Context, t task.Task) Outcome {
		var idx int
		fmt.Sscanf(t.Source, "src/%d.jpg", &idx)
		if idx%n == 0 {
			return Failure("designed failure for %s", t.Source)
		}
		return Success()
	}
}

func TestRunCountsForWorkerWidths(t *testing.T) {
	const n = 20
	tasks := makeTasks(n)
	// indices 0,3,6,...,18 fail
	const m = 7

	for _, w := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("W=%d", w), func(t *testing.T) {
			wp, err := NewWorkerPool(Config{Workers: w}, failEvery(3), nil)
			require.NoError(t, err)

			report := wp.Run(context.Background(), tasks)

			assert.Equal(t, Stats{Attempted: n, Succeeded: n - m, Failed: m}, report.Stats)
			require.Len(t, report.Failures, m)
			for i, f := range report.Failures {
				assert.Equal(t, fmt.Sprintf("src/%02d.jpg", i*3), f.Source)
				assert.Contains(t, f.Message, "designed failure")
			}
		})
	}
}

func TestRunIsolatesPermanentFailure(t *testing.T) {
	const n = 12
	var completed atomic.Int64

	proc := ProcessorFunc(func(ctx context.Context, t task.Task) Outcome {
		if t.Source == "src/05.jpg" {
			return Failure("corrupt image")
		}
		time.Sleep(time.Millisecond)
		completed.Add(1)
		return Success()
	})

	wp, err := NewWorkerPool(Config{Workers: 3}, proc, nil)
	require.NoError(t, err)

	report := wp.Run(context.Background(), makeTasks(n))

	assert.EqualValues(t, n-1, completed.Load())
	assert.Equal(t, Stats{Attempted: n, Succeeded: n - 1, Failed: 1}, report.Stats)
	assert.Equal(t, []TaskFailure{{Source: "src/05.jpg", Message: "corrupt image"}}, report.Failures)
}

func TestRunRecoversPanickingProcessor(t *testing.T) {
	proc := ProcessorFunc(func(ctx context.Context, t task.Task) Outcome {
		if strings.HasSuffix(t.Source, "02.jpg") {
			panic("decoder exploded")
		}
		return Success()
	})

	for _, w := range []int{1, 4} {
		wp, err := NewWorkerPool(Config{Workers: w}, proc, nil)
		require.NoError(t, err)

		report := wp.Run(context.Background(), makeTasks(6))

		assert.Equal(t, Stats{Attempted: 6, Succeeded: 5, Failed: 1}, report.Stats)
		require.Len(t, report.Failures, 1)
		assert.Contains(t, report.Failures[0].Message, "decoder exploded")
		assert.EqualValues(t, 0, wp.limiter.CurrentActive(), "slot leaked after panic")
	}
}

func TestRunNeverExceedsWidth(t *testing.T) {
	var inFlight, peak atomic.Int64

	proc := ProcessorFunc(func(ctx context.Context, t task.Task) Outcome {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		inFlight.Add(-1)
		return Success()
	})

	wp, err := NewWorkerPool(Config{Workers: 4}, proc, nil)
	require.NoError(t, err)

	report := wp.Run(context.Background(), makeTasks(40))

	assert.Equal(t, 40, report.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int64(4))
	assert.LessOrEqual(t, wp.LimiterMetrics().PeakConcurrent, int64(4))
}

func TestRunVisitsEveryTaskOnce(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)

	proc := ProcessorFunc(func(ctx context.Context, t task.Task) Outcome {
		mu.Lock()
		seen[t.Source]++
		mu.Unlock()
		return Success()
	})

	wp, err := NewWorkerPool(Config{Workers: 8, BufferSize: 2}, proc, nil)
	require.NoError(t, err)
	tasks := makeTasks(33)

	wp.Run(context.Background(), tasks)

	require.Len(t, seen, len(tasks))
	for _, tk := range tasks {
		assert.Equal(t, 1, seen[tk.Source])
	}
}

func TestRunEmptyPartition(t *testing.T) {
	wp, err := NewWorkerPool(Config{Workers: 2}, failEvery(1), nil)
	require.NoError(t, err)

	report := wp.Run(context.Background(), nil)

	assert.Equal(t, Stats{}, report.Stats)
	assert.Empty(t, report.Failures)
}

func TestRunIgnoresCancellationOnceStarted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var started sync.Once

	proc := ProcessorFunc(func(pctx context.Context, t task.Task) Outcome {
		started.Do(cancel)
		time.Sleep(time.Millisecond)
		if pctx.Err() != nil {
			return Failure("saw cancellation")
		}
		return Success()
	})

	wp, err := NewWorkerPool(Config{Workers: 2}, proc, nil)
	require.NoError(t, err)

	report := wp.Run(ctx, makeTasks(10))

	assert.Equal(t, Stats{Attempted: 10, Succeeded: 10}, report.Stats)
}

func TestRunIsDeterministic(t *testing.T) {
	wp, err := NewWorkerPool(Config{Workers: 4}, failEvery(4), nil)
	require.NoError(t, err)
	tasks := makeTasks(25)

	first := wp.Run(context.Background(), tasks)
	second := wp.Run(context.Background(), tasks)

	assert.Equal(t, first, second)
	processed, failed := wp.Stats()
	assert.EqualValues(t, 2*first.Succeeded, processed)
	assert.EqualValues(t, 2*first.Failed, failed)
}

func TestNewWorkerPoolValidation(t *testing.T) {
	_, err := NewWorkerPool(Config{Workers: 1}, nil, nil)
	assert.True(t, derrors.IsConfiguration(err))

	_, err = NewWorkerPool(Config{Workers: -1}, failEvery(2), nil)
	assert.True(t, derrors.IsConfiguration(err))

	wp, err := NewWorkerPool(Config{}, failEvery(2), nil)
	require.NoError(t, err)
	assert.Positive(t, wp.Config().Workers)
	assert.Equal(t, wp.Config().Workers, wp.Config().BufferSize)
}
