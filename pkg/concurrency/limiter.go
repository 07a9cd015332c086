package concurrency

import (
	"context"
	"sync/atomic"
	"time"
)

// Metrics tracks concurrency limiter performance metrics
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter is a counting semaphore that bounds in-flight task invocations.
// Unlike a circuit-breaking limiter it never refuses a slot because earlier
// work failed, so one failing task cannot starve its siblings.
type Limiter struct {
	sem     chan struct{}
	active  int64
	metrics Metrics
}

// NewLimiter creates a new concurrency limiter with the specified maximum concurrent operations
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Limiter{
		sem: make(chan struct{}, maxConcurrent),
	}
}

// Capacity returns the maximum number of concurrent holders.
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// Acquire waits for a free slot or for ctx to be done.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()

	select {
	case l.sem <- struct{}{}:
		atomic.AddInt64(&l.metrics.TotalWaitTimeNs, time.Since(start).Nanoseconds())
		atomic.AddInt64(&l.metrics.TotalAcquired, 1)

		current := atomic.AddInt64(&l.active, 1)
		l.updatePeak(current)
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release releases a slot back to the limiter
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		atomic.AddInt64(&l.active, -1)
		atomic.AddInt64(&l.metrics.TotalReleased, 1)
	default:
		// Should not happen in correct usage
	}
}

// GoSync runs fn while holding a slot and returns its error.
func (l *Limiter) GoSync(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	return fn()
}

// CurrentActive returns the current number of slot holders
func (l *Limiter) CurrentActive() int64 {
	return atomic.LoadInt64(&l.active)
}

// GetMetrics returns a copy of the current metrics
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   atomic.LoadInt64(&l.metrics.TotalAcquired),
		TotalReleased:   atomic.LoadInt64(&l.metrics.TotalReleased),
		PeakConcurrent:  atomic.LoadInt64(&l.metrics.PeakConcurrent),
		TotalWaitTimeNs: atomic.LoadInt64(&l.metrics.TotalWaitTimeNs),
	}
}

// GetAverageWaitTime calculates the average wait time for acquiring a slot
func (l *Limiter) GetAverageWaitTime() time.Duration {
	metrics := l.GetMetrics()
	if metrics.TotalAcquired == 0 {
		return 0
	}

	return time.Duration(metrics.TotalWaitTimeNs / metrics.TotalAcquired)
}

// updatePeak updates the peak concurrent count if current is higher
func (l *Limiter) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&l.metrics.PeakConcurrent)
		if current <= peak {
			break
		}
		if atomic.CompareAndSwapInt64(&l.metrics.PeakConcurrent, peak, current) {
			break
		}
	}
}
