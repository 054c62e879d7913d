package runtime

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// TimedMutex is a binary mutex whose Lock takes a context deadline,
// standing in for spec.md §4.6's `network_mutex` and `compression_mutex`:
// "Acquisition timeouts per caller MUST satisfy
// acquisition_timeout + expected_op_time < task_deadline". A
// golang.org/x/sync/semaphore.Weighted sized at 1 fits this exactly,
// since every acquire here is released by the same goroutine that
// acquired it — the pairing model semaphore.Weighted assumes.
//
// (The runtime's other two coordination primitives, batch_ready and
// reload_signal, are posted by one goroutine and consumed by another with
// no such pairing, so they are NOT built on semaphore.Weighted — see
// reload.go.)
type TimedMutex struct {
	sem         *semaphore.Weighted
	contentions atomic.Int64
}

func NewTimedMutex() *TimedMutex {
	return &TimedMutex{sem: semaphore.NewWeighted(1)}
}

// Lock blocks until acquired or ctx is done, returning ctx.Err() in the
// latter case. A failed non-blocking TryAcquire before the blocking
// Acquire counts as contention, reported in the Supervisor's health
// report (spec.md §4.9's "network-mutex contention").
func (m *TimedMutex) Lock(ctx context.Context) error {
	if m.sem.TryAcquire(1) {
		return nil
	}
	m.contentions.Add(1)
	return m.sem.Acquire(ctx, 1)
}

// Contentions reports the cumulative count of Lock calls that found the
// mutex already held.
func (m *TimedMutex) Contentions() int64 {
	return m.contentions.Load()
}

// TryLock attempts a non-blocking acquisition.
func (m *TimedMutex) TryLock() bool {
	return m.sem.TryAcquire(1)
}

func (m *TimedMutex) Unlock() {
	m.sem.Release(1)
}
