package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/ecowatt-edge/firmware/internal/runtime"
	"github.com/stretchr/testify/require"
)

func TestReloadSignalFanoutMatchesTaskTable(t *testing.T) {
	// spec.md §9's "hard-coded fan-out" fix, operationalized: the fan-out
	// count must always be derived from the task table, never a separate
	// magic number that can drift out of sync.
	require.Equal(t, len(runtime.TaskTable()), runtime.ReloadSignalFanout())
}

func TestReloadSignalPostAndTake(t *testing.T) {
	n := runtime.ReloadSignalFanout()
	rs := runtime.NewReloadSignal(n)
	rs.PostFanout(n)

	taken := 0
	for i := 0; i < n; i++ {
		if rs.Take() {
			taken++
		}
	}
	require.Equal(t, n, taken)
	require.False(t, rs.Take())
}

func TestBatchReadyUploaderMustNotDequeueUntilSignalled(t *testing.T) {
	br := runtime.NewBatchReady()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := br.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	br.Post()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, br.Wait(ctx2))
}

func TestQueueOverflowDistinctFromOverrunCounter(t *testing.T) {
	q := runtime.NewQueue[int](2)
	require.True(t, q.Push(1))
	require.True(t, q.Push(2))
	require.False(t, q.Push(3)) // full: dropped, overflow counted
	require.Equal(t, 1, q.Overflows())

	stats := runtime.NewRegistry().For("sensor_poll")
	stats.RecordComplete(time.Now(), false) // in-deadline execution
	require.Equal(t, 0, stats.Snapshot().Overruns)
	require.Equal(t, 0, stats.Snapshot().Overflows) // queue overflow never touches task overrun accounting
}

func TestOverrunHysteresisDecaysOnInDeadlineExecution(t *testing.T) {
	stats := runtime.NewRegistry().For("uploader")
	stats.RecordComplete(time.Now(), true)
	stats.RecordComplete(time.Now(), true)
	require.Equal(t, 2, stats.Snapshot().Overruns)

	stats.RecordComplete(time.Now(), false)
	require.Equal(t, 1, stats.Snapshot().Overruns)
}

func TestTimedMutexRespectsContextDeadline(t *testing.T) {
	m := runtime.NewTimedMutex()
	ctx := context.Background()
	require.NoError(t, m.Lock(ctx))

	ctx2, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Lock(ctx2)
	require.Error(t, err)

	m.Unlock()
	require.True(t, m.TryLock())
	m.Unlock()
}

func TestSchedulerSuspendResumeGatesPeriodicCycle(t *testing.T) {
	stats := runtime.NewRegistry()
	sched := runtime.NewScheduler(stats, nil)
	handle := sched.Handle(runtime.TaskSensorPoll)
	handle.Suspend()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ran := make(chan struct{}, 1)
	go func() {
		_ = sched.RunPeriodic(ctx, runtime.TaskSpec{Name: runtime.TaskSensorPoll, Period: time.Millisecond}, func(context.Context) error {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil
		})
	}()

	select {
	case <-ran:
		t.Fatal("cycle ran while suspended")
	case <-time.After(20 * time.Millisecond):
	}

	handle.Resume()
	select {
	case <-ran:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("cycle never ran after resume")
	}
}
