package tasks

import (
	"context"

	"github.com/ecowatt-edge/firmware/internal/runtime"
)

// Diagnostics builds the Diagnostics CycleFunc (spec.md §4.6 marks it
// optional; SPEC_FULL §5.1 implements it, woken by the collect-diagnostics
// and benchmark-compression remote commands): emit a structured snapshot
// of compression statistics and queue depths.
func Diagnostics(d *Deps) runtime.CycleFunc {
	return func(ctx context.Context) error {
		stats := d.Engine.Stats()
		for method, st := range stats {
			d.Log.Info().
				Str("method", method.Name()).
				Int("invocations", st.Invocations).
				Int("success_count", st.SuccessCount).
				Float64("average_ratio", st.AverageRatio()).
				Float64("average_micros", st.AverageMicros()).
				Log("diagnostics: compression method snapshot")
		}
		d.Log.Info().
			Float64("sensor_queue_utilization", d.SensorQueue.Utilization()).
			Float64("compressed_queue_utilization", d.CompressedQueue.Utilization()).
			Int("sensor_queue_overflows", d.SensorQueue.Overflows()).
			Int("compressed_queue_overflows", d.CompressedQueue.Overflows()).
			Log("diagnostics: queue snapshot")
		return nil
	}
}
