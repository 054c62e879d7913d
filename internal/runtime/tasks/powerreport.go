package tasks

import (
	"context"
	"time"

	"github.com/ecowatt-edge/firmware/internal/runtime"
)

// PowerReport builds the Power Report CycleFunc (spec.md §4.6 table; the
// body is left to the implementation by spec.md §6's persisted-state list,
// which names only the "power" namespace's enabled flag, technique
// bitmask and report period). No uplink endpoint is defined for power
// telemetry, so this emits a structured diagnostic event rather than
// inventing a wire contract spec.md §6 never specifies. The configured
// report period (PowerReportEvery) is independent of the task table's
// fixed scheduling period, so a cycle that fires early is skipped rather
// than emitting a report more often than configured.
func PowerReport(d *Deps) runtime.CycleFunc {
	var last time.Time

	return func(ctx context.Context) error {
		if !d.PowerEnabled() {
			return nil
		}
		if every := d.PowerReportEvery(); every > 0 && !last.IsZero() && time.Since(last) < every {
			return nil
		}
		last = time.Now()
		d.Log.Info().
			Uint64("technique_mask", uint64(d.PowerTechnique())).
			Float64("output_power_percent", d.PowerState.Get()).
			Log("power_report: periodic technique/output snapshot")
		return nil
	}
}
