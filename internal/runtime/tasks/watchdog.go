package tasks

import (
	"context"

	"github.com/ecowatt-edge/firmware/internal/runtime"
)

// Watchdog builds the Watchdog task's CycleFunc (spec.md §4.6 table,
// "Watched: self" — it monitors itself by virtue of feeding the hardware
// dead-man timer every cycle): feed the hardware watchdog, then delegate
// to the Supervisor's tick for the per-task liveness/overrun checks and
// periodic health report (spec.md §4.9), kept in a separate package since
// it reasons about every other task's stats, not just this one.
func Watchdog(d *Deps) runtime.CycleFunc {
	return func(ctx context.Context) error {
		if d.HWWatchdog != nil {
			if err := d.HWWatchdog.Feed(); err != nil {
				d.Log.Err().Err(err).Log("watchdog: hardware feed failed")
			}
		}
		if d.SupervisorTick != nil {
			return d.SupervisorTick(ctx)
		}
		return nil
	}
}
