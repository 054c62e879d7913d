package tasks

import (
	"context"

	"github.com/ecowatt-edge/firmware/internal/runtime"
)

// OTA builds the OTA task's CycleFunc (spec.md §4.6 table): one step of
// the state machine in internal/ota per cycle. internal/ota.Machine owns
// all OTA-specific state and transition logic; this is pure registration.
func OTA(d *Deps) runtime.CycleFunc {
	return func(ctx context.Context) error {
		return d.OTAMachine.Cycle(ctx)
	}
}
