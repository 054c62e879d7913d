package tasks

import (
	"context"

	"github.com/ecowatt-edge/firmware/internal/model"
	"github.com/ecowatt-edge/firmware/internal/netclient"
	"github.com/ecowatt-edge/firmware/internal/runtime"
)

// SensorPoll builds the Sensor Poll CycleFunc (spec.md §4.6 table, highest
// priority on Core B): reload config if signalled, read one cycle of
// register values from the field-protocol adapter, and enqueue a Sample
// onto sensor_queue — dropping and reporting on queue overflow rather than
// blocking (spec.md §9: queue-full is distinct from an execution overrun).
func SensorPoll(d *Deps) runtime.CycleFunc {
	return func(ctx context.Context) error {
		if d.ReloadSignal.Take() {
			if err := d.RuntimeConfig.ReloadFromStore(d.Store); err != nil {
				d.Log.Warning().Err(err).Log("sensor_poll: reload from store failed, keeping previous config")
			}
		}

		sel := d.RuntimeConfig.Selection()
		dv, err := d.Reader.Read()
		if err != nil || !dv.OK {
			detail := "decoded values not ok"
			if err != nil {
				detail = err.Error()
			}
			if rerr := d.Fault.Report(ctx, netclient.FaultReport{
				Timestamp:      d.Clock.Now().Unix(),
				FaultType:      "protocol_frame",
				RecoveryAction: "sample_dropped",
				Success:        false,
				Details:        detail,
			}); rerr != nil {
				d.Log.Warning().Err(rerr).Log("sensor_poll: fault report failed")
			}
			return nil
		}

		values := make([]uint16, len(sel.Vector))
		for i, r := range sel.Vector {
			values[i] = dv.Values[r]
		}
		sample := model.Sample{
			Timestamp: d.Clock.Now(),
			Registers: append([]model.RegID(nil), sel.Vector...),
			Values:    values,
		}

		if ok := d.SensorQueue.Push(sample); !ok {
			d.Log.Warning().Str("queue", "sensor_queue").Log("sensor_poll: queue full, sample dropped")
			if rerr := d.Fault.Report(ctx, netclient.FaultReport{
				Timestamp:      d.Clock.Now().Unix(),
				FaultType:      "queue_overflow",
				RecoveryAction: "sample_dropped",
				Success:        false,
				Details:        "sensor_queue at capacity",
			}); rerr != nil {
				d.Log.Warning().Err(rerr).Log("sensor_poll: fault report failed")
			}
		}

		postNonBlocking(d.SensorActivity)
		return nil
	}
}
