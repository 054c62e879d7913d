package tasks

import (
	"context"

	"github.com/ecowatt-edge/firmware/internal/model"
	"github.com/ecowatt-edge/firmware/internal/netclient"
	"github.com/ecowatt-edge/firmware/internal/runtime"
)

// Compressor builds the Compressor CycleFunc (spec.md §4.6, event-driven:
// woken by Sensor Poll's activity signal): drains sensor_queue into a
// batch of the configured capacity, compresses it under compression_mutex
// with model.MethodSmart, pushes the result onto compressed_queue, and
// posts batch_ready. Accumulation state (the in-progress batch) lives in
// the closure, not Deps, since exactly one Compressor goroutine runs it.
func Compressor(d *Deps) runtime.CycleFunc {
	var batch model.Batch

	return func(ctx context.Context) error {
		capacity := batchCapacity(d.RuntimeConfig)

		for {
			sample, ok := d.SensorQueue.Pop()
			if !ok {
				break
			}
			if len(batch.Samples) == 0 {
				batch.Selection = d.RuntimeConfig.Selection()
			}
			batch.Samples = append(batch.Samples, sample)
			if len(batch.Samples) >= capacity {
				flushBatch(ctx, d, batch)
				batch = model.Batch{}
			}
		}
		return nil
	}
}

func flushBatch(ctx context.Context, d *Deps, batch model.Batch) {
	if err := d.CompressionMutex.Lock(ctx); err != nil {
		d.Log.Warning().Err(err).Log("compressor: compression_mutex acquisition timed out, batch discarded")
		return
	}
	pkt, err := d.Engine.Compress(batch, model.MethodSmart)
	d.CompressionMutex.Unlock()
	if err != nil {
		d.Log.Err().Err(err).Int("samples", len(batch.Samples)).Log("compressor: compression failed, batch discarded")
		if rerr := d.Fault.Report(ctx, netclient.FaultReport{
			Timestamp:      d.Clock.Now().Unix(),
			FaultType:      "compression_failed",
			RecoveryAction: "batch_discarded",
			Success:        false,
			Details:        err.Error(),
		}); rerr != nil {
			d.Log.Warning().Err(rerr).Log("compressor: fault report failed")
		}
		return
	}

	if ok := d.CompressedQueue.Push(pkt); !ok {
		d.Log.Warning().Str("queue", "compressed_queue").Log("compressor: queue full, packet dropped")
		if rerr := d.Fault.Report(ctx, netclient.FaultReport{
			Timestamp:      d.Clock.Now().Unix(),
			FaultType:      "queue_overflow",
			RecoveryAction: "packet_dropped",
			Success:        false,
			Details:        "compressed_queue at capacity",
		}); rerr != nil {
			d.Log.Warning().Err(rerr).Log("compressor: fault report failed")
		}
		return
	}
	d.BatchReady.Post()
}
