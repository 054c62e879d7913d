package tasks

import (
	"context"
	"time"

	"github.com/ecowatt-edge/firmware/internal/kv"
	"github.com/ecowatt-edge/firmware/internal/runtime"
)

// Config builds the Config CycleFunc (spec.md §4.7): fetch the canonical
// config record, diff each field against the live RuntimeConfig, and for
// any difference write the new value to KV. The write alone is the
// "pending" marker — values only take effect once a task reloads from KV
// after taking a reload_signal token, so a change mid-batch never applies
// early (spec.md §4.6's deferred-apply rule).
func Config(d *Deps) runtime.CycleFunc {
	return func(ctx context.Context) error {
		rec, err := d.Config.Fetch(ctx)
		if err != nil {
			d.Log.Warning().Err(err).Log("config: fetch failed")
			return nil
		}

		changed := false
		cur := d.RuntimeConfig

		if pollMS := uint64(cur.PollPeriod() / time.Millisecond); uint64(rec.PollPeriodMS) != pollMS {
			if err := d.Store.PutUint64(kv.NamespaceFreq, keyPollPeriodMS, uint64(rec.PollPeriodMS)); err != nil {
				d.Log.Warning().Err(err).Log("config: persist poll period failed")
			} else {
				changed = true
			}
		}
		if uploadMS := uint64(cur.UploadPeriod() / time.Millisecond); uint64(rec.UploadPeriodMS) != uploadMS {
			if err := d.Store.PutUint64(kv.NamespaceFreq, keyUploadPeriodMS, uint64(rec.UploadPeriodMS)); err != nil {
				d.Log.Warning().Err(err).Log("config: persist upload period failed")
			} else {
				changed = true
			}
		}

		sel := cur.Selection()
		if rec.RegisterMask != sel.Mask || rec.RegisterCount != sel.Count {
			if err := d.Store.PutUint64(kv.NamespaceReadRegs, keyRegisterMask, uint64(rec.RegisterMask)); err != nil {
				d.Log.Warning().Err(err).Log("config: persist register mask failed")
			} else if err := d.Store.PutUint64(kv.NamespaceReadRegs, keyRegisterCount, uint64(rec.RegisterCount)); err != nil {
				d.Log.Warning().Err(err).Log("config: persist register count failed")
			} else {
				changed = true
			}
		}

		if changed {
			d.Log.Info().Log("config: drift from canonical record detected, queued for next reload_signal")
		}
		return nil
	}
}
