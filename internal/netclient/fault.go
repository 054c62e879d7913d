package netclient

import (
	"context"
	"time"
)

// FaultClient reports recovery events to POST /fault/recovery (spec.md
// §6). It is the natural counterpart of the Uploader/Commands/Config
// clients that spec.md §4 never names directly (SPEC_FULL.md §5.1):
// invoked by Sensor Poll on protocol_frame faults, by the Compressor on
// queue overflow (spec.md §9's "sample dropped with only a log line" fix),
// and by the OTA state machine on any ota_* failure.
type FaultClient struct {
	t            *Transport
	mutexTimeout time.Duration
}

func NewFaultClient(t *Transport, mutexTimeout time.Duration) *FaultClient {
	return &FaultClient{t: t, mutexTimeout: mutexTimeout}
}

func (c *FaultClient) Report(ctx context.Context, report FaultReport) error {
	report.DeviceID = c.t.DeviceID
	_, err := c.t.Do(ctx, CategoryFault, c.mutexTimeout, "POST", "/fault/recovery", report, nil, false)
	return err
}
