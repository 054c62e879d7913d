package netclient

import (
	"context"
	"fmt"
	"time"

	"github.com/ecowatt-edge/firmware/internal/faultkind"
	"github.com/ecowatt-edge/firmware/internal/model"
)

// UploadClient POSTs a secured envelope to /aggregated/<device_id>,
// retrying transient failures with the exponential back-off schedule named
// in spec.md §4.7: "1s, 2s, 4s up to three attempts before dropping the
// oldest packet when the ring is full".
type UploadClient struct {
	t            *Transport
	mutexTimeout time.Duration
	backoff      []time.Duration
}

func NewUploadClient(t *Transport, mutexTimeout time.Duration) *UploadClient {
	return &UploadClient{
		t:            t,
		mutexTimeout: mutexTimeout,
		backoff:      []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
	}
}

// Send attempts delivery, retrying on any fault whose Retryable() is true
// (e.g. transient_network) up to the three-attempt back-off schedule. A
// non-retryable fault (e.g. auth_reject) is returned immediately.
func (c *UploadClient) Send(ctx context.Context, env model.SecuredEnvelope) error {
	var lastErr error
	for attempt := 0; attempt <= len(c.backoff); attempt++ {
		_, err := c.t.Do(ctx, CategoryUpload, c.mutexTimeout, "POST",
			fmt.Sprintf("/aggregated/%s", c.t.DeviceID), env, nil, false)
		if err == nil {
			return nil
		}
		lastErr = err
		fault, ok := faultkind.As(err)
		if !ok || !fault.Retryable() {
			return err
		}
		if attempt == len(c.backoff) {
			break
		}
		select {
		case <-time.After(c.backoff[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
