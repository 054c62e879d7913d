package netclient

import (
	"context"
	"fmt"
	"time"
)

// ConfigClient implements the Config poller (spec.md §4.7): GET
// /config/<device_id>, returning the canonical record for the Config task
// to diff against KV.
type ConfigClient struct {
	t            *Transport
	mutexTimeout time.Duration
}

func NewConfigClient(t *Transport, mutexTimeout time.Duration) *ConfigClient {
	return &ConfigClient{t: t, mutexTimeout: mutexTimeout}
}

func (c *ConfigClient) Fetch(ctx context.Context) (ConfigRecord, error) {
	var rec ConfigRecord
	_, err := c.t.Do(ctx, CategoryConfig, c.mutexTimeout, "GET",
		fmt.Sprintf("/config/%s", c.t.DeviceID), nil, &rec, false)
	return rec, err
}
