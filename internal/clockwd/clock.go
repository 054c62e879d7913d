// Package clockwd exposes the monotonic clock, best-effort wall-clock sync
// and hardware watchdog feed described in spec.md §4.2.
package clockwd

import (
	"context"
	"time"

	"github.com/ecowatt-edge/firmware/internal/obslog"
)

// NetworkTimeSource reads wall-clock time from a best-effort network time
// source at boot. The production implementation hits NTP or the cloud's
// own clock endpoint; tests use a fake.
type NetworkTimeSource interface {
	Now(ctx context.Context) (time.Time, error)
}

// Clock provides the monotonic millisecond clock and the best-effort
// wall-clock timestamp described in spec.md §4.2. If wall-clock sync fails,
// measurement timestamps fall back to monotonic uptime and an event is
// logged (spec.md §4.2).
type Clock struct {
	boot   time.Time
	offset time.Duration // wall - monotonic-uptime-based estimate, once synced
	synced bool
}

// NewClock starts the clock's monotonic epoch at construction time. Synced
// status and offset are established afterwards via SyncWallClock.
func NewClock() *Clock {
	return &Clock{boot: time.Now()}
}

// Uptime is the monotonic clock: milliseconds since boot.
func (c *Clock) Uptime() time.Duration { return time.Since(c.boot) }

// SyncWallClock performs the best-effort network time read with retries,
// per spec.md §4.2. It never blocks indefinitely: the caller's ctx bounds
// the whole retry loop.
func (c *Clock) SyncWallClock(ctx context.Context, src NetworkTimeSource, retries int, backoff time.Duration, log *obslog.Logger) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		now, err := src.Now(ctx)
		if err == nil {
			c.offset = now.Sub(time.Now())
			c.synced = true
			if log != nil {
				log.Info().Int("attempt", attempt).Log("wall clock synced from network time source")
			}
			return
		}
		lastErr = err
		select {
		case <-ctx.Done():
			break
		case <-time.After(backoff):
		}
	}
	if log != nil {
		log.Warning().Err(lastErr).Log("wall clock sync failed; falling back to monotonic uptime for measurement timestamps")
	}
}

// Now returns the best available timestamp: wall-clock if SyncWallClock
// succeeded, monotonic uptime (relative to an arbitrary epoch) otherwise.
func (c *Clock) Now() time.Time {
	if c.synced {
		return time.Now().Add(c.offset)
	}
	return c.boot.Add(c.Uptime())
}

// Synced reports whether wall-clock sync has ever succeeded.
func (c *Clock) Synced() bool { return c.synced }
