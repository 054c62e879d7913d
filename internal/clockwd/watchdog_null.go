package clockwd

import "time"

// NullWatchdog is the HardwareWatchdog used in tests and on hosts without a
// physical dead-man timer. Arm/Feed/Close all succeed trivially; FeedCount
// counts Feed calls so tests can assert feed cadence.
type NullWatchdog struct {
	FeedCount int
	Timeout   time.Duration
}

func NewNullWatchdog() *NullWatchdog { return &NullWatchdog{} }

func (w *NullWatchdog) Arm(timeout time.Duration) error {
	w.Timeout = timeout
	return nil
}

func (w *NullWatchdog) Feed() error {
	w.FeedCount++
	return nil
}

func (w *NullWatchdog) Close() error { return nil }
