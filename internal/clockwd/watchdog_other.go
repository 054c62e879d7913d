//go:build !linux

package clockwd

import (
	"errors"
	"time"
)

// OpenHardwareWatchdog is unavailable on non-Linux build targets; callers
// fall back to NewNullWatchdog. Development and CI both run this path.
func OpenHardwareWatchdog(path string) (HardwareWatchdog, error) {
	return nil, errors.New("clockwd: hardware watchdog unsupported on this platform")
}

var _ = time.Second
