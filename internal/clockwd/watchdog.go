package clockwd

import (
	"sync"
	"time"
)

// HardwareWatchdog models the dead-man timer: it must be fed periodically
// or the platform resets the device. It is reinitialised at boot to a long
// timeout (spec.md §4.2, "on the order of ten minutes") to tolerate slow
// network paths; the Supervisor's soft watchdog (spec.md §4.9) layers
// fine-grained per-task liveness monitoring on top of this coarse backstop.
type HardwareWatchdog interface {
	// Arm (re)initialises the hardware timer with the given timeout.
	Arm(timeout time.Duration) error
	// Feed resets the timer's countdown. Must be called more often than the
	// armed timeout or the platform resets.
	Feed() error
	// Close releases the underlying device handle, if any.
	Close() error
}

// DefaultHardwareTimeout is the boot-time watchdog timeout (spec.md §4.2).
const DefaultHardwareTimeout = 10 * time.Minute

// SoftWatchdog is a named registration point: tasks that must be watched
// (spec.md §4.6 "Watched" column) register themselves here, and the
// Supervisor (internal/supervisor) reads Age to decide whether a task
// window has elapsed without progress. It is a generic liveness registry,
// independent of any particular hardware timer.
type SoftWatchdog struct {
	mu  sync.Mutex
	fed map[string]time.Time
}

func NewSoftWatchdog() *SoftWatchdog {
	return &SoftWatchdog{fed: make(map[string]time.Time)}
}

// Register adds a named participant with an initial feed timestamp.
func (w *SoftWatchdog) Register(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fed[name] = time.Now()
}

// Feed records that name made progress at time.Now().
func (w *SoftWatchdog) Feed(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fed[name] = time.Now()
}

// Age returns how long it has been since name last fed, and whether name is
// registered at all.
func (w *SoftWatchdog) Age(name string) (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.fed[name]
	if !ok {
		return 0, false
	}
	return time.Since(t), true
}

// Names returns every registered participant, for the health report.
func (w *SoftWatchdog) Names() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.fed))
	for n := range w.fed {
		out = append(out, n)
	}
	return out
}
