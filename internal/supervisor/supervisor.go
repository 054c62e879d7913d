// Package supervisor implements the Watchdog task's liveness and recovery
// policy from spec.md §4.9: Sensor-Poll-specific staleness escalation,
// overrun-hysteresis-driven task restarts, and a ten-minute structured
// health report. It is deliberately decoupled from internal/runtime/tasks
// (which constructs the nine CycleFuncs) to avoid an import cycle — the
// Watchdog task invokes Supervisor.Tick through the tasks.Deps.SupervisorTick
// closure that cmd/firmware wires up.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ecowatt-edge/firmware/internal/clockwd"
	"github.com/ecowatt-edge/firmware/internal/netclient"
	"github.com/ecowatt-edge/firmware/internal/obslog"
	"github.com/ecowatt-edge/firmware/internal/ota"
	"github.com/ecowatt-edge/firmware/internal/runtime"
)

// DefaultOverrunThreshold is the hysteresis threshold spec.md §4.9 calls
// "exceed a hysteretic threshold" before a restart is attempted, absent a
// more specific number in spec.md — chosen to tolerate a short burst of
// slow cycles (e.g. one retry-laden upload) without restarting a healthy
// task.
const DefaultOverrunThreshold = 3

// DefaultHealthReportInterval is spec.md §4.9's "every ten minutes".
const DefaultHealthReportInterval = 10 * time.Minute

// SensorPollMargin is the "plus margin" spec.md §4.9 allows on top of
// twice the Sensor Poll period before declaring it stale.
const SensorPollMargin = 2 * time.Second

// QueueStats is the subset of *runtime.Queue[T]'s methods the health
// report needs; satisfied by every instantiation regardless of T.
type QueueStats interface {
	Utilization() float64
	Overflows() int
}

// MutexStats is the subset of *runtime.TimedMutex's methods the health
// report needs.
type MutexStats interface {
	Contentions() int64
}

// RestartFunc relaunches a single task's goroutine. cmd/firmware supplies
// one per watched task name; it is expected to cancel the task's current
// run (if still live) and spawn a fresh one sharing the same TaskSpec and
// CycleFunc.
type RestartFunc func(ctx context.Context) error

// Config bundles everything the Supervisor reads or reports through.
type Config struct {
	Registry     *runtime.Registry
	SoftWatchdog *clockwd.SoftWatchdog
	Scheduler    *runtime.Scheduler

	Queues  map[string]QueueStats // e.g. "sensor_queue", "compressed_queue"
	Mutexes map[string]MutexStats // e.g. "network_mutex", "compression_mutex"

	Log      *obslog.Logger
	Fault    *netclient.FaultClient
	Rebooter ota.Rebooter
	Clock    *clockwd.Clock
	DeviceID string

	// Restart holds one RestartFunc per watched task name (spec.md §4.6's
	// "Watched" column); a task with no entry here is cycled through its
	// Scheduler handle's Suspend/Resume instead, and escalates straight to
	// reset only when Scheduler is nil as well.
	Restart map[string]RestartFunc

	SensorPollPeriod     time.Duration
	OverrunThreshold     int           // 0 defaults to DefaultOverrunThreshold
	HealthReportInterval time.Duration // 0 defaults to DefaultHealthReportInterval
}

// Supervisor implements spec.md §4.9's rules, invoked once per Watchdog
// task cycle (every 30s per the task table).
type Supervisor struct {
	cfg Config

	mu               sync.Mutex
	sensorStaleSince time.Time // zero when not currently stale
	sensorStrikes    int
	lastHealthReport time.Time
}

// New constructs a Supervisor. lastHealthReport is seeded to "now" so the
// first health report fires a full interval after boot, not immediately.
func New(cfg Config) *Supervisor {
	if cfg.OverrunThreshold <= 0 {
		cfg.OverrunThreshold = DefaultOverrunThreshold
	}
	if cfg.HealthReportInterval <= 0 {
		cfg.HealthReportInterval = DefaultHealthReportInterval
	}
	return &Supervisor{cfg: cfg, lastHealthReport: time.Now()}
}

// Tick runs one supervision pass: Sensor Poll liveness, overrun hysteresis
// across every registered task, and (at most every HealthReportInterval) a
// structured health report. Errors from individual checks are logged, not
// returned, since a failed restart attempt must not itself stall the
// Watchdog task's own cycle.
func (s *Supervisor) Tick(ctx context.Context) error {
	s.checkSensorPollLiveness(ctx)
	s.checkOverrunHysteresis(ctx)
	s.maybeEmitHealthReport(ctx)
	return nil
}

// checkSensorPollLiveness implements: "If Sensor Poll has not completed
// within twice its period plus margin, attempt a local restart of the
// Sensor Poll task; if a second such window elapses, force a system
// reset."
func (s *Supervisor) checkSensorPollLiveness(ctx context.Context) {
	age, ok := s.cfg.SoftWatchdog.Age(runtime.TaskSensorPoll)
	if !ok {
		return
	}
	window := 2*s.cfg.SensorPollPeriod + SensorPollMargin

	s.mu.Lock()
	defer s.mu.Unlock()

	if age <= window {
		s.sensorStrikes = 0
		s.sensorStaleSince = time.Time{}
		return
	}

	s.sensorStrikes++
	s.cfg.Log.Warning().
		Dur("age", age).
		Dur("window", window).
		Int("strikes", s.sensorStrikes).
		Log("supervisor: sensor_poll stale")

	if s.sensorStrikes >= 2 {
		s.forceReset(ctx, "sensor_poll stale across two windows")
		return
	}
	s.restartTask(ctx, runtime.TaskSensorPoll, "sensor_poll stale")
}

// checkOverrunHysteresis implements: "If execution overruns (not queue
// overflows) exceed a hysteretic threshold, attempt a task restart before
// a system reset." Every watched task is checked; Sensor Poll is excluded
// since its liveness is governed by checkSensorPollLiveness instead.
func (s *Supervisor) checkOverrunHysteresis(ctx context.Context) {
	for _, spec := range runtime.TaskTable() {
		if !spec.Watched || spec.Name == runtime.TaskSensorPoll {
			continue
		}
		snap := s.cfg.Registry.For(spec.Name).Snapshot()
		if snap.Overruns < s.cfg.OverrunThreshold {
			continue
		}
		s.cfg.Log.Warning().
			Str("task", spec.Name).
			Int("overruns", snap.Overruns).
			Log("supervisor: overrun threshold exceeded")
		s.restartTask(ctx, spec.Name, "overrun threshold exceeded")
	}
}

// restartTask attempts the registered RestartFunc first (cmd/firmware's
// cancel-and-relaunch closure); if none is registered, it falls back to a
// suspend/resume cycle on the task's Scheduler handle — not a true
// restart, but enough to unstick a task parked on a stale wait. The
// outcome is reported to /fault/recovery either way (success is itself the
// recovery signal the cloud wants visibility into, per spec.md §6's
// fault-report contract); only when no restart is possible or the
// RestartFunc fails does it escalate to a full system reset.
func (s *Supervisor) restartTask(ctx context.Context, task, reason string) {
	restart, ok := s.cfg.Restart[task]
	ok = ok && restart != nil
	var err error
	if ok {
		err = restart(ctx)
	} else if s.cfg.Scheduler != nil {
		h := s.cfg.Scheduler.Handle(task)
		h.Suspend()
		h.Resume()
		ok = true
	}
	success := ok && err == nil
	s.reportRecovery(ctx, task, "restart_task", reason, success, err)
	if !success {
		s.forceReset(ctx, reason+": restart unavailable or failed for "+task)
	}
}

// forceReset is the "last-resort reset": report the fault, then reboot.
func (s *Supervisor) forceReset(ctx context.Context, reason string) {
	s.cfg.Log.Err().Str("reason", reason).Log("supervisor: forcing system reset")
	s.reportRecovery(ctx, "system", "system_reset", reason, true, nil)
	if s.cfg.Rebooter != nil {
		s.cfg.Rebooter.Reboot(reason)
	}
}

func (s *Supervisor) reportRecovery(ctx context.Context, task, action, reason string, success bool, cause error) {
	if s.cfg.Fault == nil {
		return
	}
	detail := reason
	if cause != nil {
		detail = reason + ": " + cause.Error()
	}
	if err := s.cfg.Fault.Report(ctx, netclient.FaultReport{
		Timestamp:      s.cfg.Clock.Now().Unix(),
		FaultType:      "supervisor_" + task,
		RecoveryAction: action,
		Success:        success,
		Details:        detail,
	}); err != nil {
		s.cfg.Log.Warning().Err(err).Log("supervisor: fault report failed")
	}
}

// HealthReport is the structured snapshot spec.md §4.9 names: free heap,
// per-task last-run age, queue utilisation, network-mutex contention.
type HealthReport struct {
	FreeHeapBytes    uint64
	TaskAges         map[string]time.Duration
	QueueUtilization map[string]float64
	QueueOverflows   map[string]int
	MutexContentions map[string]int64
}

// maybeEmitHealthReport fires at most once per HealthReportInterval.
func (s *Supervisor) maybeEmitHealthReport(ctx context.Context) {
	s.mu.Lock()
	due := time.Since(s.lastHealthReport) >= s.cfg.HealthReportInterval
	if due {
		s.lastHealthReport = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}
	s.emitHealthReport(ctx)
}

func (s *Supervisor) emitHealthReport(ctx context.Context) {
	report := HealthReport{
		TaskAges:         make(map[string]time.Duration),
		QueueUtilization: make(map[string]float64),
		QueueOverflows:   make(map[string]int),
		MutexContentions: make(map[string]int64),
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		report.FreeHeapBytes = vm.Available
	} else {
		s.cfg.Log.Warning().Err(err).Log("supervisor: failed to read free memory for health report")
	}

	for _, name := range s.cfg.SoftWatchdog.Names() {
		if age, ok := s.cfg.SoftWatchdog.Age(name); ok {
			report.TaskAges[name] = age
		}
	}
	for name, q := range s.cfg.Queues {
		report.QueueUtilization[name] = q.Utilization()
		report.QueueOverflows[name] = q.Overflows()
	}
	for name, m := range s.cfg.Mutexes {
		report.MutexContentions[name] = m.Contentions()
	}

	ev := s.cfg.Log.Info().Uint64("free_heap_bytes", report.FreeHeapBytes)
	for name, age := range report.TaskAges {
		ev = ev.Dur("age_"+name, age)
	}
	for name, u := range report.QueueUtilization {
		ev = ev.Float64("utilization_"+name, u)
	}
	for name, n := range report.QueueOverflows {
		ev = ev.Int("overflows_"+name, n)
	}
	for name, c := range report.MutexContentions {
		ev = ev.Int64("contention_"+name, c)
	}
	ev.Log("supervisor: health report")
}
