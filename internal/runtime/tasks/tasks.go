// Package tasks implements the nine task bodies named in spec.md §4.6's
// task table as runtime.CycleFuncs: Sensor Poll, Compressor, Uploader,
// Commands, Config, Power Report, OTA, Watchdog and Diagnostics. Each
// function below returns a closure over *Deps suitable for registration
// with runtime.Scheduler.RunPeriodic or RunEventDriven; cmd/firmware does
// the registration.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ecowatt-edge/firmware/internal/clockwd"
	"github.com/ecowatt-edge/firmware/internal/compress"
	"github.com/ecowatt-edge/firmware/internal/envelope"
	"github.com/ecowatt-edge/firmware/internal/kv"
	"github.com/ecowatt-edge/firmware/internal/model"
	"github.com/ecowatt-edge/firmware/internal/netclient"
	"github.com/ecowatt-edge/firmware/internal/obslog"
	"github.com/ecowatt-edge/firmware/internal/ota"
	"github.com/ecowatt-edge/firmware/internal/runtime"
	"github.com/ecowatt-edge/firmware/internal/sensorbus"
)

// KV keys under kv.NamespaceFreq / kv.NamespaceReadRegs holding the
// canonical, Config-task-written values that RuntimeConfig.ReloadFromStore
// re-reads when a reload_signal token is taken (spec.md §4.6's
// deferred-apply rule).
const (
	keyPollPeriodMS   = "poll_period_ms"
	keyUploadPeriodMS = "upload_period_ms"
	keyRegisterMask   = "register_mask"
	keyRegisterCount  = "register_count"
)

// RuntimeConfig holds the live, atomically-swapped configuration every
// task reads from on its own cycle: poll/upload periods and the active
// register selection. Writers (the Config task) never touch this directly
// — they write to KV, and readers reload from KV only after taking a
// reload_signal token, matching spec.md §4.6 exactly.
type RuntimeConfig struct {
	pollPeriodNS   atomic.Int64
	uploadPeriodNS atomic.Int64
	mu             sync.RWMutex
	selection      model.RegisterSelection
}

func NewRuntimeConfig(poll, upload time.Duration, sel model.RegisterSelection) *RuntimeConfig {
	c := &RuntimeConfig{selection: sel}
	c.pollPeriodNS.Store(int64(poll))
	c.uploadPeriodNS.Store(int64(upload))
	return c
}

func (c *RuntimeConfig) PollPeriod() time.Duration   { return time.Duration(c.pollPeriodNS.Load()) }
func (c *RuntimeConfig) UploadPeriod() time.Duration { return time.Duration(c.uploadPeriodNS.Load()) }

func (c *RuntimeConfig) Selection() model.RegisterSelection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selection
}

// ReloadFromStore re-reads the values the Config task last wrote to KV and
// swaps them in atomically. An invalid reloaded selection is rejected and
// the previous selection is kept, logged as a warning by the caller.
func (c *RuntimeConfig) ReloadFromStore(store *kv.Store) error {
	pollMS, err := store.GetUint64(kv.NamespaceFreq, keyPollPeriodMS, uint64(c.PollPeriod()/time.Millisecond))
	if err != nil {
		return err
	}
	uploadMS, err := store.GetUint64(kv.NamespaceFreq, keyUploadPeriodMS, uint64(c.UploadPeriod()/time.Millisecond))
	if err != nil {
		return err
	}
	cur := c.Selection()
	mask, err := store.GetUint64(kv.NamespaceReadRegs, keyRegisterMask, uint64(cur.Mask))
	if err != nil {
		return err
	}
	count, err := store.GetUint64(kv.NamespaceReadRegs, keyRegisterCount, uint64(cur.Count))
	if err != nil {
		return err
	}

	sel := model.RegisterSelection{Mask: uint16(mask), Count: uint8(count), Vector: vectorFromMask(uint16(mask))}
	if err := sel.Validate(); err != nil {
		return fmt.Errorf("tasks: reloaded register selection invalid, keeping previous: %w", err)
	}

	c.pollPeriodNS.Store(int64(time.Duration(pollMS) * time.Millisecond))
	c.uploadPeriodNS.Store(int64(time.Duration(uploadMS) * time.Millisecond))
	c.mu.Lock()
	c.selection = sel
	c.mu.Unlock()
	return nil
}

func vectorFromMask(mask uint16) []model.RegID {
	var out []model.RegID
	for i := 0; i < model.MaxRegisters; i++ {
		if mask&(1<<uint(i)) != 0 {
			out = append(out, model.RegID(i))
		}
	}
	return out
}

// PowerState is the small piece of live state the set-output-power command
// writes and Power Report reads back, guarded independently of
// RuntimeConfig since it changes on a different cadence (on command,
// rather than on Config-poll drift).
type PowerState struct {
	mu      sync.Mutex
	percent float64
}

func (p *PowerState) Set(percent float64) {
	p.mu.Lock()
	p.percent = percent
	p.mu.Unlock()
}

func (p *PowerState) Get() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percent
}

// Deps bundles every dependency the nine task bodies need. cmd/firmware
// constructs one Deps and passes it (or pieces of it) to each task
// constructor below.
type Deps struct {
	Reader sensorbus.Reader
	Clock  *clockwd.Clock
	Log    *obslog.Logger

	Engine           *compress.Engine
	CompressionMutex *runtime.TimedMutex
	Sealer           *envelope.Sealer
	Store            *kv.Store

	SensorQueue     *runtime.Queue[model.Sample]
	CompressedQueue *runtime.Queue[*model.CompressedPacket]
	BatchReady      *runtime.BatchReady
	ReloadSignal    *runtime.ReloadSignal
	SensorActivity  chan struct{} // Sensor Poll -> Compressor wake, buffer 1
	DiagTrigger     chan struct{} // Commands -> Diagnostics wake, buffer 1

	Upload   *netclient.UploadClient
	Commands *netclient.CommandsClient
	Config   *netclient.ConfigClient
	Fault    *netclient.FaultClient

	OTAMachine *ota.Machine
	Rebooter   ota.Rebooter

	HWWatchdog clockwd.HardwareWatchdog
	// SupervisorTick, when set, is invoked once per Watchdog cycle after
	// feeding the hardware watchdog (internal/supervisor's liveness checks
	// and ten-minute health report); nil-able so tests can exercise
	// Watchdog without a Supervisor wired up.
	SupervisorTick func(ctx context.Context) error

	RuntimeConfig    *RuntimeConfig
	RegisterCatalog  []string // names indexed by RegID, from config.Registers.Catalog
	DeviceID         string
	PowerState       *PowerState
	PowerEnabled     func() bool
	PowerTechnique   func() uint8
	PowerReportEvery func() time.Duration
}

// postNonBlocking posts to a buffer-1 wake channel without blocking,
// collapsing a burst of producer signals into a single pending wake —
// the same "don't duplicate a pending signal" idiom as runtime.BatchReady.
func postNonBlocking(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// batchCapacity computes the configured batch capacity from the live
// poll/upload periods (spec.md §3: BatchSize = ceil(upload/poll)).
func batchCapacity(c *RuntimeConfig) int {
	return model.BatchSize(c.UploadPeriod(), c.PollPeriod())
}
