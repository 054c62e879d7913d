// Command firmware is the boot entry point for the energy-monitoring edge
// device core: it loads configuration, wires every internal package
// together, runs the nine-task runtime under golang.org/x/sync/errgroup,
// and exits cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ecowatt-edge/firmware/internal/clockwd"
	"github.com/ecowatt-edge/firmware/internal/compress"
	"github.com/ecowatt-edge/firmware/internal/config"
	"github.com/ecowatt-edge/firmware/internal/cryptoprim"
	"github.com/ecowatt-edge/firmware/internal/envelope"
	"github.com/ecowatt-edge/firmware/internal/kv"
	"github.com/ecowatt-edge/firmware/internal/model"
	"github.com/ecowatt-edge/firmware/internal/netclient"
	"github.com/ecowatt-edge/firmware/internal/obslog"
	"github.com/ecowatt-edge/firmware/internal/ota"
	"github.com/ecowatt-edge/firmware/internal/runtime"
	"github.com/ecowatt-edge/firmware/internal/runtime/tasks"
	"github.com/ecowatt-edge/firmware/internal/sensorbus"
	"github.com/ecowatt-edge/firmware/internal/supervisor"
)

var (
	baseURL         = flag.String("base-url", "", "cloud endpoint base URL, overrides the embedded default")
	deviceID        = flag.String("device-id", "", "device identifier, overrides the embedded default")
	watchdogDev     = flag.String("watchdog-device", "/dev/watchdog", "hardware watchdog device path")
	firmwareVersion = flag.String("firmware-version", "1.0.0", "running firmware version, reported to the OTA manifest check and post-boot report")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "firmware:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defaults, err := config.Load()
	if err != nil {
		return fmt.Errorf("load embedded defaults: %w", err)
	}
	endpoint := defaults.Endpoint
	if *baseURL != "" {
		endpoint.BaseURL = *baseURL
	}
	if *deviceID != "" {
		endpoint.DeviceID = *deviceID
	}

	log := obslog.New(os.Stderr)
	store := kv.New(kv.NewMapBackend())
	clock := clockwd.NewClock()

	hwWatchdog, err := clockwd.OpenHardwareWatchdog(*watchdogDev)
	if err != nil {
		log.Warning().Err(err).Log("boot: hardware watchdog unavailable, falling back to null watchdog")
		hwWatchdog = clockwd.NewNullWatchdog()
	}
	if err := hwWatchdog.Arm(clockwd.DefaultHardwareTimeout); err != nil {
		return fmt.Errorf("arm hardware watchdog: %w", err)
	}
	defer hwWatchdog.Close()

	softWatchdog := clockwd.NewSoftWatchdog()
	taskTable := runtime.TaskTable()
	for _, spec := range taskTable {
		if spec.Watched {
			softWatchdog.Register(spec.Name)
		}
	}

	keys := devKeys()
	nonces, err := envelope.NewNonceCounter(store, defaults.Security.NonceSeed)
	if err != nil {
		return fmt.Errorf("init nonce counter: %w", err)
	}
	sealer := envelope.NewSealer(keys.MACKey[:], nonces)
	engine := compress.NewEngine()

	transport := netclient.NewTransport(endpoint.BaseURL, endpoint.DeviceID, log)
	uploadClient := netclient.NewUploadClient(transport, 2*time.Second)
	commandsClient := netclient.NewCommandsClient(transport, 2*time.Second)
	configClient := netclient.NewConfigClient(transport, 2*time.Second)
	faultClient := netclient.NewFaultClient(transport, 2*time.Second)
	otaClient := netclient.NewOTAClient(transport, 5*time.Second)

	registry := runtime.NewRegistry()
	scheduler := runtime.NewScheduler(registry, softWatchdog.Feed)

	var rebootOnce bool
	rebooter := ota.RebooterFunc(func(reason string) {
		log.Warning().Str("reason", reason).Log("boot: reboot requested; host harness exits rather than resetting hardware")
		if !rebootOnce {
			rebootOnce = true
			stop()
		}
	})

	otaMachine := ota.NewMachine(ota.Config{
		Store:         store,
		Client:        otaClient,
		Faults:        faultClient,
		Keys:          keys,
		Scheduler:     scheduler,
		Partition:     ota.NewMemoryPartition(),
		Rebooter:      rebooter,
		Log:           log,
		StaleAfter:    5 * time.Minute,
		MaxRollback:   defaults.OTA.MaxRollbackAttempts,
		ChunkPerSec:   4,
		DeviceVersion: func() string { return *firmwareVersion },
	})
	if err := otaMachine.VerifyPostBoot(ctx); err != nil {
		log.Err().Err(err).Log("boot: OTA post-boot verification failed")
	}

	runtimeConfig := tasks.NewRuntimeConfig(defaults.Periods.Poll(), defaults.Periods.Upload(), defaultSelection(defaults))
	if err := runtimeConfig.ReloadFromStore(store); err != nil {
		log.Warning().Err(err).Log("boot: initial config reload from store failed, using embedded defaults")
	}

	sensorQueue := runtime.NewQueue[model.Sample](runtime.MinSensorQueueCapacity)
	compressedQueue := runtime.NewQueue[*model.CompressedPacket](runtime.MinCompressedQueueCapacity)
	compressionMutex := runtime.NewTimedMutex()

	deps := &tasks.Deps{
		Reader:           sensorbus.NewFake(),
		Clock:            clock,
		Log:              log,
		Engine:           engine,
		CompressionMutex: compressionMutex,
		Sealer:           sealer,
		Store:            store,
		SensorQueue:      sensorQueue,
		CompressedQueue:  compressedQueue,
		BatchReady:       runtime.NewBatchReady(),
		ReloadSignal:     runtime.NewReloadSignal(runtime.ReloadSignalFanout()),
		SensorActivity:   make(chan struct{}, 1),
		DiagTrigger:      make(chan struct{}, 1),
		Upload:           uploadClient,
		Commands:         commandsClient,
		Config:           configClient,
		Fault:            faultClient,
		OTAMachine:       otaMachine,
		Rebooter:         rebooter,
		HWWatchdog:       hwWatchdog,
		RuntimeConfig:    runtimeConfig,
		RegisterCatalog:  defaults.Registers.Catalog,
		DeviceID:         endpoint.DeviceID,
		PowerState:       &tasks.PowerState{},
		PowerEnabled: func() bool {
			v, _ := store.GetBool(kv.NamespacePower, "enabled", defaults.Power.Enabled)
			return v
		},
		PowerTechnique: func() uint8 {
			v, _ := store.GetByte(kv.NamespacePower, "technique_mask", defaults.Power.TechniqueMask)
			return v
		},
		PowerReportEvery: func() time.Duration { return defaults.Power.ReportPeriod() },
	}

	sup := supervisor.New(supervisor.Config{
		Registry:     registry,
		SoftWatchdog: softWatchdog,
		Scheduler:    scheduler,
		Queues: map[string]supervisor.QueueStats{
			"sensor_queue":     sensorQueue,
			"compressed_queue": compressedQueue,
		},
		Mutexes: map[string]supervisor.MutexStats{
			"network_mutex":     transport.Mutex,
			"compression_mutex": compressionMutex,
		},
		Log:              log,
		Fault:            faultClient,
		Rebooter:         rebooter,
		Clock:            clock,
		DeviceID:         endpoint.DeviceID,
		Restart:          map[string]supervisor.RestartFunc{},
		SensorPollPeriod: runtimeConfig.PollPeriod(),
	})
	deps.SupervisorTick = sup.Tick

	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range taskTable {
		spec := spec
		switch spec.Name {
		case runtime.TaskCompressor:
			g.Go(func() error { return scheduler.RunEventDriven(gctx, spec, deps.SensorActivity, tasks.Compressor(deps)) })
		case runtime.TaskDiagnostics:
			g.Go(func() error { return scheduler.RunEventDriven(gctx, spec, deps.DiagTrigger, tasks.Diagnostics(deps)) })
		case runtime.TaskSensorPoll:
			g.Go(func() error { return scheduler.RunPeriodic(gctx, spec, tasks.SensorPoll(deps)) })
		case runtime.TaskUploader:
			g.Go(func() error { return scheduler.RunPeriodic(gctx, spec, tasks.Uploader(deps)) })
		case runtime.TaskCommands:
			g.Go(func() error { return scheduler.RunPeriodic(gctx, spec, tasks.Commands(deps)) })
		case runtime.TaskConfig:
			g.Go(func() error { return scheduler.RunPeriodic(gctx, spec, tasks.Config(deps)) })
		case runtime.TaskPowerReport:
			g.Go(func() error { return scheduler.RunPeriodic(gctx, spec, tasks.PowerReport(deps)) })
		case runtime.TaskOTA:
			g.Go(func() error { return scheduler.RunPeriodic(gctx, spec, tasks.OTA(deps)) })
		case runtime.TaskWatchdog:
			g.Go(func() error { return scheduler.RunPeriodic(gctx, spec, tasks.Watchdog(deps)) })
		}
	}

	log.Info().Str("device_id", endpoint.DeviceID).Str("base_url", endpoint.BaseURL).Log("boot: task runtime started")

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("task runtime: %w", err)
	}
	return nil
}

// defaultSelection builds the boot-time register selection from the
// embedded defaults' mask/count, falling back to the KV store's persisted
// selection on subsequent boots via RuntimeConfig.ReloadFromStore.
func defaultSelection(d config.Defaults) model.RegisterSelection {
	sel := model.RegisterSelection{Mask: d.Registers.DefaultMask, Count: d.Registers.DefaultCount}
	for i := 0; i < model.MaxRegisters; i++ {
		if sel.Mask&(1<<uint(i)) != 0 {
			sel.Vector = append(sel.Vector, model.RegID(i))
		}
	}
	return sel
}

// devKeys generates an ephemeral key set for the host-harness build.
// Production targets embed the real pre-shared MAC/firmware keys and the
// firmware signer's public key at compile time (spec.md §4.3); this
// package never ships a real secret, matching internal/cryptoprim.Keys's
// own doc comment.
func devKeys() cryptoprim.Keys {
	var keys cryptoprim.Keys
	if _, err := rand.Read(keys.MACKey[:]); err != nil {
		panic(fmt.Errorf("devKeys: generate MAC key: %w", err))
	}
	if _, err := rand.Read(keys.FirmwareKey[:]); err != nil {
		panic(fmt.Errorf("devKeys: generate firmware key: %w", err))
	}
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(fmt.Errorf("devKeys: generate signer key pair: %w", err))
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		panic(fmt.Errorf("devKeys: marshal signer public key: %w", err))
	}
	keys.SignerPublic = der
	return keys
}
