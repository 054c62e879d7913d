package tasks

import (
	"context"
	"fmt"

	"github.com/ecowatt-edge/firmware/internal/kv"
	"github.com/ecowatt-edge/firmware/internal/netclient"
	"github.com/ecowatt-edge/firmware/internal/runtime"
)

// Commands builds the Commands CycleFunc (spec.md §4.7): poll for a
// pending remote command, execute it, and POST the outcome.
func Commands(d *Deps) runtime.CycleFunc {
	return func(ctx context.Context) error {
		cmd, ok, err := d.Commands.Poll(ctx)
		if err != nil {
			d.Log.Warning().Err(err).Log("commands: poll failed")
			return nil
		}
		if !ok {
			return nil
		}

		result := executeCommand(ctx, d, cmd)
		if err := d.Commands.Result(ctx, result); err != nil {
			d.Log.Warning().Err(err).Str("command", cmd.Kind).Log("commands: posting result failed")
		}
		return nil
	}
}

func executeCommand(ctx context.Context, d *Deps, cmd netclient.Command) netclient.CommandResult {
	switch cmd.Kind {
	case netclient.CommandSetOutputPower:
		percent, _ := cmd.Params["percent"].(float64)
		d.PowerState.Set(percent)
		d.Log.Info().Str("command", cmd.ID).Log("commands: output power setpoint updated")
		return netclient.CommandResult{ID: cmd.ID, Success: true}

	case netclient.CommandWriteRegister:
		// The field-protocol wire codec is out of scope (spec.md §1); the
		// adapter contract this core consumes (sensorbus.Reader) is
		// read-only, so a register write cannot be executed here.
		return netclient.CommandResult{ID: cmd.ID, Success: false, Detail: "write path unsupported: field-protocol adapter is read-only"}

	case netclient.CommandReboot:
		d.Log.Warning().Str("command", cmd.ID).Log("commands: reboot requested by server")
		d.Rebooter.Reboot("remote_command")
		return netclient.CommandResult{ID: cmd.ID, Success: true}

	case netclient.CommandClearKV:
		// Only the configurable keys are deleted. The next reload
		// re-materializes them from the live RuntimeConfig values, so the
		// running configuration is not reverted to compile-time defaults;
		// security (nonce) is
		// deliberately untouched to preserve the monotonic-nonce invariant
		// (spec.md §4.4).
		var firstErr error
		for _, key := range []string{keyPollPeriodMS, keyUploadPeriodMS} {
			if err := d.Store.Delete(kv.NamespaceFreq, key); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		for _, key := range []string{keyRegisterMask, keyRegisterCount} {
			if err := d.Store.Delete(kv.NamespaceReadRegs, key); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if firstErr != nil {
			return netclient.CommandResult{ID: cmd.ID, Success: false, Detail: firstErr.Error()}
		}
		return netclient.CommandResult{ID: cmd.ID, Success: true, Detail: "configurable namespaces cleared"}

	case netclient.CommandCollectDiagnostics:
		postNonBlocking(d.DiagTrigger)
		return netclient.CommandResult{ID: cmd.ID, Success: true, Detail: "diagnostics collection queued"}

	case netclient.CommandSetLogLevel:
		// logiface's Level is a construction-time Option (see
		// internal/obslog.New); it cannot be swapped on a live Logger, so
		// the requested level is recorded for the next boot rather than
		// applied immediately.
		level, _ := cmd.Params["level"].(string)
		if err := d.Store.PutString(kv.NamespaceFreq, "pending_log_level", level); err != nil {
			return netclient.CommandResult{ID: cmd.ID, Success: false, Detail: err.Error()}
		}
		return netclient.CommandResult{ID: cmd.ID, Success: true, Detail: "applied at next boot"}

	case netclient.CommandBenchmarkCompression:
		stats := d.Engine.Stats()
		detail := fmt.Sprintf("%d methods benchmarked", len(stats))
		postNonBlocking(d.DiagTrigger)
		return netclient.CommandResult{ID: cmd.ID, Success: true, Detail: detail}

	default:
		return netclient.CommandResult{ID: cmd.ID, Success: false, Detail: "unknown command kind: " + cmd.Kind}
	}
}
