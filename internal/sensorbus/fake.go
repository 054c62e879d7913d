package sensorbus

import (
	"fmt"
	"sync"

	"github.com/ecowatt-edge/firmware/internal/faultkind"
)

// FrameFault names the sub-kind of a protocol_frame fault, carried in the
// fault-recovery report's fault_type field (spec.md §6:
// "crc_error"|"truncated"|"buffer_overflow"|"garbage").
type FrameFault string

const (
	FaultCRC            FrameFault = "crc_error"
	FaultTruncated      FrameFault = "truncated"
	FaultBufferOverflow FrameFault = "buffer_overflow"
	FaultGarbage        FrameFault = "garbage"
)

// Fake is an in-memory Reader that replays a scripted sequence of readings,
// used by task-runtime tests in place of the real inverter codec.
type Fake struct {
	mu      sync.Mutex
	queue   []fakeResult
	repeat  fakeResult
	callIdx int
}

type fakeResult struct {
	values DecodedValues
	fault  FrameFault
}

func NewFake() *Fake {
	return &Fake{}
}

// Enqueue schedules a clean reading of count values (zero-padded to
// model.MaxRegisters) to be returned by the next Read call.
func (f *Fake) Enqueue(values ...uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var dv DecodedValues
	dv.Count = len(values)
	copy(dv.Values[:], values)
	dv.OK = true
	f.queue = append(f.queue, fakeResult{values: dv})
}

// EnqueueFault schedules a failed reading carrying the given protocol_frame
// sub-kind.
func (f *Fake) EnqueueFault(fault FrameFault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, fakeResult{fault: fault})
}

// SetRepeat installs a steady-state reading returned once the scripted
// queue is exhausted, so long-running tests don't need to enqueue forever.
func (f *Fake) SetRepeat(values ...uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var dv DecodedValues
	dv.Count = len(values)
	copy(dv.Values[:], values)
	dv.OK = true
	f.repeat = fakeResult{values: dv}
}

func (f *Fake) Read() (DecodedValues, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callIdx++

	var r fakeResult
	if len(f.queue) > 0 {
		r = f.queue[0]
		f.queue = f.queue[1:]
	} else if f.repeat.values.OK {
		r = f.repeat
	} else {
		return DecodedValues{}, faultkind.Wrap(faultkind.ProtocolFrame, fmt.Errorf("sensorbus: no scripted reading left"), "fake reader exhausted")
	}

	if r.fault != "" {
		return DecodedValues{}, faultkind.Wrap(faultkind.ProtocolFrame, fmt.Errorf("sensorbus: %s", r.fault), string(r.fault))
	}
	return r.values, nil
}
