// Package model holds the shared data types that flow between the firmware
// core's components: samples, register selections, batches, compressed
// packets and the security envelope.
package model

import (
	"fmt"
	"math/bits"
	"time"
)

// RegID identifies a single inverter register in the fixed sixteen-entry
// catalog. Values outside [0,15] are not assignable to a RegisterSelection.
type RegID uint8

// MaxRegisters is the size of the fixed register catalog (spec.md §3).
const MaxRegisters = 16

// RegisterSelection is a bitmask over the register catalog plus the
// redundant (but invariant-checked) popcount of that mask.
type RegisterSelection struct {
	Mask  uint16
	Count uint8
	// Vector is the ordered list of register identifiers the mask selects,
	// in the order samples will carry their values.
	Vector []RegID
}

// Validate enforces popcount(mask) == count > 0 and that Vector agrees with
// Mask (spec.md §3, Register selection invariant).
func (s RegisterSelection) Validate() error {
	if s.Count == 0 {
		return fmt.Errorf("model: register selection count must be > 0")
	}
	if int(s.Count) != bits.OnesCount16(s.Mask) {
		return fmt.Errorf("model: register selection popcount(%016b)=%d != count=%d",
			s.Mask, bits.OnesCount16(s.Mask), s.Count)
	}
	if len(s.Vector) != int(s.Count) {
		return fmt.Errorf("model: register vector length %d != count %d", len(s.Vector), s.Count)
	}
	for _, r := range s.Vector {
		if r >= MaxRegisters {
			return fmt.Errorf("model: register id %d out of range", r)
		}
		if s.Mask&(1<<uint(r)) == 0 {
			return fmt.Errorf("model: register id %d not set in mask", r)
		}
	}
	return nil
}

// Sample is a time-stamped tuple of sixteen-bit measurements, ordered by the
// register selection vector that produced it. A sample carries its own
// register vector so that a batch spanning a configuration change boundary
// can never be mis-decoded (spec.md §3 invariant).
type Sample struct {
	Timestamp time.Time
	Registers []RegID
	Values    []uint16
}

// Validate enforces that the vector length matches the values count.
func (s Sample) Validate() error {
	if len(s.Registers) != len(s.Values) {
		return fmt.Errorf("model: sample register count %d != value count %d", len(s.Registers), len(s.Values))
	}
	if len(s.Values) == 0 {
		return fmt.Errorf("model: sample has no values")
	}
	return nil
}

// Batch is an ordered sequence of samples sharing the same register
// selection. BatchSize computes the configured capacity per spec.md §3:
// ceil(uploadPeriod/pollPeriod), clamped to >= 1.
func BatchSize(uploadPeriod, pollPeriod time.Duration) int {
	if pollPeriod <= 0 {
		return 1
	}
	n := int((uploadPeriod + pollPeriod - 1) / pollPeriod)
	if n < 1 {
		n = 1
	}
	return n
}

// Batch accumulates samples until it is consumed atomically by the
// compressor.
type Batch struct {
	Selection RegisterSelection
	Samples   []Sample
}

// CompressionMethod names the five compression engine algorithms, tagged by
// their leading wire byte (spec.md §4.5).
type CompressionMethod byte

const (
	MethodDictionary CompressionMethod = 0xD0
	MethodTemporal1  CompressionMethod = 0x70 // 1-byte delta
	MethodTemporal2  CompressionMethod = 0x71 // 2-byte delta
	MethodRLE        CompressionMethod = 0x50
	MethodBitPack    CompressionMethod = 0x01
	MethodSmart      CompressionMethod = 0xFF
)

// Name returns the wire method-identifier string used in
// decompression_metadata.method (spec.md §6).
func (m CompressionMethod) Name() string {
	switch m {
	case MethodDictionary:
		return "DICTIONARY"
	case MethodTemporal1, MethodTemporal2:
		return "TEMPORAL"
	case MethodRLE:
		return "SEMANTIC"
	case MethodBitPack:
		return "BITPACK"
	default:
		return "UNKNOWN"
	}
}

// CompressedPacket is the encoded byte buffer plus the metadata needed to
// decode and report on it (spec.md §3). Data is an ordinary slice; its
// length is not capped here.
type CompressedPacket struct {
	Method        CompressionMethod
	OriginalSize  int
	Timestamp     time.Time
	Selection     RegisterSelection
	TotalSamples  int
	Data          []byte
	CompressedAt  time.Duration // compression_time_us equivalent, as a Duration
	CreatedCycles int           // retention counter: upload cycles survived unsent
}

// MaxUploadCyclesRetained is the retention ceiling, in upload cycles, named
// for an unsent compressed packet (spec.md §3). Nothing reads it or advances
// CreatedCycles: the Uploader keeps an unsent packet in its ring until it is
// sent or pushed out as the oldest entry of a full ring.
const MaxUploadCyclesRetained = 3

// SecuredEnvelope is the four-field wire wrapper adding nonce + MAC to a
// payload (spec.md §3/§4.4).
type SecuredEnvelope struct {
	Nonce     uint64 `json:"nonce"`
	Payload   string `json:"payload"`
	MAC       string `json:"mac"`
	Encrypted bool   `json:"encrypted"`
}
