// Package compress implements the five-algorithm lossless compression
// engine described in spec.md §4.5: Dictionary, Temporal Delta, Semantic
// RLE, Adaptive Bit-Packing, and a Smart selector that trials all four and
// keeps the smallest. Every encoder has a matching decoder dispatched off
// the one-byte leading method tag, so no out-of-band signalling is needed.
package compress

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ecowatt-edge/firmware/internal/model"
)

// Decoded is what a Decode call reconstructs: the register vector and the
// per-sample values, in the same order the encoder saw them.
type Decoded struct {
	Registers []model.RegID
	Values    [][]uint16 // Values[i] are the register values of sample i
}

func decodedFromBatch(b model.Batch) Decoded {
	d := Decoded{Registers: b.Selection.Vector, Values: make([][]uint16, len(b.Samples))}
	for i, s := range b.Samples {
		d.Values[i] = s.Values
	}
	return d
}

// Equal reports whether two Decoded values carry identical data, used by
// the engine's internal round-trip check and by tests.
func (d Decoded) Equal(o Decoded) bool {
	if len(d.Registers) != len(o.Registers) || len(d.Values) != len(o.Values) {
		return false
	}
	for i := range d.Registers {
		if d.Registers[i] != o.Registers[i] {
			return false
		}
	}
	for i := range d.Values {
		if len(d.Values[i]) != len(o.Values[i]) {
			return false
		}
		for j := range d.Values[i] {
			if d.Values[i][j] != o.Values[i][j] {
				return false
			}
		}
	}
	return true
}

// Engine owns the learned dictionary and per-method statistics, both
// guarded by a single mutex standing in for spec.md §4.6's
// "compression_mutex" (briefly held, protects compressor state and
// statistics).
type Engine struct {
	mu    sync.Mutex
	dict  *dictionary
	stats map[model.CompressionMethod]*MethodStats
}

// MethodStats are the per-method telemetry counters named in spec.md §4.5.
type MethodStats struct {
	Invocations  int
	SuccessCount int
	totalRatio   float64
	totalMicros  float64
}

func (s MethodStats) AverageRatio() float64 {
	if s.Invocations == 0 {
		return 0
	}
	return s.totalRatio / float64(s.Invocations)
}

func (s MethodStats) AverageMicros() float64 {
	if s.Invocations == 0 {
		return 0
	}
	return s.totalMicros / float64(s.Invocations)
}

func NewEngine() *Engine {
	return &Engine{
		dict:  newDictionary(maxDictionaryPatterns),
		stats: make(map[model.CompressionMethod]*MethodStats),
	}
}

// Stats returns a snapshot of per-method statistics, safe to read
// concurrently with further compression (used for telemetry, spec.md
// §4.5).
func (e *Engine) Stats() map[model.CompressionMethod]MethodStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[model.CompressionMethod]MethodStats, len(e.stats))
	for k, v := range e.stats {
		out[k] = *v
	}
	return out
}

func (e *Engine) record(method model.CompressionMethod, ratio float64, elapsed time.Duration, ok bool) {
	st, present := e.stats[method]
	if !present {
		st = &MethodStats{}
		e.stats[method] = st
	}
	st.Invocations++
	st.totalRatio += ratio
	st.totalMicros += float64(elapsed.Microseconds())
	if ok {
		st.SuccessCount++
	}
}

// Compress encodes batch with method (or, for model.MethodSmart, trials all
// four candidates and keeps the smallest per spec.md §4.5's tie-break
// order), verifying losslessness internally before returning (spec.md
// §4.5: "MUST verify that decompress(compress(x)) == x during
// compression").
func (e *Engine) Compress(batch model.Batch, method model.CompressionMethod) (*model.CompressedPacket, error) {
	if err := batch.Selection.Validate(); err != nil {
		return nil, err
	}
	if len(batch.Samples) == 0 {
		return nil, fmt.Errorf("compress: empty batch")
	}
	for _, s := range batch.Samples {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if len(s.Values) != len(batch.Selection.Vector) {
			return nil, fmt.Errorf("compress: sample carries %d values, batch selection has %d registers", len(s.Values), len(batch.Selection.Vector))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	tag, data, err := e.encodeLocked(batch, method)
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}

	original := decodedFromBatch(batch)
	decoded, derr := Decode(data)
	ok := derr == nil && decoded.Equal(original)

	originalSize := len(batch.Samples) * len(batch.Selection.Vector) * 2
	ratio := 0.0
	if originalSize > 0 {
		ratio = float64(len(data)) / float64(originalSize)
	}
	e.record(tag, ratio, elapsed, ok)

	if !ok {
		if derr != nil {
			return nil, fmt.Errorf("compress: internal round-trip decode failed for method %#x: %w", tag, derr)
		}
		return nil, fmt.Errorf("compress: internal round-trip mismatch for method %#x", tag)
	}

	return &model.CompressedPacket{
		Method:       tag,
		OriginalSize: originalSize,
		Timestamp:    batch.Samples[0].Timestamp,
		Selection:    batch.Selection,
		TotalSamples: len(batch.Samples),
		Data:         data,
		CompressedAt: elapsed,
	}, nil
}

func (e *Engine) encodeLocked(batch model.Batch, method model.CompressionMethod) (model.CompressionMethod, []byte, error) {
	switch method {
	case model.MethodDictionary:
		return model.MethodDictionary, e.dict.encode(batch), nil
	case model.MethodTemporal1, model.MethodTemporal2:
		return encodeTemporal(batch)
	case model.MethodRLE:
		return model.MethodRLE, encodeRLE(batch), nil
	case model.MethodBitPack:
		return model.MethodBitPack, encodeBitPack(batch), nil
	case model.MethodSmart:
		return e.smartLocked(batch)
	default:
		return 0, nil, fmt.Errorf("compress: unknown method %#x", method)
	}
}

// smartLocked trials every available algorithm and keeps the smallest,
// breaking ties toward Dictionary -> Temporal -> RLE -> Bit-pack (spec.md
// §4.5).
func (e *Engine) smartLocked(batch model.Batch) (model.CompressionMethod, []byte, error) {
	type candidate struct {
		method model.CompressionMethod
		data   []byte
	}
	var candidates []candidate

	candidates = append(candidates, candidate{model.MethodDictionary, e.dict.encode(batch)})

	if tag, data, err := encodeTemporal(batch); err == nil {
		candidates = append(candidates, candidate{tag, data})
	}

	candidates = append(candidates, candidate{model.MethodRLE, encodeRLE(batch)})
	candidates = append(candidates, candidate{model.MethodBitPack, encodeBitPack(batch)})

	best := candidates[0]
	bestRank := rank(best.method)
	for _, c := range candidates[1:] {
		if len(c.data) < len(best.data) || (len(c.data) == len(best.data) && rank(c.method) < bestRank) {
			best = c
			bestRank = rank(c.method)
		}
	}
	return best.method, best.data, nil
}

func rank(m model.CompressionMethod) int {
	switch m {
	case model.MethodDictionary:
		return 0
	case model.MethodTemporal1, model.MethodTemporal2:
		return 1
	case model.MethodRLE:
		return 2
	case model.MethodBitPack:
		return 3
	default:
		return 99
	}
}

// Decode dispatches on the leading method tag and reconstructs the
// original register vector and per-sample values.
func Decode(data []byte) (Decoded, error) {
	if len(data) == 0 {
		return Decoded{}, fmt.Errorf("compress: empty buffer")
	}
	switch model.CompressionMethod(data[0]) {
	case model.MethodDictionary:
		return decodeDictionary(data)
	case model.MethodTemporal1, model.MethodTemporal2:
		return decodeTemporal(data)
	case model.MethodRLE:
		return decodeRLE(data)
	case model.MethodBitPack:
		return decodeBitPack(data)
	default:
		return Decoded{}, fmt.Errorf("compress: unknown method tag %#x", data[0])
	}
}

// writeHeader emits [tag][registerCount][sampleCount_be16][registerVector...],
// making every encoded buffer self-describing: a decoder never needs the
// originating RegisterSelection out of band to reconstruct a Decoded value.
func writeHeader(buf *bytes.Buffer, tag model.CompressionMethod, registers []model.RegID, sampleCount int) {
	buf.WriteByte(byte(tag))
	buf.WriteByte(byte(len(registers)))
	var sc [2]byte
	binary.BigEndian.PutUint16(sc[:], uint16(sampleCount))
	buf.Write(sc[:])
	for _, r := range registers {
		buf.WriteByte(byte(r))
	}
}

func readHeader(data []byte) (registers []model.RegID, sampleCount int, rest []byte, err error) {
	if len(data) < 4 {
		return nil, 0, nil, fmt.Errorf("compress: truncated header")
	}
	registerCount := int(data[1])
	sampleCount = int(binary.BigEndian.Uint16(data[2:4]))
	if len(data) < 4+registerCount {
		return nil, 0, nil, fmt.Errorf("compress: truncated register vector")
	}
	registers = make([]model.RegID, registerCount)
	for i := 0; i < registerCount; i++ {
		registers[i] = model.RegID(data[4+i])
	}
	return registers, sampleCount, data[4+registerCount:], nil
}
