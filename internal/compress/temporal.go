package compress

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ecowatt-edge/firmware/internal/model"
)

// encodeTemporal stores the first sample verbatim and every subsequent
// sample as a per-register delta from the previous sample, per spec.md
// §4.5 ("Best when: slow-varying series"). It picks the narrowest tag that
// can hold every delta losslessly: 0x70 (1-byte signed) when all deltas fit
// in [-128,127], else 0x71 (2-byte signed) when they fit in
// [-32768,32767]. A batch with a larger single-step swing than a 2-byte
// signed delta can represent is not eligible for this method; the caller
// (Smart selection) simply skips it in that case.
func encodeTemporal(batch model.Batch) (model.CompressionMethod, []byte, error) {
	registerCount := len(batch.Selection.Vector)
	sampleCount := len(batch.Samples)
	if sampleCount == 0 {
		return 0, nil, fmt.Errorf("compress: temporal needs at least one sample")
	}

	maxAbs := 0
	deltas := make([][]int32, sampleCount-1)
	for i := 1; i < sampleCount; i++ {
		row := make([]int32, registerCount)
		for j := 0; j < registerCount; j++ {
			d := int32(batch.Samples[i].Values[j]) - int32(batch.Samples[i-1].Values[j])
			row[j] = d
			abs := d
			if abs < 0 {
				abs = -abs
			}
			if int(abs) > maxAbs {
				maxAbs = int(abs)
			}
		}
		deltas[i-1] = row
	}

	var tag model.CompressionMethod
	switch {
	case maxAbs <= 127:
		tag = model.MethodTemporal1
	case maxAbs <= 32767:
		tag = model.MethodTemporal2
	default:
		return 0, nil, fmt.Errorf("compress: temporal delta out of representable range (max abs delta %d)", maxAbs)
	}

	buf := &bytes.Buffer{}
	writeHeader(buf, tag, batch.Selection.Vector, sampleCount)
	for _, v := range batch.Samples[0].Values {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], v)
		buf.Write(b[:])
	}
	for _, row := range deltas {
		for _, d := range row {
			if tag == model.MethodTemporal1 {
				buf.WriteByte(byte(int8(d)))
			} else {
				var b [2]byte
				binary.BigEndian.PutUint16(b[:], uint16(int16(d)))
				buf.Write(b[:])
			}
		}
	}
	return tag, buf.Bytes(), nil
}

func decodeTemporal(data []byte) (Decoded, error) {
	registers, sampleCount, rest, err := readHeader(data)
	if err != nil {
		return Decoded{}, err
	}
	registerCount := len(registers)
	tag := model.CompressionMethod(data[0])

	if len(rest) < registerCount*2 {
		return Decoded{}, fmt.Errorf("compress: temporal truncated first sample")
	}
	values := make([][]uint16, sampleCount)
	first := make([]uint16, registerCount)
	for j := 0; j < registerCount; j++ {
		first[j] = binary.BigEndian.Uint16(rest[j*2:])
	}
	values[0] = first
	rest = rest[registerCount*2:]

	prev := append([]uint16(nil), first...)
	deltaWidth := 1
	if tag == model.MethodTemporal2 {
		deltaWidth = 2
	}
	for i := 1; i < sampleCount; i++ {
		row := make([]uint16, registerCount)
		for j := 0; j < registerCount; j++ {
			if len(rest) < deltaWidth {
				return Decoded{}, fmt.Errorf("compress: temporal truncated delta stream")
			}
			var d int32
			if deltaWidth == 1 {
				d = int32(int8(rest[0]))
				rest = rest[1:]
			} else {
				d = int32(int16(binary.BigEndian.Uint16(rest[:2])))
				rest = rest[2:]
			}
			row[j] = uint16(int32(prev[j]) + d)
		}
		values[i] = row
		prev = row
	}

	return Decoded{Registers: registers, Values: values}, nil
}
