package compress

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ecowatt-edge/firmware/internal/model"
)

// encodeRLE run-length encodes each register's value stream independently,
// per spec.md §4.5 ("Best when: mostly-constant signals, e.g. status
// flags"). Every stream is encoded as a sequence of (value, run length)
// pairs; a stream with no repeats degrades to one pair per sample, which is
// always representable, making this method an unconditional fallback.
func encodeRLE(batch model.Batch) []byte {
	registerCount := len(batch.Selection.Vector)
	sampleCount := len(batch.Samples)

	buf := &bytes.Buffer{}
	writeHeader(buf, model.MethodRLE, batch.Selection.Vector, sampleCount)

	for j := 0; j < registerCount; j++ {
		type run struct {
			value  uint16
			length uint16
		}
		var runs []run
		for i := 0; i < sampleCount; i++ {
			v := batch.Samples[i].Values[j]
			if len(runs) > 0 && runs[len(runs)-1].value == v && runs[len(runs)-1].length < 0xFFFF {
				runs[len(runs)-1].length++
			} else {
				runs = append(runs, run{value: v, length: 1})
			}
		}
		var rc [2]byte
		binary.BigEndian.PutUint16(rc[:], uint16(len(runs)))
		buf.Write(rc[:])
		for _, r := range runs {
			var vb, lb [2]byte
			binary.BigEndian.PutUint16(vb[:], r.value)
			binary.BigEndian.PutUint16(lb[:], r.length)
			buf.Write(vb[:])
			buf.Write(lb[:])
		}
	}
	return buf.Bytes()
}

func decodeRLE(data []byte) (Decoded, error) {
	registers, sampleCount, rest, err := readHeader(data)
	if err != nil {
		return Decoded{}, err
	}
	registerCount := len(registers)

	columns := make([][]uint16, registerCount)
	for j := 0; j < registerCount; j++ {
		if len(rest) < 2 {
			return Decoded{}, fmt.Errorf("compress: rle truncated run count")
		}
		numRuns := int(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
		col := make([]uint16, 0, sampleCount)
		for r := 0; r < numRuns; r++ {
			if len(rest) < 4 {
				return Decoded{}, fmt.Errorf("compress: rle truncated run")
			}
			value := binary.BigEndian.Uint16(rest[:2])
			length := binary.BigEndian.Uint16(rest[2:4])
			rest = rest[4:]
			for k := uint16(0); k < length; k++ {
				col = append(col, value)
			}
		}
		if len(col) != sampleCount {
			return Decoded{}, fmt.Errorf("compress: rle column %d length %d != sample count %d", j, len(col), sampleCount)
		}
		columns[j] = col
	}

	values := make([][]uint16, sampleCount)
	for i := 0; i < sampleCount; i++ {
		row := make([]uint16, registerCount)
		for j := 0; j < registerCount; j++ {
			row[j] = columns[j][i]
		}
		values[i] = row
	}
	return Decoded{Registers: registers, Values: values}, nil
}
