package compress

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ecowatt-edge/firmware/internal/model"
)

// maxDictionaryPatterns bounds the learned table at sixteen full-sample
// patterns (spec.md §4.5: "Best when: repeating operating points").
const maxDictionaryPatterns = 16

// noMatch is the per-sample sentinel index meaning "this sample did not
// match any currently-known pattern; its raw values follow".
const noMatch = 0xFF

// dictionary is the compression engine's learned-pattern table. It
// persists across batches on the Engine so that operating points learned
// on one upload cycle keep paying off on the next. Replacement on a full
// table is round-robin rather than true LRU: this keeps eviction order a
// pure function of a single cursor, so a decoder replaying the per-sample
// codes in a packet can reconstruct the exact table evolution without any
// side-channel usage history.
type dictionary struct {
	capacity int
	patterns [][]uint16
	cursor   int
}

func newDictionary(capacity int) *dictionary {
	return &dictionary{capacity: capacity}
}

func (d *dictionary) find(values []uint16) int {
	for i, p := range d.patterns {
		if sameValues(p, values) {
			return i
		}
	}
	return -1
}

func sameValues(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// learn inserts values into the table, appending while there is room and
// otherwise overwriting the slot at the round-robin cursor. It returns the
// slot index used.
func (d *dictionary) learn(values []uint16) int {
	row := append([]uint16(nil), values...)
	if len(d.patterns) < d.capacity {
		d.patterns = append(d.patterns, row)
		return len(d.patterns) - 1
	}
	slot := d.cursor
	d.patterns[slot] = row
	d.cursor = (d.cursor + 1) % d.capacity
	return slot
}

// encode mutates d's live state as a side effect (patterns learned in this
// batch are available to the next), after first snapshotting d's
// pre-batch state into the packet header so the packet decodes on its own.
func (d *dictionary) encode(batch model.Batch) []byte {
	buf := &bytes.Buffer{}
	writeHeader(buf, model.MethodDictionary, batch.Selection.Vector, len(batch.Samples))
	buf.WriteByte(byte(len(d.patterns)))
	buf.WriteByte(byte(d.cursor))
	for _, p := range d.patterns {
		for _, v := range p {
			var b [2]byte
			binary.BigEndian.PutUint16(b[:], v)
			buf.Write(b[:])
		}
	}

	for _, s := range batch.Samples {
		if idx := d.find(s.Values); idx >= 0 {
			buf.WriteByte(byte(idx))
			continue
		}
		d.learn(s.Values)
		buf.WriteByte(noMatch)
		for _, v := range s.Values {
			var b [2]byte
			binary.BigEndian.PutUint16(b[:], v)
			buf.Write(b[:])
		}
	}
	return buf.Bytes()
}

func decodeDictionary(data []byte) (Decoded, error) {
	registers, sampleCount, rest, err := readHeader(data)
	if err != nil {
		return Decoded{}, err
	}
	registerCount := len(registers)

	if len(rest) < 2 {
		return Decoded{}, fmt.Errorf("compress: dictionary truncated table header")
	}
	patternCount := int(rest[0])
	cursor := int(rest[1])
	rest = rest[2:]

	if len(rest) < patternCount*registerCount*2 {
		return Decoded{}, fmt.Errorf("compress: dictionary truncated pattern table")
	}
	patterns := make([][]uint16, patternCount)
	for i := 0; i < patternCount; i++ {
		row := make([]uint16, registerCount)
		for j := 0; j < registerCount; j++ {
			row[j] = binary.BigEndian.Uint16(rest[:2])
			rest = rest[2:]
		}
		patterns[i] = row
	}

	values := make([][]uint16, sampleCount)
	for i := 0; i < sampleCount; i++ {
		if len(rest) < 1 {
			return Decoded{}, fmt.Errorf("compress: dictionary truncated sample code")
		}
		code := rest[0]
		rest = rest[1:]
		if code == noMatch {
			if len(rest) < registerCount*2 {
				return Decoded{}, fmt.Errorf("compress: dictionary truncated raw sample")
			}
			row := make([]uint16, registerCount)
			for j := 0; j < registerCount; j++ {
				row[j] = binary.BigEndian.Uint16(rest[:2])
				rest = rest[2:]
			}
			values[i] = row
			if len(patterns) < maxDictionaryPatterns {
				patterns = append(patterns, append([]uint16(nil), row...))
			} else {
				patterns[cursor] = append([]uint16(nil), row...)
				cursor = (cursor + 1) % maxDictionaryPatterns
			}
			continue
		}
		idx := int(code)
		if idx >= len(patterns) {
			return Decoded{}, fmt.Errorf("compress: dictionary pattern index %d out of range (have %d)", idx, len(patterns))
		}
		values[i] = append([]uint16(nil), patterns[idx]...)
	}

	return Decoded{Registers: registers, Values: values}, nil
}
