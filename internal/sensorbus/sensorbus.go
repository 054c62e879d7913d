// Package sensorbus defines the field-protocol adapter contract the task
// runtime polls against (spec.md §6: "the core consumes a
// DecodedValues{values[16]; count; ok} contract"). The inverter's native
// wire codec is out of scope (spec.md §1); this package only specifies and
// fakes the boundary.
package sensorbus

import "github.com/ecowatt-edge/firmware/internal/model"

// DecodedValues is one polling cycle's result from the field-protocol
// adapter: up to model.MaxRegisters sixteen-bit values, how many of them
// are valid, and whether the read succeeded at all.
type DecodedValues struct {
	Values [model.MaxRegisters]uint16
	Count  int
	OK     bool
}

// Reader is implemented by the field-protocol adapter. Sensor Poll calls
// Read once per cycle and reports protocol_frame faults (CRC error,
// truncated, garbage) through the fault-recovery client when OK is false.
type Reader interface {
	Read() (DecodedValues, error)
}
