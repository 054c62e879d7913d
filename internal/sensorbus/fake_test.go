package sensorbus_test

import (
	"testing"

	"github.com/ecowatt-edge/firmware/internal/faultkind"
	"github.com/ecowatt-edge/firmware/internal/sensorbus"
	"github.com/stretchr/testify/require"
)

func TestFakeReplaysScriptedReadings(t *testing.T) {
	f := sensorbus.NewFake()
	f.Enqueue(10, 20, 30)
	f.EnqueueFault(sensorbus.FaultCRC)
	f.SetRepeat(1, 2, 3)

	dv, err := f.Read()
	require.NoError(t, err)
	require.True(t, dv.OK)
	require.Equal(t, 3, dv.Count)
	require.Equal(t, uint16(10), dv.Values[0])

	_, err = f.Read()
	require.Error(t, err)
	fault, ok := faultkind.As(err)
	require.True(t, ok)
	require.Equal(t, faultkind.ProtocolFrame, fault.Kind)

	dv, err = f.Read()
	require.NoError(t, err)
	require.Equal(t, uint16(1), dv.Values[0])

	dv, err = f.Read()
	require.NoError(t, err)
	require.Equal(t, uint16(1), dv.Values[0])
}
