package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActuationCmdRoundTrip(t *testing.T) {
	t.Parallel()

	cmd := ActuationCmd{Steering: 0.1234, Throttle: -0.5, Counter: 7}
	frame := cmd.Encode()

	assert.Equal(t, ActuationFrameID, uint32(frame.ID))
	assert.Equal(t, uint8(ActuationFrameDLC), frame.Length)

	got, err := DecodeActuationCmd(frame)
	require.NoError(t, err)
	assert.InDelta(t, cmd.Steering, got.Steering, actuationFactor)
	assert.InDelta(t, cmd.Throttle, got.Throttle, actuationFactor)
	assert.Equal(t, cmd.Counter, got.Counter)
}

func TestActuationCmdClampsToRange(t *testing.T) {
	t.Parallel()

	frame := ActuationCmd{Steering: 2.5, Throttle: -9}.Encode()
	got, err := DecodeActuationCmd(frame)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.Steering, 1e-9)
	assert.InDelta(t, -1.0, got.Throttle, 1e-9)
}

func TestDecodeActuationCmdRejectsForeignFrames(t *testing.T) {
	t.Parallel()

	frame := ActuationCmd{}.Encode()
	frame.ID = 0x300
	_, err := DecodeActuationCmd(frame)
	assert.Error(t, err)

	frame = ActuationCmd{}.Encode()
	frame.Length = 2
	_, err = DecodeActuationCmd(frame)
	assert.Error(t, err)
}
