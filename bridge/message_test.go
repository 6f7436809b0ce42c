package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mpc-pilot/mpc"
)

const sampleTelemetry = `42["telemetry",{"ptsx":[0,10,20,30,40],"ptsy":[0,0.5,1,2,3],` +
	`"x":1.5,"y":-0.5,"psi":0.1,"speed":22.5,"steering_angle":0.02,"throttle":0.6}]`

func TestParseEvent(t *testing.T) {
	t.Parallel()

	t.Run("telemetry event", func(t *testing.T) {
		t.Parallel()
		event, payload, ok := parseEvent([]byte(sampleTelemetry))
		require.True(t, ok)
		assert.Equal(t, "telemetry", event)

		var tm telemetryMsg
		require.NoError(t, json.Unmarshal(payload, &tm))
		assert.Equal(t, []float64{0, 10, 20, 30, 40}, tm.PtsX)
		assert.Equal(t, 22.5, tm.Speed)
		assert.Equal(t, 0.02, tm.SteeringAngle)
	})

	t.Run("null payload means manual driving", func(t *testing.T) {
		t.Parallel()
		event, payload, ok := parseEvent([]byte(`42["telemetry",null]`))
		require.True(t, ok)
		assert.Empty(t, event)
		assert.Nil(t, payload)
	})

	t.Run("non-message frames are ignored", func(t *testing.T) {
		t.Parallel()
		_, _, ok := parseEvent([]byte("3"))
		assert.False(t, ok)
		_, _, ok = parseEvent([]byte("40"))
		assert.False(t, ok)
	})

	t.Run("malformed body is a manual frame", func(t *testing.T) {
		t.Parallel()
		event, payload, ok := parseEvent([]byte(`42{"not":"an array"}`))
		require.True(t, ok)
		assert.Empty(t, event)
		assert.Nil(t, payload)
	})
}

func TestTelemetryConversion(t *testing.T) {
	t.Parallel()

	_, payload, ok := parseEvent([]byte(sampleTelemetry))
	require.True(t, ok)

	var tm telemetryMsg
	require.NoError(t, json.Unmarshal(payload, &tm))

	got := tm.toTelemetry()
	assert.Equal(t, 1.5, got.X)
	assert.Equal(t, -0.5, got.Y)
	assert.Equal(t, 0.1, got.Psi)
	assert.Equal(t, 0.6, got.Throttle)
	assert.Len(t, got.WaypointsY, 5)
}

func TestEncodeSteer(t *testing.T) {
	t.Parallel()

	out := mpc.Output{
		Steering: -0.12,
		Throttle: 0.7,
		PredX:    []float64{1, 2},
		PredY:    []float64{0.1, 0.2},
		RefX:     []float64{0, 2.5},
		RefY:     []float64{0, 0},
	}
	raw, err := encodeSteer(out)
	require.NoError(t, err)
	assert.True(t, len(raw) > 2 && string(raw[:2]) == "42")

	event, payload, ok := parseEvent(raw)
	require.True(t, ok)
	assert.Equal(t, "steer", event)

	var msg steerMsg
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, -0.12, msg.SteeringAngle)
	assert.Equal(t, 0.7, msg.Throttle)
	assert.Equal(t, []float64{1, 2}, msg.MPCX)
	assert.Equal(t, []float64{0, 0}, msg.NextY)
}
