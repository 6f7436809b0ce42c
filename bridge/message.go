// Package bridge speaks the simulator's websocket protocol: socket.io-style
// text frames carrying telemetry in and actuation out. Each connected
// simulator session gets its own controller instance.
package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"

	"mpc-pilot/mpc"
)

// messagePrefix marks a socket.io message event: '4' = message, '2' = event.
var messagePrefix = []byte("42")

// manualFrame tells the simulator no actuation is being commanded this cycle.
var manualFrame = []byte(`42["manual",{}]`)

// telemetryMsg mirrors the simulator's telemetry payload.
type telemetryMsg struct {
	PtsX          []float64 `json:"ptsx"`
	PtsY          []float64 `json:"ptsy"`
	X             float64   `json:"x"`
	Y             float64   `json:"y"`
	Psi           float64   `json:"psi"`
	Speed         float64   `json:"speed"`
	SteeringAngle float64   `json:"steering_angle"`
	Throttle      float64   `json:"throttle"`
}

func (m telemetryMsg) toTelemetry() mpc.Telemetry {
	return mpc.Telemetry{
		WaypointsX: m.PtsX,
		WaypointsY: m.PtsY,
		X:          m.X,
		Y:          m.Y,
		Psi:        m.Psi,
		Speed:      m.Speed,
		SteerAngle: m.SteeringAngle,
		Throttle:   m.Throttle,
	}
}

// steerMsg mirrors the simulator's actuation payload: commands plus the two
// visualization lines (predicted trajectory and reference curve).
type steerMsg struct {
	SteeringAngle float64   `json:"steering_angle"`
	Throttle      float64   `json:"throttle"`
	MPCX          []float64 `json:"mpc_x"`
	MPCY          []float64 `json:"mpc_y"`
	NextX         []float64 `json:"next_x"`
	NextY         []float64 `json:"next_y"`
}

// parseEvent splits a raw websocket frame into its event name and payload.
// ok is false for frames that are not message events; a message event with no
// usable payload comes back with an empty event name (manual driving).
func parseEvent(raw []byte) (event string, payload json.RawMessage, ok bool) {
	if !bytes.HasPrefix(raw, messagePrefix) {
		return "", nil, false
	}
	body := raw[len(messagePrefix):]

	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil || len(parts) < 2 {
		return "", nil, true
	}
	if err := json.Unmarshal(parts[0], &event); err != nil {
		return "", nil, true
	}
	if bytes.Equal(bytes.TrimSpace(parts[1]), []byte("null")) {
		return "", nil, true
	}
	return event, parts[1], true
}

// encodeSteer wraps one controller output in the simulator's steer event.
func encodeSteer(out mpc.Output) ([]byte, error) {
	msg := steerMsg{
		SteeringAngle: out.Steering,
		Throttle:      out.Throttle,
		MPCX:          out.PredX,
		MPCY:          out.PredY,
		NextX:         out.RefX,
		NextY:         out.RefY,
	}
	body, err := json.Marshal([]any{"steer", msg})
	if err != nil {
		return nil, fmt.Errorf("marshal steer event: %w", err)
	}
	return append(append([]byte{}, messagePrefix...), body...), nil
}
