package mpc

import "math"

// Physical constants of the plant. These are properties of the vehicle and
// the actuator hardware, not tuning knobs, so they are compiled in rather
// than configurable.
const (
	// Lf is the distance from the front axle to the center of gravity.
	Lf = 2.67

	// SteerLockRad is the physical steering lock: 25 degrees in radians.
	// The wire-level steering command is this angle normalized to [-1, 1].
	SteerLockRad = 0.436332

	// MaxThrottle bounds the normalized throttle/brake command.
	MaxThrottle = 1.0
)

// Horizon geometry. One plan spans HorizonSteps * StepSeconds, about 0.8 s.
const (
	HorizonSteps = 8
	StepSeconds  = 0.1
)

// State is the vehicle state the controller plans from. X, Y, Psi and V come
// from telemetry (after latency propagation); CTE and EPsi are filled in once
// the reference curve has been fitted.
type State struct {
	X    float64
	Y    float64
	Psi  float64
	V    float64
	CTE  float64
	EPsi float64
}

// Finite reports whether every channel holds a finite value.
func (s State) Finite() bool {
	return finite(s.X) && finite(s.Y) && finite(s.Psi) &&
		finite(s.V) && finite(s.CTE) && finite(s.EPsi)
}

// StepKinematic advances the pose channels of s by dt under the bicycle
// kinematic approximation with steering angle delta and acceleration accel.
// The steering sign convention is the caller's responsibility: a positive
// delta rotates the heading counter-clockwise. CTE and EPsi are carried
// through untouched; they are only meaningful relative to a fitted curve.
func StepKinematic(s State, delta, accel, dt float64) State {
	next := s
	next.X = s.X + s.V*math.Cos(s.Psi)*dt
	next.Y = s.Y + s.V*math.Sin(s.Psi)*dt
	next.Psi = s.Psi + s.V/Lf*delta*dt
	next.V = s.V + accel*dt
	return next
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteAll(vs []float64) bool {
	for _, v := range vs {
		if !finite(v) {
			return false
		}
	}
	return true
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
