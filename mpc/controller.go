package mpc

import (
	"fmt"
	"time"
)

// Reference-line visualization: samples at evenly spaced local x-offsets.
const (
	refLinePoints  = 25
	refLineSpacing = 2.5
)

// NominalLatency is assumed for the first cycle, before any actuation has
// been issued to measure against. It matches the simulator's actuation delay.
const NominalLatency = 100 * time.Millisecond

// maxLatency caps the propagation interval so a long telemetry gap (paused
// simulator, dropped connection) cannot fling the predicted pose off the map.
const maxLatency = 500 * time.Millisecond

// Telemetry is one raw input record from the transport: world-frame waypoints
// plus the vehicle pose and the previously issued actuation as the simulator
// reports them.
type Telemetry struct {
	WaypointsX []float64
	WaypointsY []float64
	X          float64
	Y          float64
	Psi        float64
	Speed      float64
	SteerAngle float64 // previously issued steering, radians
	Throttle   float64 // previously issued throttle/brake, normalized
}

// Output is one actuation record for the transport: the normalized commands
// plus the two visualization lines, all in the vehicle frame.
type Output struct {
	Steering float64 // normalized to [-1, 1], simulator sign convention
	Throttle float64 // normalized to [-1, 1]
	PredX    []float64
	PredY    []float64
	RefX     []float64
	RefY     []float64
}

// Controller runs the full control cycle: latency compensation, frame
// transform, trajectory fit, horizon solve, extraction. One Controller serves
// one vehicle session; the pipeline is strictly sequential, so it needs no
// locking, and concurrent sessions get their own instances.
type Controller struct {
	cfg Config

	// lastCycle is when the previous actuation was computed; the gap to the
	// next telemetry message is the latency the kinematic model bridges.
	lastCycle time.Time
	now       func() time.Time
}

// NewController validates the tuning and returns a controller ready for its
// first telemetry message.
func NewController(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("controller config: %w", err)
	}
	return &Controller{cfg: cfg, now: time.Now}, nil
}

// Config returns the tuning the controller was built with.
func (c *Controller) Config() Config { return c.cfg }

// RunCycle turns one telemetry record into one actuation record. Any error is
// recoverable at cycle granularity: the caller keeps the session alive and
// the next telemetry message starts a fresh cycle.
func (c *Controller) RunCycle(t Telemetry) (Output, error) {
	now := c.now()
	latency := c.measureLatency(now)
	c.lastCycle = now

	// Advance the measured pose by the elapsed latency under the previous
	// actuation, so the plan starts from where the vehicle will actually be
	// when the new command lands. The simulator reports positive steering
	// for a right turn, hence the sign flip into the model convention.
	raw := State{X: t.X, Y: t.Y, Psi: t.Psi, V: t.Speed}
	predicted := StepKinematic(raw, -t.SteerAngle, t.Throttle, latency)
	if !predicted.Finite() {
		return Output{}, fmt.Errorf("%w: latency propagation", ErrNumericDegeneracy)
	}

	lx, ly, err := TransformToVehicleFrame(predicted.X, predicted.Y, predicted.Psi, t.WaypointsX, t.WaypointsY)
	if err != nil {
		return Output{}, err
	}

	coeffs, err := Polyfit(lx, ly, FitDegree)
	if err != nil {
		return Output{}, err
	}

	// In the vehicle frame the pose is the origin by construction; only
	// speed and the curve-relative errors carry information into the solve.
	state := State{
		V:    predicted.V,
		CTE:  CrossTrackError(coeffs),
		EPsi: HeadingError(coeffs),
	}

	problem := NewProblem(coeffs, c.cfg.Weights, c.cfg.RefSpeed, state)
	sol, err := Solve(problem, time.Duration(c.cfg.SolveBudgetMS)*time.Millisecond)
	if err != nil {
		return Output{}, err
	}

	out := Output{
		// Positive model steering is a left turn; the simulator wants the
		// opposite sign, normalized by the lock angle. This flip, the
		// latency-step flip above, and the +delta heading update in the
		// model form one convention and only change together.
		Steering: -sol.Steer / SteerLockRad,
		Throttle: sol.Accel,
		PredX:    sol.PredX,
		PredY:    sol.PredY,
		RefX:     make([]float64, refLinePoints),
		RefY:     make([]float64, refLinePoints),
	}
	for i := 0; i < refLinePoints; i++ {
		x := float64(i) * refLineSpacing
		out.RefX[i] = x
		out.RefY[i] = Polyeval(coeffs, x)
	}
	return out, nil
}

func (c *Controller) measureLatency(now time.Time) float64 {
	if c.lastCycle.IsZero() {
		return NominalLatency.Seconds()
	}
	elapsed := now.Sub(c.lastCycle)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > maxLatency {
		elapsed = maxLatency
	}
	return elapsed.Seconds()
}
