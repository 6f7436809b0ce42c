package mpc

import "math"

// Layout maps (variable kind, step) to an index in the flat decision vector
// the solver consumes. The vector is laid out as six contiguous state blocks
// of length N followed by two actuation blocks of length N-1:
//
//	[ x_0..x_{N-1} | y | psi | v | cte | epsi | delta_0..delta_{N-2} | a ]
//
// Every consumer of the vector (bounds, initial guess, constraints, gradient
// accumulation, extraction) goes through these methods, so the offset
// arithmetic lives in exactly one place.
type Layout struct {
	N int
}

func (l Layout) X(t int) int     { return t }
func (l Layout) Y(t int) int     { return l.N + t }
func (l Layout) Psi(t int) int   { return 2*l.N + t }
func (l Layout) V(t int) int     { return 3*l.N + t }
func (l Layout) CTE(t int) int   { return 4*l.N + t }
func (l Layout) EPsi(t int) int  { return 5*l.N + t }
func (l Layout) Delta(t int) int { return 6*l.N + t }
func (l Layout) A(t int) int     { return 7*l.N - 1 + t }

// NumVars is 6N state variables plus 2(N-1) actuations.
func (l Layout) NumVars() int { return 8*l.N - 2 }

// NumConstraints is 6N: one initial-state pin plus N-1 dynamics residuals per
// state channel. Constraint j is indexed identically to state variable j.
func (l Layout) NumConstraints() int { return 6 * l.N }

// Problem is the NLP over one horizon: the weighted tracking cost and the
// equality constraints tying consecutive steps together through the kinematic
// model. It is an immutable value built fresh for each solve from the fitted
// curve, the tuning and the current state.
type Problem struct {
	layout Layout
	coeffs []float64 // reference curve, ascending order
	deriv  []float64 // its first derivative
	deriv2 []float64 // its second derivative
	w      Weights
	refV   float64
	dt     float64
	state  State
}

// NewProblem builds the horizon problem for one control cycle.
func NewProblem(coeffs []float64, w Weights, refV float64, state State) *Problem {
	d := Derivative(coeffs)
	return &Problem{
		layout: Layout{N: HorizonSteps},
		coeffs: coeffs,
		deriv:  d,
		deriv2: Derivative(d),
		w:      w,
		refV:   refV,
		dt:     StepSeconds,
		state:  state,
	}
}

// Layout exposes the decision-vector layout for bounds and extraction.
func (p *Problem) Layout() Layout { return p.layout }

// InitialGuess is all zeros except the step-0 state block, which is set to
// the current state.
func (p *Problem) InitialGuess() []float64 {
	l := p.layout
	z := make([]float64, l.NumVars())
	z[l.X(0)] = p.state.X
	z[l.Y(0)] = p.state.Y
	z[l.Psi(0)] = p.state.Psi
	z[l.V(0)] = p.state.V
	z[l.CTE(0)] = p.state.CTE
	z[l.EPsi(0)] = p.state.EPsi
	return z
}

// Cost is the sum of the seven weighted quadratic terms: tracking error and
// speed deviation over all N steps, actuation magnitude over N-1, and
// actuation rate over N-2.
func (p *Problem) Cost(z []float64) float64 {
	l := p.layout
	cost := 0.0
	for t := 0; t < l.N; t++ {
		cte := z[l.CTE(t)]
		epsi := z[l.EPsi(t)]
		dv := z[l.V(t)] - p.refV
		cost += p.w.CTE*cte*cte + p.w.EPsi*epsi*epsi + p.w.Speed*dv*dv
	}
	for t := 0; t < l.N-1; t++ {
		d := z[l.Delta(t)]
		a := z[l.A(t)]
		cost += p.w.Steer*d*d + p.w.Throttle*a*a
	}
	for t := 0; t < l.N-2; t++ {
		dd := z[l.Delta(t+1)] - z[l.Delta(t)]
		da := z[l.A(t+1)] - z[l.A(t)]
		cost += p.w.SteerRate*dd*dd + p.w.ThrottleRate*da*da
	}
	return cost
}

// AddCostGrad accumulates the analytic gradient of Cost into grad.
func (p *Problem) AddCostGrad(grad, z []float64) {
	l := p.layout
	for t := 0; t < l.N; t++ {
		grad[l.CTE(t)] += 2 * p.w.CTE * z[l.CTE(t)]
		grad[l.EPsi(t)] += 2 * p.w.EPsi * z[l.EPsi(t)]
		grad[l.V(t)] += 2 * p.w.Speed * (z[l.V(t)] - p.refV)
	}
	for t := 0; t < l.N-1; t++ {
		grad[l.Delta(t)] += 2 * p.w.Steer * z[l.Delta(t)]
		grad[l.A(t)] += 2 * p.w.Throttle * z[l.A(t)]
	}
	for t := 0; t < l.N-2; t++ {
		dd := z[l.Delta(t+1)] - z[l.Delta(t)]
		grad[l.Delta(t+1)] += 2 * p.w.SteerRate * dd
		grad[l.Delta(t)] -= 2 * p.w.SteerRate * dd
		da := z[l.A(t+1)] - z[l.A(t)]
		grad[l.A(t+1)] += 2 * p.w.ThrottleRate * da
		grad[l.A(t)] -= 2 * p.w.ThrottleRate * da
	}
}

// Constraints fills dst (length 6N) with the equality residuals, all of which
// must vanish at a feasible plan. The first six pin step 0 to the current
// state; the rest are next-state-minus-model-prediction for each channel,
// with cte and epsi propagated through the fitted curve evaluated at the
// previous step's x.
func (p *Problem) Constraints(dst, z []float64) {
	l := p.layout
	dt := p.dt

	dst[l.X(0)] = z[l.X(0)] - p.state.X
	dst[l.Y(0)] = z[l.Y(0)] - p.state.Y
	dst[l.Psi(0)] = z[l.Psi(0)] - p.state.Psi
	dst[l.V(0)] = z[l.V(0)] - p.state.V
	dst[l.CTE(0)] = z[l.CTE(0)] - p.state.CTE
	dst[l.EPsi(0)] = z[l.EPsi(0)] - p.state.EPsi

	for t := 1; t < l.N; t++ {
		x0 := z[l.X(t-1)]
		y0 := z[l.Y(t-1)]
		psi0 := z[l.Psi(t-1)]
		v0 := z[l.V(t-1)]
		epsi0 := z[l.EPsi(t-1)]
		delta0 := z[l.Delta(t-1)]
		a0 := z[l.A(t-1)]

		f0 := Polyeval(p.coeffs, x0)
		psides0 := atanOfDeriv(p.deriv, x0)

		dst[l.X(t)] = z[l.X(t)] - (x0 + v0*math.Cos(psi0)*dt)
		dst[l.Y(t)] = z[l.Y(t)] - (y0 + v0*math.Sin(psi0)*dt)
		dst[l.Psi(t)] = z[l.Psi(t)] - (psi0 + v0*delta0/Lf*dt)
		dst[l.V(t)] = z[l.V(t)] - (v0 + a0*dt)
		dst[l.CTE(t)] = z[l.CTE(t)] - ((f0 - y0) + v0*math.Sin(epsi0)*dt)
		dst[l.EPsi(t)] = z[l.EPsi(t)] - ((psi0 - psides0) + v0*delta0/Lf*dt)
	}
}

// AddConstraintGrad accumulates Jᵀ·mult into grad, where J is the constraint
// Jacobian at z and mult has one multiplier per constraint. The entries are
// the closed-form partials of the residuals in Constraints; the two must stay
// in lockstep.
func (p *Problem) AddConstraintGrad(grad, z, mult []float64) {
	l := p.layout
	dt := p.dt

	grad[l.X(0)] += mult[l.X(0)]
	grad[l.Y(0)] += mult[l.Y(0)]
	grad[l.Psi(0)] += mult[l.Psi(0)]
	grad[l.V(0)] += mult[l.V(0)]
	grad[l.CTE(0)] += mult[l.CTE(0)]
	grad[l.EPsi(0)] += mult[l.EPsi(0)]

	for t := 1; t < l.N; t++ {
		x0 := z[l.X(t-1)]
		psi0 := z[l.Psi(t-1)]
		v0 := z[l.V(t-1)]
		epsi0 := z[l.EPsi(t-1)]
		delta0 := z[l.Delta(t-1)]

		g0 := Polyeval(p.deriv, x0)
		gp0 := Polyeval(p.deriv2, x0)

		mx := mult[l.X(t)]
		grad[l.X(t)] += mx
		grad[l.X(t-1)] -= mx
		grad[l.V(t-1)] -= math.Cos(psi0) * dt * mx
		grad[l.Psi(t-1)] += v0 * math.Sin(psi0) * dt * mx

		my := mult[l.Y(t)]
		grad[l.Y(t)] += my
		grad[l.Y(t-1)] -= my
		grad[l.V(t-1)] -= math.Sin(psi0) * dt * my
		grad[l.Psi(t-1)] -= v0 * math.Cos(psi0) * dt * my

		mp := mult[l.Psi(t)]
		grad[l.Psi(t)] += mp
		grad[l.Psi(t-1)] -= mp
		grad[l.V(t-1)] -= delta0 / Lf * dt * mp
		grad[l.Delta(t-1)] -= v0 / Lf * dt * mp

		mv := mult[l.V(t)]
		grad[l.V(t)] += mv
		grad[l.V(t-1)] -= mv
		grad[l.A(t-1)] -= dt * mv

		mc := mult[l.CTE(t)]
		grad[l.CTE(t)] += mc
		grad[l.X(t-1)] -= g0 * mc
		grad[l.Y(t-1)] += mc
		grad[l.V(t-1)] -= math.Sin(epsi0) * dt * mc
		grad[l.EPsi(t-1)] -= v0 * math.Cos(epsi0) * dt * mc

		me := mult[l.EPsi(t)]
		grad[l.EPsi(t)] += me
		grad[l.Psi(t-1)] -= me
		grad[l.X(t-1)] += gp0 / (1 + g0*g0) * me
		grad[l.V(t-1)] -= delta0 / Lf * dt * me
		grad[l.Delta(t-1)] -= v0 / Lf * dt * me
	}
}

func atanOfDeriv(deriv []float64, x float64) float64 {
	return math.Atan(Polyeval(deriv, x))
}
