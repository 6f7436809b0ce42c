package mpc

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// Bounds holds per-decision-variable limits, index-aligned with the Layout.
type Bounds struct {
	Lower []float64
	Upper []float64
}

// unbounded stands in for ±infinity on the state variables; the optimizer
// only needs it to dwarf any value the dynamics can produce.
const unbounded = 1.0e19

// VariableBounds builds the limits for one horizon: states free, steering
// within the physical lock, acceleration within normalized throttle range.
func VariableBounds(l Layout) Bounds {
	b := Bounds{
		Lower: make([]float64, l.NumVars()),
		Upper: make([]float64, l.NumVars()),
	}
	for i := 0; i < l.Delta(0); i++ {
		b.Lower[i] = -unbounded
		b.Upper[i] = unbounded
	}
	for t := 0; t < l.N-1; t++ {
		b.Lower[l.Delta(t)] = -SteerLockRad
		b.Upper[l.Delta(t)] = SteerLockRad
		b.Lower[l.A(t)] = -MaxThrottle
		b.Upper[l.A(t)] = MaxThrottle
	}
	return b
}

// Solution is the externally visible result of one solve: the first-step
// actuation and the predicted positions for steps 1..N-1 (visualization
// only). Everything else in the decision vector is discarded.
type Solution struct {
	Steer float64 // radians, model convention (positive = left)
	Accel float64 // normalized throttle/brake
	PredX []float64
	PredY []float64
}

// Solver tolerances and loop limits. The equality constraints are folded into
// the objective as an augmented Lagrangian so that a gradient-based
// unconstrained method can run each inner round; multipliers are updated and
// the penalty stiffened between rounds until the dynamics residuals vanish.
const (
	feasibilityTol  = 1e-4
	maxOuterRounds  = 10
	initialPenalty  = 10.0
	penaltyGrowth   = 10.0
	maxPenalty      = 1e8
	boundPenalty    = 1e5
	innerIterations = 400
)

// Solve runs the NLP for the given horizon problem under a hard wall-clock
// budget. Exceeding the budget or failing to reach feasibility reports
// ErrSolverNonConvergence; non-finite intermediate values report
// ErrNumericDegeneracy. A timed-out solve is an error result, never a hang.
func Solve(p *Problem, budget time.Duration) (Solution, error) {
	z, err := solveVector(p, budget)
	if err != nil {
		return Solution{}, err
	}
	return ExtractSolution(p.Layout(), z, VariableBounds(p.Layout())), nil
}

// solveVector returns the full optimized decision vector. Split out so tests
// can assert on the interior of the plan.
func solveVector(p *Problem, budget time.Duration) ([]float64, error) {
	if !p.state.Finite() || !finiteAll(p.coeffs) {
		return nil, fmt.Errorf("%w: non-finite solve input", ErrNumericDegeneracy)
	}

	l := p.Layout()
	bounds := VariableBounds(l)
	z := p.InitialGuess()
	lambda := make([]float64, l.NumConstraints())
	residual := make([]float64, l.NumConstraints())
	mu := initialPenalty
	deadline := time.Now().Add(budget)

	for round := 0; round < maxOuterRounds; round++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: time budget %s exhausted after %d rounds",
				ErrSolverNonConvergence, budget, round)
		}

		prob := optimize.Problem{
			Func: func(x []float64) float64 {
				return p.augmented(x, lambda, mu, bounds)
			},
			Grad: func(grad, x []float64) {
				p.augmentedGrad(grad, x, lambda, mu, bounds)
			},
		}
		settings := &optimize.Settings{
			Runtime:           remaining,
			MajorIterations:   innerIterations,
			GradientThreshold: 1e-6,
		}

		result, err := optimize.Minimize(prob, z, settings, &optimize.LBFGS{})
		if result == nil {
			return nil, fmt.Errorf("%w: %v", ErrSolverNonConvergence, err)
		}
		// A line-search stall with a feasible iterate is still usable, so
		// keep the best point and let the feasibility check decide.
		copy(z, result.X)

		if !finiteAll(z) {
			return nil, fmt.Errorf("%w: non-finite iterate at round %d", ErrNumericDegeneracy, round)
		}
		if result.Status == optimize.RuntimeLimit {
			return nil, fmt.Errorf("%w: time budget %s exceeded in round %d",
				ErrSolverNonConvergence, budget, round)
		}

		p.Constraints(residual, z)
		if floats.Norm(residual, math.Inf(1)) < feasibilityTol {
			return z, nil
		}

		for j := range residual {
			lambda[j] += mu * residual[j]
		}
		if mu < maxPenalty {
			mu *= penaltyGrowth
		}
	}

	return nil, fmt.Errorf("%w: residual %.3g after %d rounds",
		ErrSolverNonConvergence, floats.Norm(residual, math.Inf(1)), maxOuterRounds)
}

// augmented is the merit function one inner round minimizes: the horizon cost
// plus the Lagrangian and quadratic-penalty terms for the equality
// constraints, plus a hinge penalty for actuator-bound violations.
func (p *Problem) augmented(z, lambda []float64, mu float64, b Bounds) float64 {
	residual := make([]float64, p.layout.NumConstraints())
	p.Constraints(residual, z)

	v := p.Cost(z)
	for j, c := range residual {
		v += lambda[j]*c + 0.5*mu*c*c
	}
	for i, x := range z {
		if d := x - b.Upper[i]; d > 0 {
			v += boundPenalty * d * d
		} else if d := b.Lower[i] - x; d > 0 {
			v += boundPenalty * d * d
		}
	}
	return v
}

func (p *Problem) augmentedGrad(grad, z []float64, lambda []float64, mu float64, b Bounds) {
	for i := range grad {
		grad[i] = 0
	}
	p.AddCostGrad(grad, z)

	residual := make([]float64, p.layout.NumConstraints())
	p.Constraints(residual, z)
	mult := make([]float64, len(residual))
	for j, c := range residual {
		mult[j] = lambda[j] + mu*c
	}
	p.AddConstraintGrad(grad, z, mult)

	for i, x := range z {
		if d := x - b.Upper[i]; d > 0 {
			grad[i] += 2 * boundPenalty * d
		} else if d := b.Lower[i] - x; d > 0 {
			grad[i] -= 2 * boundPenalty * d
		}
	}
}

// ExtractSolution reads the first-step actuation and the predicted trajectory
// out of a solved decision vector. Actuations are projected onto their bounds
// so a command outside the physical range can never reach the wire.
func ExtractSolution(l Layout, z []float64, b Bounds) Solution {
	sol := Solution{
		Steer: clampFloat(z[l.Delta(0)], b.Lower[l.Delta(0)], b.Upper[l.Delta(0)]),
		Accel: clampFloat(z[l.A(0)], b.Lower[l.A(0)], b.Upper[l.A(0)]),
		PredX: make([]float64, 0, l.N-1),
		PredY: make([]float64, 0, l.N-1),
	}
	for t := 1; t < l.N; t++ {
		sol.PredX = append(sol.PredX, z[l.X(t)])
		sol.PredY = append(sol.PredY, z[l.Y(t)])
	}
	return sol
}
