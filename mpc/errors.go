package mpc

import "errors"

// Control-cycle errors. All of these are recoverable at cycle granularity:
// the caller logs them and waits for the next telemetry message.
var (
	// ErrInsufficientWaypoints means fewer waypoints arrived than the
	// polynomial fit needs (degree+1).
	ErrInsufficientWaypoints = errors.New("mpc: insufficient waypoints for trajectory fit")

	// ErrSolverNonConvergence means the NLP solve ended without a feasible
	// solution: infeasible, iteration limit, or time budget exceeded.
	ErrSolverNonConvergence = errors.New("mpc: solver did not converge")

	// ErrNumericDegeneracy means a non-finite value was detected entering or
	// leaving the fit, the kinematic step, or the solve.
	ErrNumericDegeneracy = errors.New("mpc: non-finite value in control cycle")
)
