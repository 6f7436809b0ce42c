package mpc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout(t *testing.T) {
	t.Parallel()

	l := Layout{N: HorizonSteps}

	t.Run("sizes", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 6*HorizonSteps+2*(HorizonSteps-1), l.NumVars())
		assert.Equal(t, 6*HorizonSteps, l.NumConstraints())
	})

	t.Run("blocks are contiguous and non-overlapping", func(t *testing.T) {
		t.Parallel()
		seen := make(map[int]bool, l.NumVars())
		order := []func(int) int{l.X, l.Y, l.Psi, l.V, l.CTE, l.EPsi}
		next := 0
		for _, idx := range order {
			for s := 0; s < l.N; s++ {
				require.Equal(t, next, idx(s))
				require.False(t, seen[next])
				seen[next] = true
				next++
			}
		}
		for _, idx := range []func(int) int{l.Delta, l.A} {
			for s := 0; s < l.N-1; s++ {
				require.Equal(t, next, idx(s))
				require.False(t, seen[next])
				seen[next] = true
				next++
			}
		}
		assert.Equal(t, l.NumVars(), next)
	})
}

// rollFeasible builds a decision vector by propagating the constraint
// equations exactly, so every dynamics residual must vanish on it.
func rollFeasible(p *Problem, deltas, accels []float64) []float64 {
	l := p.Layout()
	z := p.InitialGuess()
	for t := 0; t < l.N-1; t++ {
		z[l.Delta(t)] = deltas[t]
		z[l.A(t)] = accels[t]
	}
	for t := 1; t < l.N; t++ {
		x0 := z[l.X(t-1)]
		y0 := z[l.Y(t-1)]
		psi0 := z[l.Psi(t-1)]
		v0 := z[l.V(t-1)]
		epsi0 := z[l.EPsi(t-1)]
		d0 := z[l.Delta(t-1)]
		a0 := z[l.A(t-1)]

		z[l.X(t)] = x0 + v0*math.Cos(psi0)*StepSeconds
		z[l.Y(t)] = y0 + v0*math.Sin(psi0)*StepSeconds
		z[l.Psi(t)] = psi0 + v0*d0/Lf*StepSeconds
		z[l.V(t)] = v0 + a0*StepSeconds
		f0 := Polyeval(p.coeffs, x0)
		z[l.CTE(t)] = (f0 - y0) + v0*math.Sin(epsi0)*StepSeconds
		z[l.EPsi(t)] = (psi0 - math.Atan(Polyeval(p.deriv, x0))) + v0*d0/Lf*StepSeconds
	}
	return z
}

func testProblem() *Problem {
	coeffs := []float64{0.3, 0.1, -0.004, 0.0002}
	state := State{V: 12, CTE: CrossTrackError(coeffs), EPsi: HeadingError(coeffs)}
	return NewProblem(coeffs, DefaultWeights(), 50, state)
}

func TestConstraints(t *testing.T) {
	t.Parallel()

	t.Run("zero on an exactly propagated plan", func(t *testing.T) {
		t.Parallel()
		p := testProblem()
		l := p.Layout()
		deltas := []float64{0.02, 0.01, -0.01, 0, 0.03, -0.02, 0.01}
		accels := []float64{0.5, 0.4, 0.3, 0.2, 0.1, 0, -0.1}
		z := rollFeasible(p, deltas, accels)

		residual := make([]float64, l.NumConstraints())
		p.Constraints(residual, z)
		for j, r := range residual {
			assert.InDeltaf(t, 0, r, 1e-12, "residual %d", j)
		}
	})

	t.Run("initial pin reflects the state", func(t *testing.T) {
		t.Parallel()
		p := testProblem()
		l := p.Layout()
		z := make([]float64, l.NumVars())

		residual := make([]float64, l.NumConstraints())
		p.Constraints(residual, z)
		assert.InDelta(t, -p.state.V, residual[l.V(0)], 1e-12)
		assert.InDelta(t, -p.state.CTE, residual[l.CTE(0)], 1e-12)
		assert.InDelta(t, -p.state.EPsi, residual[l.EPsi(0)], 1e-12)
	})
}

// perturbedVector is a deterministic, well-scaled point away from any
// symmetry, used for derivative checks.
func perturbedVector(l Layout) []float64 {
	z := make([]float64, l.NumVars())
	for t := 0; t < l.N; t++ {
		z[l.X(t)] = 1.2 * float64(t)
		z[l.Y(t)] = 0.3 * math.Sin(float64(t))
		z[l.Psi(t)] = 0.1 * math.Cos(float64(t))
		z[l.V(t)] = 10 + 0.5*float64(t)
		z[l.CTE(t)] = 0.2 * math.Sin(1.7*float64(t))
		z[l.EPsi(t)] = 0.05 * math.Cos(2.3*float64(t))
	}
	for t := 0; t < l.N-1; t++ {
		z[l.Delta(t)] = 0.1 * math.Sin(0.9*float64(t))
		z[l.A(t)] = 0.4 * math.Cos(1.1*float64(t))
	}
	return z
}

func TestCostGradMatchesFiniteDifferences(t *testing.T) {
	t.Parallel()

	p := testProblem()
	l := p.Layout()
	z := perturbedVector(l)

	grad := make([]float64, l.NumVars())
	p.AddCostGrad(grad, z)

	const h = 1e-6
	for i := range z {
		zp := append([]float64{}, z...)
		zm := append([]float64{}, z...)
		zp[i] += h
		zm[i] -= h
		fd := (p.Cost(zp) - p.Cost(zm)) / (2 * h)
		assert.InDeltaf(t, fd, grad[i], 1e-3, "gradient entry %d", i)
	}
}

func TestConstraintGradMatchesFiniteDifferences(t *testing.T) {
	t.Parallel()

	p := testProblem()
	l := p.Layout()
	z := perturbedVector(l)

	mult := make([]float64, l.NumConstraints())
	for j := range mult {
		mult[j] = 0.5 + 0.01*float64(j)
	}

	grad := make([]float64, l.NumVars())
	p.AddConstraintGrad(grad, z, mult)

	residual := make([]float64, l.NumConstraints())
	phi := func(x []float64) float64 {
		p.Constraints(residual, x)
		v := 0.0
		for j, c := range residual {
			v += mult[j] * c
		}
		return v
	}

	const h = 1e-6
	for i := range z {
		zp := append([]float64{}, z...)
		zm := append([]float64{}, z...)
		zp[i] += h
		zm[i] -= h
		fd := (phi(zp) - phi(zm)) / (2 * h)
		assert.InDeltaf(t, fd, grad[i], 1e-5, "gradient entry %d", i)
	}
}

func TestCostTerms(t *testing.T) {
	t.Parallel()

	t.Run("perfect tracking at reference speed costs nothing", func(t *testing.T) {
		t.Parallel()
		p := NewProblem([]float64{0, 0, 0, 0}, DefaultWeights(), 50, State{V: 50})
		l := p.Layout()
		z := make([]float64, l.NumVars())
		for s := 0; s < l.N; s++ {
			z[l.V(s)] = 50
		}
		assert.InDelta(t, 0, p.Cost(z), 1e-12)
	})

	t.Run("actuation rate term penalizes jerk", func(t *testing.T) {
		t.Parallel()
		w := Weights{SteerRate: 1}
		p := NewProblem([]float64{0, 0, 0, 0}, w, 50, State{})
		l := p.Layout()

		smooth := make([]float64, l.NumVars())
		jerky := make([]float64, l.NumVars())
		for s := 0; s < l.N-1; s++ {
			smooth[l.Delta(s)] = 0.1
			jerky[l.Delta(s)] = 0.1 * float64(1-2*(s%2))
		}
		assert.Less(t, p.Cost(smooth), p.Cost(jerky))
	})
}
