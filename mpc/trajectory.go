package mpc

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// FitDegree is the degree of the reference-curve polynomial. A cubic follows
// the local road shape over one horizon without oscillating.
const FitDegree = 3

// TransformToVehicleFrame converts world-frame waypoints into the vehicle's
// local frame: origin at (px, py), x-axis along the heading psi. The two
// returned slices are index-aligned with the input.
func TransformToVehicleFrame(px, py, psi float64, wx, wy []float64) ([]float64, []float64, error) {
	if len(wx) != len(wy) {
		return nil, nil, fmt.Errorf("waypoint length mismatch: %d x vs %d y", len(wx), len(wy))
	}
	if len(wx) == 0 {
		return nil, nil, ErrInsufficientWaypoints
	}

	cos := math.Cos(-psi)
	sin := math.Sin(-psi)
	lx := make([]float64, len(wx))
	ly := make([]float64, len(wy))
	for i := range wx {
		dx := wx[i] - px
		dy := wy[i] - py
		lx[i] = dx*cos - dy*sin
		ly[i] = dx*sin + dy*cos
	}
	return lx, ly, nil
}

// Polyfit fits a least-squares polynomial of the given degree to the points,
// returning coefficients in ascending order. The system is solved through a
// QR factorization of the Vandermonde matrix; forming normal equations would
// square the condition number and blow up on near-collinear waypoints.
func Polyfit(xs, ys []float64, degree int) ([]float64, error) {
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("point length mismatch: %d x vs %d y", len(xs), len(ys))
	}
	if degree < 1 || len(xs) < degree+1 {
		return nil, fmt.Errorf("%w: need at least %d points for degree %d, got %d",
			ErrInsufficientWaypoints, degree+1, degree, len(xs))
	}
	if !finiteAll(xs) || !finiteAll(ys) {
		return nil, fmt.Errorf("%w: non-finite waypoint", ErrNumericDegeneracy)
	}

	a := mat.NewDense(len(xs), degree+1, nil)
	for i, x := range xs {
		v := 1.0
		for j := 0; j <= degree; j++ {
			a.Set(i, j, v)
			v *= x
		}
	}

	var qr mat.QR
	qr.Factorize(a)
	var c mat.VecDense
	if err := qr.SolveVecTo(&c, false, mat.NewVecDense(len(ys), ys)); err != nil {
		return nil, fmt.Errorf("%w: qr solve: %v", ErrNumericDegeneracy, err)
	}

	coeffs := make([]float64, degree+1)
	for j := range coeffs {
		coeffs[j] = c.AtVec(j)
	}
	if !finiteAll(coeffs) {
		return nil, fmt.Errorf("%w: non-finite fit coefficients", ErrNumericDegeneracy)
	}
	return coeffs, nil
}

// Polyeval evaluates the polynomial at x (Horner).
func Polyeval(coeffs []float64, x float64) float64 {
	y := 0.0
	for i := len(coeffs) - 1; i >= 0; i-- {
		y = y*x + coeffs[i]
	}
	return y
}

// Derivative returns the coefficients of the polynomial's first derivative.
func Derivative(coeffs []float64) []float64 {
	if len(coeffs) <= 1 {
		return []float64{0}
	}
	d := make([]float64, len(coeffs)-1)
	for i := 1; i < len(coeffs); i++ {
		d[i-1] = float64(i) * coeffs[i]
	}
	return d
}

// CrossTrackError is the curve value at the vehicle's own local origin.
func CrossTrackError(coeffs []float64) float64 {
	return Polyeval(coeffs, 0)
}

// HeadingError is the mismatch between the vehicle heading (zero in the local
// frame) and the tangent of the reference curve at the origin.
func HeadingError(coeffs []float64) float64 {
	return -math.Atan(coeffs[1])
}
