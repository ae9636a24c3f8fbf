// Package interpolation provides the cubic B-spline basis used to evaluate
// control-point parameterized deformations on a uniform grid.
package interpolation

// CubicWeights returns the four cubic B-spline basis weights for a
// fractional position t in [0, 1) within a knot interval. The weights
// apply to the control points at offsets -1, 0, +1, +2 from the interval's
// base knot and always sum to 1.
func CubicWeights(t float64) [4]float64 {
	t2 := t * t
	t3 := t2 * t
	return [4]float64{
		(1 - 3*t + 3*t2 - t3) / 6,
		(4 - 6*t2 + 3*t3) / 6,
		(1 + 3*t + 3*t2 - 3*t3) / 6,
		t3 / 6,
	}
}

// Support is the number of control points influencing a point along one
// axis for the cubic spline.
const Support = 4
