package interpolation

import (
	"math"
	"testing"
)

// TestCubicWeightsPartitionOfUnity verifies that the four basis weights sum
// to one for any fractional offset
func TestCubicWeightsPartitionOfUnity(t *testing.T) {
	for _, u := range []float64{0, 0.1, 0.25, 0.5, 0.75, 0.99} {
		w := CubicWeights(u)
		sum := w[0] + w[1] + w[2] + w[3]
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("Weights at u=%f sum to %f, expected 1", u, sum)
		}
		for i, v := range w {
			if v < 0 {
				t.Errorf("Weight %d at u=%f is negative: %f", i, u, v)
			}
		}
	}
}

// TestCubicWeightsKnotValues verifies the cubic B-spline values at the
// knots: 1/6, 4/6, 1/6, 0 for u=0
func TestCubicWeightsKnotValues(t *testing.T) {
	w := CubicWeights(0)
	want := [4]float64{1.0 / 6, 4.0 / 6, 1.0 / 6, 0}
	for i := range want {
		if math.Abs(w[i]-want[i]) > 1e-12 {
			t.Errorf("Weight %d at u=0: expected %f, got %f", i, want[i], w[i])
		}
	}
}

// TestCubicWeightsSymmetry verifies the reflection symmetry of the basis:
// the weights at u mirror the weights at 1-u
func TestCubicWeightsSymmetry(t *testing.T) {
	for _, u := range []float64{0.1, 0.3, 0.5} {
		a := CubicWeights(u)
		b := CubicWeights(1 - u)
		for i := 0; i < 4; i++ {
			if math.Abs(a[i]-b[3-i]) > 1e-12 {
				t.Errorf("Symmetry broken at u=%f index %d: %f vs %f", u, i, a[i], b[3-i])
			}
		}
	}
}
