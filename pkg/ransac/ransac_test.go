package ransac

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
)

// applyModel maps a point through a 3x4 row-affine given as a flat slice.
func applyModel(model []float64, p []float64) []float64 {
	out := make([]float64, 3)
	for r := 0; r < 3; r++ {
		out[r] = model[r*4+3]
		for c := 0; c < 3; c++ {
			out[r] += model[r*4+c] * p[c]
		}
	}
	return out
}

// makeCorrespondences builds point pairs under a known model, replacing a
// fraction with gross outliers.
func makeCorrespondences(model []float64, n, outliers int, rng *rand.Rand) (fix, mov [][]float64) {
	for i := 0; i < n; i++ {
		p := []float64{rng.Float64() * 100, rng.Float64() * 100, rng.Float64() * 100}
		q := applyModel(model, p)
		if i < outliers {
			q[0] += 50 + rng.Float64()*100
			q[1] -= 50 + rng.Float64()*100
		}
		fix = append(fix, p)
		mov = append(mov, q)
	}
	return fix, mov
}

// TestFitAffine3DRecoversModel verifies that the consensus fit recovers a
// known affine despite 30% gross outliers
func TestFitAffine3DRecoversModel(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	model := []float64{
		1.05, 0.02, 0.00, 3.0,
		-0.01, 0.98, 0.03, -2.0,
		0.00, 0.01, 1.02, 5.0,
	}
	fix, mov := makeCorrespondences(model, 200, 60, rng)

	res := FitAffine3D(fix, mov, 1.0, 0.999, rng)
	if !res.OK {
		t.Fatal("Expected a successful consensus fit")
	}

	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			if math.Abs(res.Affine.At(r, c)-model[r*4+c]) > 0.01 {
				t.Errorf("Model entry (%d,%d): expected %f, got %f", r, c, model[r*4+c], res.Affine.At(r, c))
			}
		}
	}

	// the inlier set excludes the planted outliers
	for i := 0; i < 60; i++ {
		if res.Inliers[i] {
			t.Errorf("Planted outlier %d counted as inlier", i)
		}
	}
	inlierCount := 0
	for _, in := range res.Inliers {
		if in {
			inlierCount++
		}
	}
	if inlierCount < 130 {
		t.Errorf("Expected most true inliers to survive, got %d of 140", inlierCount)
	}
}

// TestFitAffine3DTooFewPoints verifies the minimal-support guard
func TestFitAffine3DTooFewPoints(t *testing.T) {
	pts := [][]float64{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}
	if res := FitAffine3D(pts, pts, 1.0, 0.999, nil); res.OK {
		t.Error("Expected failure with fewer than four correspondences")
	}
}

// TestFitAffine3DMismatchedLengths verifies rejection of unpaired inputs
func TestFitAffine3DMismatchedLengths(t *testing.T) {
	fix := [][]float64{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {1, 1, 1}}
	mov := fix[:4]
	if res := FitAffine3D(fix, mov, 1.0, 0.999, nil); res.OK {
		t.Error("Expected failure for mismatched point set lengths")
	}
}

// TestFitAffine3DExactIdentity verifies that clean identity correspondences
// produce the identity model
func TestFitAffine3DExactIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	var fix [][]float64
	for i := 0; i < 20; i++ {
		fix = append(fix, []float64{rng.Float64() * 10, rng.Float64() * 10, rng.Float64() * 10})
	}
	res := FitAffine3D(fix, fix, 0.1, 0.999, rng)
	if !res.OK {
		t.Fatal("Expected a successful fit on clean data")
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			want := 0.0
			if r == c {
				want = 1.0
			}
			if math.Abs(res.Affine.At(r, c)-want) > 1e-6 {
				t.Errorf("Identity entry (%d,%d): expected %f, got %f", r, c, want, res.Affine.At(r, c))
			}
		}
	}
}
