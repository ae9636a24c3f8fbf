// Package ransac implements a random-consensus affine fitter for 3D point
// correspondences. Given matched fixed/moving point sets containing an
// unknown fraction of outliers, it estimates the 3x4 affine map bringing
// the largest consensus set of fixed points onto their moving partners.
package ransac

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// minSamples is the minimal point count determining a 3D affine.
const minSamples = 4

// maxIterations bounds the adaptive iteration schedule.
const maxIterations = 10000

// Result reports a consensus fit.
type Result struct {
	// OK is false when no model reached the minimal sample support
	OK bool

	// Affine is the 3x4 matrix mapping fixed points to moving points
	Affine *mat.Dense

	// Inliers marks the correspondences within the inlier threshold of
	// the final model
	Inliers []bool
}

// FitAffine3D estimates the affine mapping fixPts to movPts. Matched pairs
// farther apart than inlierThreshold (physical units) under a candidate
// model count as outliers. The iteration count adapts to the observed
// inlier ratio until the requested confidence (e.g. 0.999) of having drawn
// at least one all-inlier minimal sample is reached. The final model is
// refit by least squares on the full consensus set. A nil rng draws from
// the shared process-wide source.
func FitAffine3D(fixPts, movPts [][]float64, inlierThreshold, confidence float64, rng *rand.Rand) Result {
	n := len(fixPts)
	if n < minSamples || len(movPts) != n {
		return Result{}
	}
	intn := rand.Intn
	if rng != nil {
		intn = rng.Intn
	}

	bestCount := 0
	var bestInliers []bool
	iterations := maxIterations
	sample := make([]int, minSamples)
	for it := 0; it < iterations; it++ {
		drawSample(sample, n, intn)
		model := solveAffine(fixPts, movPts, sample)
		if model == nil {
			continue
		}
		inliers, count := countInliers(fixPts, movPts, model, inlierThreshold)
		if count > bestCount {
			bestCount = count
			bestInliers = inliers
			// adaptive schedule: enough iterations that an all-inlier
			// sample was drawn with the requested confidence
			w := float64(count) / float64(n)
			denom := math.Log(1 - math.Pow(w, minSamples))
			if denom < 0 {
				needed := int(math.Ceil(math.Log(1-confidence) / denom))
				if needed < iterations {
					iterations = needed
				}
				if iterations <= it {
					break
				}
			}
		}
	}
	if bestCount < minSamples {
		return Result{}
	}

	// refit on the consensus set
	idx := make([]int, 0, bestCount)
	for i, in := range bestInliers {
		if in {
			idx = append(idx, i)
		}
	}
	model := solveAffine(fixPts, movPts, idx)
	if model == nil {
		return Result{}
	}
	inliers, count := countInliers(fixPts, movPts, model, inlierThreshold)
	if count < minSamples {
		return Result{}
	}
	return Result{OK: true, Affine: model, Inliers: inliers}
}

// drawSample fills sample with distinct indices in [0, n).
func drawSample(sample []int, n int, intn func(int) int) {
	for i := range sample {
		for {
			c := intn(n)
			dup := false
			for j := 0; j < i; j++ {
				if sample[j] == c {
					dup = true
					break
				}
			}
			if !dup {
				sample[i] = c
				break
			}
		}
	}
}

// solveAffine fits the 3x4 affine minimizing least-squares residual over
// the selected correspondences. Returns nil for degenerate configurations.
func solveAffine(fixPts, movPts [][]float64, idx []int) *mat.Dense {
	n := len(idx)
	a := mat.NewDense(n, 4, nil)
	b := mat.NewDense(n, 3, nil)
	for r, i := range idx {
		a.Set(r, 0, fixPts[i][0])
		a.Set(r, 1, fixPts[i][1])
		a.Set(r, 2, fixPts[i][2])
		a.Set(r, 3, 1)
		b.Set(r, 0, movPts[i][0])
		b.Set(r, 1, movPts[i][1])
		b.Set(r, 2, movPts[i][2])
	}
	var sol mat.Dense
	if err := sol.Solve(a, b); err != nil {
		return nil
	}
	// sol is 4x3 with rows (linear columns, translation); transpose into
	// the 3x4 row-affine layout
	out := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			out.Set(i, j, sol.At(j, i))
		}
	}
	return out
}

// countInliers marks correspondences whose model residual is within the
// threshold.
func countInliers(fixPts, movPts [][]float64, model *mat.Dense, threshold float64) ([]bool, int) {
	inliers := make([]bool, len(fixPts))
	count := 0
	for i := range fixPts {
		var d2 float64
		for r := 0; r < 3; r++ {
			v := model.At(r, 3)
			for c := 0; c < 3; c++ {
				v += model.At(r, c) * fixPts[i][c]
			}
			diff := v - movPts[i][r]
			d2 += diff * diff
		}
		if math.Sqrt(d2) <= threshold {
			inliers[i] = true
			count++
		}
	}
	return inliers, count
}
