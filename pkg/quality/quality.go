// Package quality computes alignment quality metrics between a fixed image
// and a moving image resampled into the fixed frame. The report is purely
// diagnostic: registration itself never consults it.
package quality

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

// Report holds the alignment quality metrics.
type Report struct {
	// MI is a Gaussian approximation of the mutual information between
	// the two intensity distributions. Higher is better.
	MI float64

	// RMSE measures the average squared intensity difference. Lower is
	// better.
	RMSE float64

	// SSIM measures perceived structural similarity in [-1, 1]. Higher
	// is better.
	SSIM float64

	// Correlation is the Pearson correlation of intensities. Higher is
	// better.
	Correlation float64
}

// Evaluate compares the fixed image against the aligned moving image. Both
// must share a shape; voxels where either value is not finite (outside the
// resampled moving footprint) are skipped.
func Evaluate(fix, aligned *volume.Volume) (Report, error) {
	if fix.Len() != aligned.Len() {
		return Report{}, fmt.Errorf("quality: shape mismatch %v vs %v", fix.Shape, aligned.Shape)
	}

	f := make([]float64, 0, fix.Len())
	m := make([]float64, 0, fix.Len())
	for i := range fix.Data {
		if !math.IsInf(fix.Data[i], 0) && !math.IsNaN(fix.Data[i]) &&
			!math.IsInf(aligned.Data[i], 0) && !math.IsNaN(aligned.Data[i]) {
			f = append(f, fix.Data[i])
			m = append(m, aligned.Data[i])
		}
	}
	if len(f) == 0 {
		return Report{}, fmt.Errorf("quality: no finite overlapping voxels")
	}

	return Report{
		MI:          gaussianMI(f, m),
		RMSE:        rmse(f, m),
		SSIM:        ssim(f, m),
		Correlation: stat.Correlation(f, m, nil),
	}, nil
}

// gaussianMI approximates mutual information under a joint Gaussian model:
// 0.5 * log(var(X)var(Y) / (var(X)var(Y) - cov(X,Y)^2)). Perfect correlation
// drives the joint determinant to zero, so the determinant is floored to keep
// the best alignments at a large finite score instead of collapsing to zero.
func gaussianMI(f, m []float64) float64 {
	varF := stat.Variance(f, nil)
	varM := stat.Variance(m, nil)
	covar := stat.Covariance(f, m, nil)
	if varF <= 0 || varM <= 0 {
		return 0
	}
	prod := varF * varM
	det := prod - covar*covar
	if det < 1e-12*prod {
		det = 1e-12 * prod
	}
	return 0.5 * math.Log(prod/det)
}

// rmse computes the root mean square intensity error.
func rmse(f, m []float64) float64 {
	mse := 0.0
	for i := range f {
		diff := f[i] - m[i]
		mse += diff * diff
	}
	return math.Sqrt(mse / float64(len(f)))
}

// ssim computes the global Structural Similarity Index. Intensities are
// rescaled to [0, 1] so the stabilizing constants keep their usual meaning
// regardless of the input dynamic range.
func ssim(f, m []float64) float64 {
	const k1 = 0.01
	const k2 = 0.03
	c1 := k1 * k1
	c2 := k2 * k2

	lo, hi := f[0], f[0]
	for _, v := range f {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	for _, v := range m {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	scale := hi - lo
	if scale == 0 {
		return 1
	}
	fs := make([]float64, len(f))
	ms := make([]float64, len(m))
	for i := range f {
		fs[i] = (f[i] - lo) / scale
		ms[i] = (m[i] - lo) / scale
	}

	muF := stat.Mean(fs, nil)
	muM := stat.Mean(ms, nil)
	sigmaF := stat.Variance(fs, nil)
	sigmaM := stat.Variance(ms, nil)
	sigmaFM := stat.Covariance(fs, ms, nil)

	num := (2*muF*muM + c1) * (2*sigmaFM + c2)
	den := (muF*muF + muM*muM + c1) * (sigmaF + sigmaM + c2)
	if den == 0 {
		return 0
	}
	return num / den
}
