package metric

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// score dispatches to the selected similarity measure. All measures are
// oriented so that lower values indicate better alignment.
func score(kind string, f, m []float64, bins int) float64 {
	switch kind {
	case MetricMSE:
		return meanSquaredError(f, m)
	case MetricCorrelation:
		return -stat.Correlation(f, m, nil)
	case MetricMI:
		return -mutualInformation(f, m, bins)
	}
	panic("metric: unreachable metric kind " + kind)
}

func meanSquaredError(f, m []float64) float64 {
	var acc float64
	for i := range f {
		d := f[i] - m[i]
		acc += d * d
	}
	return acc / float64(len(f))
}

// mutualInformation estimates MI between two intensity samples with a
// joint histogram: MI = H(f) + H(m) - H(f, m).
func mutualInformation(f, m []float64, bins int) float64 {
	fMin, fMax := minMax(f)
	mMin, mMax := minMax(m)
	if fMax <= fMin || mMax <= mMin {
		return 0
	}
	joint := make([]float64, bins*bins)
	fHist := make([]float64, bins)
	mHist := make([]float64, bins)
	n := float64(len(f))
	for i := range f {
		fi := binIndex(f[i], fMin, fMax, bins)
		mi := binIndex(m[i], mMin, mMax, bins)
		joint[fi*bins+mi]++
		fHist[fi]++
		mHist[mi]++
	}
	return entropy(fHist, n) + entropy(mHist, n) - entropy(joint, n)
}

func binIndex(v, min, max float64, bins int) int {
	idx := int((v - min) / (max - min) * float64(bins))
	if idx >= bins {
		idx = bins - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

func entropy(hist []float64, n float64) float64 {
	var h float64
	for _, c := range hist {
		if c > 0 {
			p := c / n
			h -= p * math.Log2(p)
		}
	}
	return h
}

func minMax(v []float64) (min, max float64) {
	min, max = v[0], v[0]
	for _, x := range v {
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	return min, max
}
