package features

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

// Contexts extracts the flattened intensity neighborhood of halfwidth
// radius around each spot. Neighborhood voxels falling outside the grid
// read as zero; the detector's border exclusion normally prevents that.
func Contexts(vol *volume.Volume, spots []Spot, radius int) [][]float64 {
	rank := vol.Rank()
	side := 2*radius + 1
	span := 1
	for d := 0; d < rank; d++ {
		span *= side
	}
	out := make([][]float64, len(spots))
	idx := make([]int, rank)
	for i, s := range spots {
		ctx := make([]float64, span)
		for o := 0; o < span; o++ {
			rem := o
			inside := true
			for d := rank - 1; d >= 0; d-- {
				off := rem%side - radius
				rem /= side
				idx[d] = int(s.Coord[d]) + off
				if idx[d] < 0 || idx[d] >= vol.Shape[d] {
					inside = false
				}
			}
			if inside {
				ctx[o] = vol.At(idx...)
			}
		}
		out[i] = ctx
	}
	return out
}

// PairwiseCorrelation computes the full matrix of normalized correlations
// between two context sets: entry (i, j) is the Pearson correlation of
// fixed context i against moving context j. Flat (zero-variance) contexts
// correlate as zero against everything.
func PairwiseCorrelation(fixCtx, movCtx [][]float64) *mat.Dense {
	fn := normalizeContexts(fixCtx)
	mn := normalizeContexts(movCtx)
	out := mat.NewDense(len(fixCtx), len(movCtx), nil)
	for i := range fn {
		for j := range mn {
			var dot float64
			for k := range fn[i] {
				dot += fn[i][k] * mn[j][k]
			}
			out.Set(i, j, dot)
		}
	}
	return out
}

// normalizeContexts centers each context and scales it to unit norm, so
// correlation reduces to a dot product.
func normalizeContexts(ctx [][]float64) [][]float64 {
	out := make([][]float64, len(ctx))
	for i, c := range ctx {
		n := make([]float64, len(c))
		var mean float64
		for _, v := range c {
			mean += v
		}
		mean /= float64(len(c))
		var norm float64
		for k, v := range c {
			n[k] = v - mean
			norm += n[k] * n[k]
		}
		norm = math.Sqrt(norm)
		if norm > 0 {
			for k := range n {
				n[k] /= norm
			}
		} else {
			for k := range n {
				n[k] = 0
			}
		}
		out[i] = n
	}
	return out
}

// MatchPoints derives correspondences from a correlation matrix under a
// mutual-best-match policy: fixed point i matches moving point j when j is
// the best match of i, i is the best match of j, their correlation exceeds
// threshold, and (when maxDistance > 0) the physical distance between them
// does not exceed maxDistance. Points are given in physical units; the
// matched subsets are returned in corresponding order.
func MatchPoints(fixPts, movPts [][]float64, corr *mat.Dense, threshold, maxDistance float64) (matchedFix, matchedMov [][]float64) {
	nf, nm := corr.Dims()
	bestOfMov := make([]int, nm)
	for j := 0; j < nm; j++ {
		best := -1
		bestV := math.Inf(-1)
		for i := 0; i < nf; i++ {
			if v := corr.At(i, j); v > bestV {
				bestV, best = v, i
			}
		}
		bestOfMov[j] = best
	}
	for i := 0; i < nf; i++ {
		best := -1
		bestV := math.Inf(-1)
		for j := 0; j < nm; j++ {
			if v := corr.At(i, j); v > bestV {
				bestV, best = v, j
			}
		}
		if best < 0 || bestV <= threshold || bestOfMov[best] != i {
			continue
		}
		if maxDistance > 0 {
			var d2 float64
			for d := range fixPts[i] {
				diff := fixPts[i][d] - movPts[best][d]
				d2 += diff * diff
			}
			if math.Sqrt(d2) > maxDistance {
				continue
			}
		}
		matchedFix = append(matchedFix, fixPts[i])
		matchedMov = append(matchedMov, movPts[best])
	}
	return matchedFix, matchedMov
}
