// Package features provides sparse feature detection and correspondence
// matching for the feature-point alignment stage: a multi-scale
// Laplacian-of-Gaussian blob detector, fixed-radius neighborhood context
// extraction, pairwise normalized correlation, and mutual-best point
// matching.
package features

import (
	"math"
	"sort"

	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

// Spot is a detected feature point: a voxel coordinate plus the detector
// response strength at that location.
type Spot struct {
	// Coord is the voxel-index coordinate, one entry per axis
	Coord []float64

	// Intensity is the detector response; larger means a stronger blob
	Intensity float64
}

// BlobOptions tunes the blob detector.
type BlobOptions struct {
	// NumSigma is the number of Laplacian scales between the minimum and
	// maximum blob size. Zero selects one scale per size unit, capped by
	// the caller.
	NumSigma int

	// ExcludeBorder drops detections within this many voxels of the
	// volume border, keeping later context extraction fully inside the
	// grid.
	ExcludeBorder int

	// Mask restricts detections to the foreground of a binary mask that
	// shares the volume's physical field of view (sampling may differ).
	Mask *volume.Volume

	// Threshold is the minimum absolute response to accept. Zero selects
	// a small default relative to the intensity range.
	Threshold float64
}

// DetectBlobs finds bright blobs between minSize and maxSize (voxel units,
// blob diameter) using a scale-normalized Laplacian of Gaussian. A spot is
// reported where the response is a local maximum over its spatial
// neighborhood and adjacent scales.
func DetectBlobs(vol *volume.Volume, minSize, maxSize float64, opt BlobOptions) []Spot {
	nSigma := opt.NumSigma
	if nSigma < 1 {
		nSigma = 1
	}
	// diameter d maps to LoG sigma d / (2*sqrt(rank))
	rank := vol.Rank()
	toSigma := 1 / (2 * math.Sqrt(float64(rank)))
	sigmas := make([]float64, nSigma)
	for i := range sigmas {
		frac := 0.0
		if nSigma > 1 {
			frac = float64(i) / float64(nSigma-1)
		}
		sigmas[i] = (minSize + frac*(maxSize-minSize)) * toSigma
	}

	threshold := opt.Threshold
	if threshold == 0 {
		min, max := vol.MinMax()
		threshold = 0.02 * (max - min)
	}
	// a constant image has no intensity range and therefore no blobs
	if threshold <= 0 {
		return nil
	}

	responses := make([]*volume.Volume, len(sigmas))
	for i, s := range sigmas {
		responses[i] = logResponse(vol, s)
	}

	var spots []Spot
	idx := make([]int, rank)
	for scale := range responses {
		r := responses[scale]
		for i, v := range r.Data {
			if v < threshold {
				continue
			}
			rem := i
			border := false
			for d := rank - 1; d >= 0; d-- {
				idx[d] = rem % r.Shape[d]
				rem /= r.Shape[d]
				if idx[d] < opt.ExcludeBorder || idx[d] >= r.Shape[d]-opt.ExcludeBorder {
					border = true
				}
			}
			if border && opt.ExcludeBorder > 0 {
				continue
			}
			if opt.Mask != nil {
				p := vol.PhysicalPoint(idx)
				if mv := opt.Mask.InterpNearest(opt.Mask.ContinuousIndex(p)); math.IsNaN(mv) || mv <= 0 {
					continue
				}
			}
			if !isLocalMax(responses, scale, idx, v) {
				continue
			}
			coord := make([]float64, rank)
			for d := range idx {
				coord[d] = float64(idx[d])
			}
			spots = append(spots, Spot{Coord: coord, Intensity: v})
		}
	}
	return spots
}

// logResponse computes the negated scale-normalized Laplacian of Gaussian,
// so bright blobs produce positive peaks.
func logResponse(vol *volume.Volume, sigma float64) *volume.Volume {
	sm := vol.Smooth(sigma)
	out := volume.New(sm.Shape, sm.Spacing)
	copy(out.Origin, sm.OriginOrZero())
	rank := sm.Rank()
	idx := make([]int, rank)
	nb := make([]int, rank)
	for i := range sm.Data {
		rem := i
		for d := rank - 1; d >= 0; d-- {
			idx[d] = rem % sm.Shape[d]
			rem /= sm.Shape[d]
		}
		var lap float64
		center := sm.Data[i]
		for d := 0; d < rank; d++ {
			copy(nb, idx)
			lo, hi := center, center
			if idx[d] > 0 {
				nb[d] = idx[d] - 1
				lo = sm.At(nb...)
			}
			if idx[d] < sm.Shape[d]-1 {
				nb[d] = idx[d] + 1
				hi = sm.At(nb...)
			}
			nb[d] = idx[d]
			lap += lo + hi - 2*center
		}
		out.Data[i] = -sigma * sigma * lap
	}
	return out
}

// isLocalMax reports whether the response at idx dominates its 3^rank
// spatial neighborhood at its own scale and the same neighborhood at the
// adjacent scales.
func isLocalMax(responses []*volume.Volume, scale int, idx []int, v float64) bool {
	rank := len(idx)
	nb := make([]int, rank)
	span := 1
	for d := 0; d < rank; d++ {
		span *= 3
	}
	for s := scale - 1; s <= scale+1; s++ {
		if s < 0 || s >= len(responses) {
			continue
		}
		r := responses[s]
		for o := 0; o < span; o++ {
			rem := o
			self := true
			inside := true
			for d := rank - 1; d >= 0; d-- {
				off := rem%3 - 1
				rem /= 3
				nb[d] = idx[d] + off
				if off != 0 {
					self = false
				}
				if nb[d] < 0 || nb[d] >= r.Shape[d] {
					inside = false
				}
			}
			if (self && s == scale) || !inside {
				continue
			}
			if r.At(nb...) > v {
				return false
			}
		}
	}
	return true
}

// TopSpots sorts spots by descending intensity and keeps at most n.
func TopSpots(spots []Spot, n int) []Spot {
	out := append([]Spot(nil), spots...)
	sort.Slice(out, func(i, j int) bool { return out[i].Intensity > out[j].Intensity })
	if len(out) > n {
		out = out[:n]
	}
	return out
}
