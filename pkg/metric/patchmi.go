package metric

import (
	"fmt"
	"math"

	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

// PatchMIOptions configures PatchMutualInformation.
type PatchMIOptions struct {
	// Radius is the patch halfwidth in physical units. Zero selects a
	// default of 8 voxels at the fixed image spacing.
	Radius float64

	// Bins is the number of histogram bins per axis. Zero selects 16;
	// small patches need coarser histograms than whole-image MI.
	Bins int

	// MinSampleFraction is the fraction of a patch that must be inside
	// the masks (when given) for the patch to count. Zero selects 0.5.
	MinSampleFraction float64
}

// PatchMutualInformation scores alignment as the negative mean mutual
// information over a tiling of local patches. Local MI is less sensitive to
// slowly varying intensity differences between rounds than a single global
// histogram, which makes it a useful alternative scorer for the random
// affine search. Lower is better, matching the engine metrics.
func PatchMutualInformation(fix, aligned *volume.Volume, fixMask, movMask *volume.Volume, opt PatchMIOptions) (float64, error) {
	if fix.Len() != aligned.Len() {
		return 0, fmt.Errorf("metric: fixed and aligned grids differ: %v vs %v", fix.Shape, aligned.Shape)
	}
	bins := opt.Bins
	if bins == 0 {
		bins = 16
	}
	minFrac := opt.MinSampleFraction
	if minFrac == 0 {
		minFrac = 0.5
	}
	rank := fix.Rank()
	patch := make([]int, rank)
	for d := 0; d < rank; d++ {
		if opt.Radius > 0 {
			patch[d] = int(math.Round(opt.Radius / fix.Spacing[d]))
		} else {
			patch[d] = 8
		}
		if patch[d] < 2 {
			patch[d] = 2
		}
	}

	tiles := make([]int, rank)
	for d := 0; d < rank; d++ {
		tiles[d] = (fix.Shape[d] + patch[d] - 1) / patch[d]
	}
	nTiles := 1
	for _, t := range tiles {
		nTiles *= t
	}

	var sum float64
	var used int
	tileIdx := make([]int, rank)
	idx := make([]int, rank)
	for t := 0; t < nTiles; t++ {
		rem := t
		for d := rank - 1; d >= 0; d-- {
			tileIdx[d] = rem % tiles[d]
			rem /= tiles[d]
		}
		var fvals, mvals []float64
		total := 0
		// walk the voxels of this tile
		span := 1
		for d := 0; d < rank; d++ {
			span *= patch[d]
		}
		for o := 0; o < span; o++ {
			rem := o
			inside := true
			for d := rank - 1; d >= 0; d-- {
				idx[d] = tileIdx[d]*patch[d] + rem%patch[d]
				rem /= patch[d]
				if idx[d] >= fix.Shape[d] {
					inside = false
				}
			}
			if !inside {
				continue
			}
			total++
			x := fix.PhysicalPoint(idx)
			if fixMask != nil {
				if v := fixMask.InterpNearest(fixMask.ContinuousIndex(x)); math.IsNaN(v) || v <= 0 {
					continue
				}
			}
			if movMask != nil {
				if v := movMask.InterpNearest(movMask.ContinuousIndex(x)); math.IsNaN(v) || v <= 0 {
					continue
				}
			}
			fvals = append(fvals, fix.At(idx...))
			mvals = append(mvals, aligned.At(idx...))
		}
		if total == 0 || float64(len(fvals)) < minFrac*float64(total) || len(fvals) < bins {
			continue
		}
		sum += mutualInformation(fvals, mvals, bins)
		used++
	}
	if used == 0 {
		return 0, fmt.Errorf("metric: no patch had sufficient foreground for patch MI")
	}
	return -sum / float64(used), nil
}
