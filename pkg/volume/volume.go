// Package volume provides the N-dimensional scalar image type used throughout
// the registration pipeline. A Volume couples raw intensity data with the
// physical-space metadata (voxel spacing and origin) that every alignment
// stage needs to reason about heterogeneous sampling grids.
package volume

import (
	"fmt"
	"math"
)

// Volume represents a 2D or 3D scalar image with physical-space metadata.
// The mapping between voxel indices and physical coordinates is
// physical = Origin + index * Spacing, componentwise per axis.
type Volume struct {
	// Data holds the voxel intensities in row-major order with axis 0
	// varying slowest (index = (i0*Shape[1] + i1)*Shape[2] + i2 in 3D).
	Data []float64

	// Shape is the number of voxels along each axis
	Shape []int

	// Spacing is the physical distance between voxel centers along each
	// axis, one positive value per axis
	Spacing []float64

	// Origin is the physical coordinate of voxel (0, 0, ...).
	// A nil origin is treated as all zeros.
	Origin []float64
}

// New creates a zero-filled volume with the given shape and spacing.
// Origin defaults to zero on every axis.
func New(shape []int, spacing []float64) *Volume {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return &Volume{
		Data:    make([]float64, n),
		Shape:   append([]int(nil), shape...),
		Spacing: append([]float64(nil), spacing...),
		Origin:  make([]float64, len(shape)),
	}
}

// FromData wraps existing voxel data in a Volume. The data slice is not
// copied; callers that need isolation should pass a copy.
func FromData(data []float64, shape []int, spacing []float64) (*Volume, error) {
	n := 1
	for _, s := range shape {
		if s <= 0 {
			return nil, fmt.Errorf("volume: non-positive shape entry %d", s)
		}
		n *= s
	}
	if len(data) != n {
		return nil, fmt.Errorf("volume: data length %d does not match shape %v", len(data), shape)
	}
	if len(spacing) != len(shape) {
		return nil, fmt.Errorf("volume: spacing rank %d does not match shape rank %d", len(spacing), len(shape))
	}
	for _, s := range spacing {
		if s <= 0 {
			return nil, fmt.Errorf("volume: non-positive spacing entry %g", s)
		}
	}
	return &Volume{
		Data:    data,
		Shape:   append([]int(nil), shape...),
		Spacing: append([]float64(nil), spacing...),
		Origin:  make([]float64, len(shape)),
	}, nil
}

// Rank returns the number of axes (2 or 3).
func (v *Volume) Rank() int { return len(v.Shape) }

// Len returns the total number of voxels.
func (v *Volume) Len() int { return len(v.Data) }

// Clone returns a deep copy of the volume.
func (v *Volume) Clone() *Volume {
	out := &Volume{
		Data:    append([]float64(nil), v.Data...),
		Shape:   append([]int(nil), v.Shape...),
		Spacing: append([]float64(nil), v.Spacing...),
	}
	if v.Origin != nil {
		out.Origin = append([]float64(nil), v.Origin...)
	}
	return out
}

// OriginOrZero returns the origin, substituting zeros when unset.
func (v *Volume) OriginOrZero() []float64 {
	if v.Origin != nil {
		return v.Origin
	}
	return make([]float64, len(v.Shape))
}

// offset converts a multi-index to a flat offset into Data.
func (v *Volume) offset(idx []int) int {
	off := 0
	for d := 0; d < len(v.Shape); d++ {
		off = off*v.Shape[d] + idx[d]
	}
	return off
}

// At returns the voxel value at the given index.
func (v *Volume) At(idx ...int) float64 { return v.Data[v.offset(idx)] }

// Set stores a voxel value at the given index.
func (v *Volume) Set(val float64, idx ...int) { v.Data[v.offset(idx)] = val }

// PhysicalPoint converts a voxel index to its physical coordinate.
func (v *Volume) PhysicalPoint(idx []int) []float64 {
	p := make([]float64, len(idx))
	origin := v.OriginOrZero()
	for d := range idx {
		p[d] = origin[d] + float64(idx[d])*v.Spacing[d]
	}
	return p
}

// ContinuousIndex converts a physical point to a (fractional) voxel index.
func (v *Volume) ContinuousIndex(p []float64) []float64 {
	idx := make([]float64, len(p))
	origin := v.OriginOrZero()
	for d := range p {
		idx[d] = (p[d] - origin[d]) / v.Spacing[d]
	}
	return idx
}

// PhysicalSize returns the physical extent of the volume along each axis.
func (v *Volume) PhysicalSize() []float64 {
	size := make([]float64, len(v.Shape))
	for d := range v.Shape {
		size[d] = float64(v.Shape[d]) * v.Spacing[d]
	}
	return size
}

// Centroid returns the physical center of the volume bounding box,
// measured from the origin. This is the center of rotation used by the
// random affine search.
func (v *Volume) Centroid() []float64 {
	c := make([]float64, len(v.Shape))
	origin := v.OriginOrZero()
	for d := range v.Shape {
		c[d] = origin[d] + float64(v.Shape[d])/2*v.Spacing[d]
	}
	return c
}

// CenterOfMass returns the intensity-weighted centroid in physical units.
// Uniform (zero-mass) volumes fall back to the bounding-box centroid.
func (v *Volume) CenterOfMass() []float64 {
	rank := v.Rank()
	acc := make([]float64, rank)
	var mass float64
	idx := make([]int, rank)
	for i, val := range v.Data {
		unravel(i, v.Shape, idx)
		for d := 0; d < rank; d++ {
			acc[d] += val * float64(idx[d])
		}
		mass += val
	}
	if mass == 0 {
		return v.Centroid()
	}
	origin := v.OriginOrZero()
	for d := 0; d < rank; d++ {
		acc[d] = origin[d] + acc[d]/mass*v.Spacing[d]
	}
	return acc
}

// unravel converts a flat offset to a multi-index in the given shape.
func unravel(off int, shape []int, idx []int) {
	for d := len(shape) - 1; d >= 0; d-- {
		idx[d] = off % shape[d]
		off /= shape[d]
	}
}

// InterpLinear samples the volume at a continuous index with multilinear
// interpolation. Samples outside the voxel grid return NaN so callers can
// exclude them from metric evaluation.
func (v *Volume) InterpLinear(idx []float64) float64 {
	rank := v.Rank()
	base := make([]int, rank)
	frac := make([]float64, rank)
	for d := 0; d < rank; d++ {
		if idx[d] < 0 || idx[d] > float64(v.Shape[d]-1) {
			return math.NaN()
		}
		f := math.Floor(idx[d])
		base[d] = int(f)
		frac[d] = idx[d] - f
		if base[d] == v.Shape[d]-1 && v.Shape[d] > 1 {
			// keep the interpolation cell inside the grid at the top edge
			base[d]--
			frac[d] = 1
		}
	}
	// accumulate over the 2^rank cell corners
	var val float64
	corners := 1 << uint(rank)
	corner := make([]int, rank)
	for c := 0; c < corners; c++ {
		w := 1.0
		for d := 0; d < rank; d++ {
			if c&(1<<uint(d)) != 0 && v.Shape[d] > 1 {
				corner[d] = base[d] + 1
				w *= frac[d]
			} else {
				corner[d] = base[d]
				w *= 1 - frac[d]
			}
		}
		if w != 0 {
			val += w * v.Data[v.offset(corner)]
		}
	}
	return val
}

// InterpNearest samples the volume at a continuous index with
// nearest-neighbor interpolation. Used for binary masks, where linear
// interpolation would invent intermediate values.
func (v *Volume) InterpNearest(idx []float64) float64 {
	rank := v.Rank()
	corner := make([]int, rank)
	for d := 0; d < rank; d++ {
		n := int(math.Round(idx[d]))
		if n < 0 || n >= v.Shape[d] {
			return math.NaN()
		}
		corner[d] = n
	}
	return v.Data[v.offset(corner)]
}

// MinMax returns the smallest and largest voxel values.
func (v *Volume) MinMax() (min, max float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	min, max = v.Data[0], v.Data[0]
	for _, val := range v.Data {
		if val < min {
			min = val
		}
		if val > max {
			max = val
		}
	}
	return min, max
}

// To3D promotes a 2D volume to a degenerate 3D one with a single voxel
// along the new trailing axis (unit spacing, zero origin). 3D volumes are
// returned unchanged. This lets the 12-parameter random search machinery
// operate uniformly on planar inputs.
func (v *Volume) To3D() *Volume {
	if v.Rank() == 3 {
		return v
	}
	out := &Volume{
		Data:    v.Data,
		Shape:   append(append([]int(nil), v.Shape...), 1),
		Spacing: append(append([]float64(nil), v.Spacing...), 1),
	}
	if v.Origin != nil {
		out.Origin = append(append([]float64(nil), v.Origin...), 0)
	}
	return out
}
