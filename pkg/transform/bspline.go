package transform

import (
	"math"

	"github.com/CIBRalgosw/bigstream/pkg/interpolation"
	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

// BSpline is a deformation parameterized by a uniform grid of control
// vectors interpolated with cubic B-splines. The control grid covers the
// physical domain of a reference image plus one control point of padding on
// each side, the standard arrangement for a cubic kernel whose support
// spans four knots.
type BSpline struct {
	dim        int
	meshSize   []int     // spline cells per axis over the image domain
	gridShape  []int     // control points per axis (meshSize + 3)
	cpSpacing  []float64 // physical spacing between control points
	gridOrigin []float64 // physical position of control point (0, 0, ...)

	// Coeffs holds the control vectors, component axis last, same layout
	// as DisplacementField.Data.
	Coeffs []float64
}

// NewBSpline builds an identity (all-zero coefficient) B-spline transform
// whose mesh covers the physical domain of the reference volume with the
// given number of cells per axis.
func NewBSpline(ref *volume.Volume, meshSize []int) *BSpline {
	dim := ref.Rank()
	b := &BSpline{
		dim:        dim,
		meshSize:   append([]int(nil), meshSize...),
		gridShape:  make([]int, dim),
		cpSpacing:  make([]float64, dim),
		gridOrigin: make([]float64, dim),
	}
	size := ref.PhysicalSize()
	origin := ref.OriginOrZero()
	n := 1
	for d := 0; d < dim; d++ {
		b.gridShape[d] = meshSize[d] + interpolation.Support - 1
		b.cpSpacing[d] = size[d] / float64(meshSize[d])
		b.gridOrigin[d] = origin[d] - b.cpSpacing[d]
		n *= b.gridShape[d]
	}
	b.Coeffs = make([]float64, n*dim)
	return b
}

// MeshSize returns the number of spline cells per axis.
func (b *BSpline) MeshSize() []int { return append([]int(nil), b.meshSize...) }

// controlPoint returns the physical location of a control point index.
func (b *BSpline) controlPoint(idx []int) []float64 {
	p := make([]float64, b.dim)
	for d := 0; d < b.dim; d++ {
		p[d] = b.gridOrigin[d] + float64(idx[d])*b.cpSpacing[d]
	}
	return p
}

func (b *BSpline) coeffAt(idx []int) []float64 {
	off := 0
	for d := 0; d < b.dim; d++ {
		off = off*b.gridShape[d] + idx[d]
	}
	return b.Coeffs[off*b.dim : off*b.dim+b.dim]
}

// Displacement evaluates the spline deformation at a physical point by
// summing the weighted control vectors in the 4^N support neighborhood.
// Control indices are clamped at the grid border.
func (b *BSpline) Displacement(p []float64) []float64 {
	base := make([]int, b.dim)
	weights := make([][4]float64, b.dim)
	for d := 0; d < b.dim; d++ {
		u := (p[d] - b.gridOrigin[d]) / b.cpSpacing[d]
		fl := math.Floor(u)
		base[d] = int(fl) - 1
		weights[d] = interpolation.CubicWeights(u - fl)
	}
	out := make([]float64, b.dim)
	idx := make([]int, b.dim)
	offsets := 1
	for d := 0; d < b.dim; d++ {
		offsets *= interpolation.Support
	}
	for o := 0; o < offsets; o++ {
		rem := o
		w := 1.0
		for d := b.dim - 1; d >= 0; d-- {
			k := rem % interpolation.Support
			rem /= interpolation.Support
			w *= weights[d][k]
			j := base[d] + k
			if j < 0 {
				j = 0
			} else if j >= b.gridShape[d] {
				j = b.gridShape[d] - 1
			}
			idx[d] = j
		}
		if w == 0 {
			continue
		}
		c := b.coeffAt(idx)
		for d := 0; d < b.dim; d++ {
			out[d] += w * c[d]
		}
	}
	return out
}

// ApplyPoint maps a physical point: x' = x + s(x).
func (b *BSpline) ApplyPoint(p []float64) []float64 {
	u := b.Displacement(p)
	out := make([]float64, len(p))
	for d := range p {
		out[d] = p[d] + u[d]
	}
	return out
}

// ArrayShape reports the control grid shape plus the trailing vector axis.
func (b *BSpline) ArrayShape() []int {
	return append(append([]int(nil), b.gridShape...), b.dim)
}

// Parameters returns the flat control vector coefficients.
func (b *BSpline) Parameters() []float64 {
	return append([]float64(nil), b.Coeffs...)
}

// SetParameters restores the control vector coefficients.
func (b *BSpline) SetParameters(p []float64) { copy(b.Coeffs, p) }

// ToField samples the spline's dense displacement field on an arbitrary
// grid, usually the fixed image grid at its original pre-normalization
// shape and spacing.
func (b *BSpline) ToField(shape []int, spacing, origin []float64) *DisplacementField {
	f := NewDisplacementField(shape, spacing, origin)
	idx := make([]int, b.dim)
	p := make([]float64, b.dim)
	o := f.originOrZero()
	n := 1
	for _, s := range shape {
		n *= s
	}
	for i := 0; i < n; i++ {
		rem := i
		for d := b.dim - 1; d >= 0; d-- {
			idx[d] = rem % shape[d]
			rem /= shape[d]
		}
		for d := 0; d < b.dim; d++ {
			p[d] = o[d] + float64(idx[d])*spacing[d]
		}
		copy(f.Data[i*b.dim:(i+1)*b.dim], b.Displacement(p))
	}
	return f
}

// RefineTo builds a finer B-spline over the same reference domain whose
// coefficients reproduce the current deformation at the new control point
// locations. Used between levels of the multi-resolution schedule.
func (b *BSpline) RefineTo(ref *volume.Volume, meshSize []int) *BSpline {
	fine := NewBSpline(ref, meshSize)
	idx := make([]int, fine.dim)
	n := 1
	for _, s := range fine.gridShape {
		n *= s
	}
	for i := 0; i < n; i++ {
		rem := i
		for d := fine.dim - 1; d >= 0; d-- {
			idx[d] = rem % fine.gridShape[d]
			rem /= fine.gridShape[d]
		}
		copy(fine.Coeffs[i*fine.dim:(i+1)*fine.dim], b.Displacement(fine.controlPoint(idx)))
	}
	return fine
}
