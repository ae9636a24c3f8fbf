package transform

import "math"

// DisplacementField is a dense deformable transform: one physical offset
// vector per grid voxel, sampled on its own grid with its own spacing and
// origin. The grid usually matches the fixed image but is not required to;
// composition and application always go through the field's declared
// metadata.
type DisplacementField struct {
	// Data stores the vectors with the component axis last:
	// Data[(flatIdx)*dim + component].
	Data []float64

	// GridShape is the number of grid points per spatial axis
	GridShape []int

	// Spacing is the physical distance between grid points per axis
	Spacing []float64

	// Origin is the physical coordinate of grid point (0, 0, ...).
	// Nil means all zeros.
	Origin []float64
}

// NewDisplacementField allocates a zero (identity) field on the given grid.
func NewDisplacementField(shape []int, spacing, origin []float64) *DisplacementField {
	n := 1
	for _, s := range shape {
		n *= s
	}
	f := &DisplacementField{
		Data:      make([]float64, n*len(shape)),
		GridShape: append([]int(nil), shape...),
		Spacing:   append([]float64(nil), spacing...),
	}
	if origin != nil {
		f.Origin = append([]float64(nil), origin...)
	}
	return f
}

// Dim returns the spatial dimensionality of the field.
func (f *DisplacementField) Dim() int { return len(f.GridShape) }

func (f *DisplacementField) originOrZero() []float64 {
	if f.Origin != nil {
		return f.Origin
	}
	return make([]float64, len(f.GridShape))
}

// VectorAt returns the displacement vector stored at a grid index.
func (f *DisplacementField) VectorAt(idx []int) []float64 {
	off := 0
	for d := 0; d < len(f.GridShape); d++ {
		off = off*f.GridShape[d] + idx[d]
	}
	dim := f.Dim()
	return f.Data[off*dim : off*dim+dim]
}

// SetVectorAt stores a displacement vector at a grid index.
func (f *DisplacementField) SetVectorAt(idx []int, v []float64) {
	copy(f.VectorAt(idx), v)
}

// displacement interpolates the field at a physical point with multilinear
// interpolation, clamping to the grid edge outside the domain. Clamping
// (rather than a NaN miss) keeps composed chains well defined near borders.
func (f *DisplacementField) displacement(p []float64) []float64 {
	dim := f.Dim()
	origin := f.originOrZero()
	base := make([]int, dim)
	frac := make([]float64, dim)
	for d := 0; d < dim; d++ {
		u := (p[d] - origin[d]) / f.Spacing[d]
		u = clamp(u, 0, float64(f.GridShape[d]-1))
		fl := math.Floor(u)
		base[d] = int(fl)
		frac[d] = u - fl
		if base[d] == f.GridShape[d]-1 && f.GridShape[d] > 1 {
			base[d]--
			frac[d] = 1
		}
	}
	out := make([]float64, dim)
	corner := make([]int, dim)
	corners := 1 << uint(dim)
	for c := 0; c < corners; c++ {
		w := 1.0
		for d := 0; d < dim; d++ {
			if c&(1<<uint(d)) != 0 && f.GridShape[d] > 1 {
				corner[d] = base[d] + 1
				w *= frac[d]
			} else {
				corner[d] = base[d]
				w *= 1 - frac[d]
			}
		}
		if w == 0 {
			continue
		}
		vec := f.VectorAt(corner)
		for d := 0; d < dim; d++ {
			out[d] += w * vec[d]
		}
	}
	return out
}

// ApplyPoint maps a physical point: x' = x + u(x).
func (f *DisplacementField) ApplyPoint(p []float64) []float64 {
	u := f.displacement(p)
	out := make([]float64, len(p))
	for d := range p {
		out[d] = p[d] + u[d]
	}
	return out
}

// ArrayShape reports the grid shape plus the trailing vector axis.
func (f *DisplacementField) ArrayShape() []int {
	return append(append([]int(nil), f.GridShape...), f.Dim())
}

// MaxMagnitude returns the largest displacement vector norm in the field.
func (f *DisplacementField) MaxMagnitude() float64 {
	dim := f.Dim()
	var max float64
	for i := 0; i+dim <= len(f.Data); i += dim {
		var m float64
		for d := 0; d < dim; d++ {
			m += f.Data[i+d] * f.Data[i+d]
		}
		if m > max {
			max = m
		}
	}
	return math.Sqrt(max)
}
