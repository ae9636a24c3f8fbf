package transform

import (
	"fmt"
	"math"

	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

// Interp selects the resampling interpolator.
type Interp int

const (
	// InterpLinear is multilinear interpolation, the default for images.
	InterpLinear Interp = iota
	// InterpNearest is nearest-neighbor interpolation, used for masks.
	InterpNearest
)

// ApplyPointChain maps a fixed-space point through an ordered transform
// list. The list composes left-to-right with the earliest transform
// outermost: the point is pushed through the last entry first, so that for
// list [t1, t2] the result is t1(t2(x)). This matches moving-initial
// semantics, where earlier transforms were applied to the moving image
// before later ones were optimized.
func ApplyPointChain(list []Transform, p []float64) []float64 {
	out := append([]float64(nil), p...)
	for i := len(list) - 1; i >= 0; i-- {
		out = list[i].ApplyPoint(out)
	}
	return out
}

// Apply resamples the moving image onto the fixed image grid through the
// transform list. Each output voxel's physical location is mapped through
// the chain into moving space and sampled there; locations outside the
// moving domain produce zeros. Neither input is mutated.
func Apply(fix, mov *volume.Volume, list []Transform, interp Interp) *volume.Volume {
	out := volume.New(fix.Shape, fix.Spacing)
	copy(out.Origin, fix.OriginOrZero())
	rank := fix.Rank()
	idx := make([]int, rank)
	for i := range out.Data {
		rem := i
		for d := rank - 1; d >= 0; d-- {
			idx[d] = rem % fix.Shape[d]
			rem /= fix.Shape[d]
		}
		p := ApplyPointChain(list, fix.PhysicalPoint(idx))
		ci := mov.ContinuousIndex(p)
		var v float64
		if interp == InterpNearest {
			v = mov.InterpNearest(ci)
		} else {
			v = mov.InterpLinear(ci)
		}
		if math.IsNaN(v) {
			v = 0
		}
		out.Data[i] = v
	}
	return out
}

// Compose merges an ordered transform list into a single transform,
// earliest first. A list of pure affines composes to the matrix product in
// list order. Any deformable member forces the result to a dense
// displacement field sampled on the grid of the first field in the list,
// using the supplied reference spacing. An empty list composes to nil.
func Compose(list []Transform, refSpacing []float64) (Transform, error) {
	if len(list) == 0 {
		return nil, nil
	}
	allAffine := true
	var ref *DisplacementField
	for _, t := range list {
		switch tt := t.(type) {
		case *Affine:
		case *Rigid:
		case *DisplacementField:
			allAffine = false
			if ref == nil {
				ref = tt
			}
		case *BSpline:
			allAffine = false
		default:
			return nil, fmt.Errorf("transform: cannot compose %T", t)
		}
	}
	if allAffine {
		out := asAffine(list[0])
		for _, t := range list[1:] {
			out = out.Mul(asAffine(t))
		}
		return out, nil
	}
	if ref == nil {
		return nil, fmt.Errorf("transform: deformable composition requires at least one displacement field")
	}
	spacing := refSpacing
	if spacing == nil {
		spacing = ref.Spacing
	}
	out := NewDisplacementField(ref.GridShape, spacing, ref.originOrZero())
	dim := out.Dim()
	idx := make([]int, dim)
	p := make([]float64, dim)
	origin := out.originOrZero()
	n := len(out.Data) / dim
	for i := 0; i < n; i++ {
		rem := i
		for d := dim - 1; d >= 0; d-- {
			idx[d] = rem % out.GridShape[d]
			rem /= out.GridShape[d]
		}
		for d := 0; d < dim; d++ {
			p[d] = origin[d] + float64(idx[d])*spacing[d]
		}
		q := ApplyPointChain(list, p)
		for d := 0; d < dim; d++ {
			out.Data[i*dim+d] = q[d] - p[d]
		}
	}
	return out, nil
}

// asAffine converts matrix-representable transforms to Affine.
func asAffine(t Transform) *Affine {
	switch tt := t.(type) {
	case *Affine:
		return tt
	case *Rigid:
		return tt.Affine()
	}
	panic("transform: not matrix representable")
}

// SameShape reports whether two transforms share an array representation
// shape, the grouping heuristic used by the compressed pipeline format.
func SameShape(a, b Transform) bool {
	sa, sb := a.ArrayShape(), b.ArrayShape()
	if len(sa) != len(sb) {
		return false
	}
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}
