// Package transform implements the spatial transform types produced and
// consumed by the alignment pipeline: homogeneous affine matrices, dense
// displacement fields, and B-spline control-point deformations. All
// transforms map a physical point in fixed-image space to a physical point
// in moving-image space.
package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Transform is a physical-space map from fixed to moving coordinates.
type Transform interface {
	// ApplyPoint maps a fixed-space physical point to moving space.
	ApplyPoint(p []float64) []float64

	// ArrayShape reports the shape of the transform's array representation.
	// Affine matrices report [N+1, N+1]; displacement fields report their
	// grid shape plus a trailing vector axis. The pipeline composer groups
	// adjacent results by this shape.
	ArrayShape() []int
}

// Parameterized is a transform whose behavior is controlled by a flat
// parameter vector, suitable for attachment to the metric engine optimizer.
type Parameterized interface {
	Transform
	Parameters() []float64
	SetParameters(p []float64)
}

// Affine is an (N+1)x(N+1) homogeneous matrix transform for N = 2 or 3.
type Affine struct {
	m   *mat.Dense
	dim int
}

// Identity returns the identity affine of the given dimensionality.
func Identity(dim int) *Affine {
	m := mat.NewDense(dim+1, dim+1, nil)
	for i := 0; i <= dim; i++ {
		m.Set(i, i, 1)
	}
	return &Affine{m: m, dim: dim}
}

// FromMatrix wraps a homogeneous (N+1)x(N+1) matrix as an Affine.
func FromMatrix(m *mat.Dense) (*Affine, error) {
	r, c := m.Dims()
	if r != c || (r != 3 && r != 4) {
		return nil, fmt.Errorf("transform: affine matrix must be 3x3 or 4x4, got %dx%d", r, c)
	}
	out := mat.NewDense(r, c, nil)
	out.Copy(m)
	return &Affine{m: out, dim: r - 1}, nil
}

// FromLinear embeds an N x (N+1) linear-plus-translation block into a
// homogeneous matrix. This is the shape produced by the consensus fitter.
func FromLinear(block *mat.Dense) (*Affine, error) {
	r, c := block.Dims()
	if c != r+1 || (r != 2 && r != 3) {
		return nil, fmt.Errorf("transform: linear block must be Nx(N+1), got %dx%d", r, c)
	}
	a := Identity(r)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			a.m.Set(i, j, block.At(i, j))
		}
	}
	return a, nil
}

// Translation returns a pure translation affine.
func Translation(t []float64) *Affine {
	a := Identity(len(t))
	for i, v := range t {
		a.m.Set(i, len(t), v)
	}
	return a
}

// Dim returns the spatial dimensionality (2 or 3).
func (a *Affine) Dim() int { return a.dim }

// Matrix returns a copy of the homogeneous matrix.
func (a *Affine) Matrix() *mat.Dense {
	out := mat.NewDense(a.dim+1, a.dim+1, nil)
	out.Copy(a.m)
	return out
}

// At returns a single matrix entry.
func (a *Affine) At(i, j int) float64 { return a.m.At(i, j) }

// Clone returns a deep copy.
func (a *Affine) Clone() *Affine {
	out := Identity(a.dim)
	out.m.Copy(a.m)
	return out
}

// ApplyPoint maps a physical point through the affine.
func (a *Affine) ApplyPoint(p []float64) []float64 {
	out := make([]float64, a.dim)
	for i := 0; i < a.dim; i++ {
		v := a.m.At(i, a.dim)
		for j := 0; j < a.dim; j++ {
			v += a.m.At(i, j) * p[j]
		}
		out[i] = v
	}
	return out
}

// ArrayShape reports the homogeneous matrix shape.
func (a *Affine) ArrayShape() []int { return []int{a.dim + 1, a.dim + 1} }

// Mul returns the matrix product a*b, the affine that applies b first and
// then a.
func (a *Affine) Mul(b *Affine) *Affine {
	out := Identity(a.dim)
	out.m.Mul(a.m, b.m)
	return out
}

// Diagonal returns the diagonal of the linear part, used by the
// degenerate-affine guard in the feature alignment stage.
func (a *Affine) Diagonal() []float64 {
	d := make([]float64, a.dim)
	for i := 0; i < a.dim; i++ {
		d[i] = a.m.At(i, i)
	}
	return d
}

// Parameters returns the top N rows flattened row-major. The homogeneous
// bottom row is fixed and excluded from optimization.
func (a *Affine) Parameters() []float64 {
	p := make([]float64, a.dim*(a.dim+1))
	k := 0
	for i := 0; i < a.dim; i++ {
		for j := 0; j <= a.dim; j++ {
			p[k] = a.m.At(i, j)
			k++
		}
	}
	return p
}

// SetParameters restores the top N rows from a flat vector.
func (a *Affine) SetParameters(p []float64) {
	k := 0
	for i := 0; i < a.dim; i++ {
		for j := 0; j <= a.dim; j++ {
			a.m.Set(i, j, p[k])
			k++
		}
	}
}

// AlmostEqual reports whether two affines agree entrywise within tol.
func (a *Affine) AlmostEqual(b *Affine, tol float64) bool {
	if a.dim != b.dim {
		return false
	}
	for i := 0; i <= a.dim; i++ {
		for j := 0; j <= a.dim; j++ {
			if math.Abs(a.m.At(i, j)-b.m.At(i, j)) > tol {
				return false
			}
		}
	}
	return true
}

// rotationZYX builds the 3x3 rotation Rz(c)*Ry(b)*Rx(a) from Euler angles.
func rotationZYX(a, b, c float64) *mat.Dense {
	ca, sa := math.Cos(a), math.Sin(a)
	cb, sb := math.Cos(b), math.Sin(b)
	cc, sc := math.Cos(c), math.Sin(c)
	return mat.NewDense(3, 3, []float64{
		cb * cc, cc*sa*sb - ca*sc, sa*sc + ca*cc*sb,
		cb * sc, ca*cc + sa*sb*sc, ca*sb*sc - cc*sa,
		-sb, cb * sa, ca * cb,
	})
}

// eulerZYX recovers Euler angles (a, b, c) from a rotation matrix built by
// rotationZYX. Assumes the matrix is a proper rotation.
func eulerZYX(r *mat.Dense) (a, b, c float64) {
	b = math.Asin(-clamp(r.At(2, 0), -1, 1))
	a = math.Atan2(r.At(2, 1), r.At(2, 2))
	c = math.Atan2(r.At(1, 0), r.At(0, 0))
	return a, b, c
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// FromPhysicalParams3D converts the 12-parameter physical layout used by
// the random affine search into a homogeneous 4x4 matrix. Layout:
// [0:3) translation, [3:6) Euler rotation in radians, [6:9) scale,
// [9:12) shear. Rotation, scale, and shear act about the given center.
func FromPhysicalParams3D(params []float64, center []float64) *Affine {
	t := params[0:3]
	rot := rotationZYX(params[3], params[4], params[5])
	scale := mat.NewDense(3, 3, []float64{
		params[6], 0, 0,
		0, params[7], 0,
		0, 0, params[8],
	})
	shear := mat.NewDense(3, 3, []float64{
		1, params[9], params[10],
		0, 1, params[11],
		0, 0, 1,
	})
	var linear mat.Dense
	linear.Mul(rot, scale)
	linear.Mul(&linear, shear)

	a := Identity(3)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			a.m.Set(i, j, linear.At(i, j))
		}
	}
	// translation composed with rotation about the center:
	// x' = L(x - c) + c + t
	for i := 0; i < 3; i++ {
		off := t[i] + center[i]
		for j := 0; j < 3; j++ {
			off -= linear.At(i, j) * center[j]
		}
		a.m.Set(i, 3, off)
	}
	return a
}
