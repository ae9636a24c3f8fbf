package transform

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Rigid is a rotation-plus-translation transform with a fixed center of
// rotation. 2D uses a single angle, 3D uses ZYX Euler angles. Rigid
// implements Parameterized so the metric engine can optimize it directly
// with fewer degrees of freedom than a full affine.
type Rigid struct {
	dim    int
	angles []float64 // 1 entry in 2D, 3 entries in 3D
	trans  []float64
	center []float64
}

// NewRigid returns the identity rigid transform of the given
// dimensionality rotating about center. A nil center means the coordinate
// origin.
func NewRigid(dim int, center []float64) *Rigid {
	if center == nil {
		center = make([]float64, dim)
	}
	nAngles := 1
	if dim == 3 {
		nAngles = 3
	}
	return &Rigid{
		dim:    dim,
		angles: make([]float64, nAngles),
		trans:  make([]float64, dim),
		center: append([]float64(nil), center...),
	}
}

// RigidFromAffine initializes a rigid transform from the rotation and
// translation parts of an affine matrix. The linear block is assumed to be
// close to a proper rotation; scale and shear content is discarded.
func RigidFromAffine(a *Affine, center []float64) *Rigid {
	r := NewRigid(a.Dim(), center)
	if a.Dim() == 2 {
		r.angles[0] = math.Atan2(a.At(1, 0), a.At(0, 0))
	} else {
		rot := mat.NewDense(3, 3, nil)
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				rot.Set(i, j, a.At(i, j))
			}
		}
		r.angles[0], r.angles[1], r.angles[2] = eulerZYX(rot)
	}
	// solve for the translation that reproduces the affine's offset under
	// rotation about the center: offset = t + c - R*c
	rm := r.rotation()
	for i := 0; i < r.dim; i++ {
		t := a.At(i, r.dim) - r.center[i]
		for j := 0; j < r.dim; j++ {
			t += rm.At(i, j) * r.center[j]
		}
		r.trans[i] = t
	}
	return r
}

func (r *Rigid) rotation() *mat.Dense {
	if r.dim == 2 {
		c, s := math.Cos(r.angles[0]), math.Sin(r.angles[0])
		return mat.NewDense(2, 2, []float64{c, -s, s, c})
	}
	return rotationZYX(r.angles[0], r.angles[1], r.angles[2])
}

// ApplyPoint maps a physical point: x' = R(x - c) + c + t.
func (r *Rigid) ApplyPoint(p []float64) []float64 {
	rm := r.rotation()
	out := make([]float64, r.dim)
	for i := 0; i < r.dim; i++ {
		v := r.center[i] + r.trans[i]
		for j := 0; j < r.dim; j++ {
			v += rm.At(i, j) * (p[j] - r.center[j])
		}
		out[i] = v
	}
	return out
}

// ArrayShape reports the homogeneous matrix shape of the rigid transform.
func (r *Rigid) ArrayShape() []int { return []int{r.dim + 1, r.dim + 1} }

// Parameters returns angles followed by translation.
func (r *Rigid) Parameters() []float64 {
	return append(append([]float64(nil), r.angles...), r.trans...)
}

// SetParameters restores angles and translation from a flat vector.
func (r *Rigid) SetParameters(p []float64) {
	copy(r.angles, p[:len(r.angles)])
	copy(r.trans, p[len(r.angles):])
}

// Affine converts the rigid transform to its homogeneous matrix form.
func (r *Rigid) Affine() *Affine {
	rm := r.rotation()
	a := Identity(r.dim)
	for i := 0; i < r.dim; i++ {
		for j := 0; j < r.dim; j++ {
			a.m.Set(i, j, rm.At(i, j))
		}
		off := r.trans[i] + r.center[i]
		for j := 0; j < r.dim; j++ {
			off -= rm.At(i, j) * r.center[j]
		}
		a.m.Set(i, r.dim, off)
	}
	return a
}
