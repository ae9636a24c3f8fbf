package volume

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// SkipSample downsamples the volume with a regular integer stride per axis
// so that the resulting spacing is as close as possible to the requested
// target spacing. The stride never drops below 1, so a target finer than the
// current spacing is a no-op. A second call with the same target therefore
// leaves an already-sampled volume unchanged.
func (v *Volume) SkipSample(target float64) *Volume {
	strides := make([]int, v.Rank())
	identity := true
	for d, s := range v.Spacing {
		strides[d] = int(math.Round(target / s))
		if strides[d] < 1 {
			strides[d] = 1
		}
		if strides[d] != 1 {
			identity = false
		}
	}
	if identity {
		return v.Clone()
	}
	return v.Stride(strides)
}

// Stride downsamples the volume by the given integer stride per axis,
// keeping every stride-th voxel starting at index zero. Spacing is scaled
// by the stride; the origin is unchanged because voxel (0,0,0) survives.
func (v *Volume) Stride(strides []int) *Volume {
	rank := v.Rank()
	outShape := make([]int, rank)
	outSpacing := make([]float64, rank)
	for d := 0; d < rank; d++ {
		outShape[d] = (v.Shape[d] + strides[d] - 1) / strides[d]
		outSpacing[d] = v.Spacing[d] * float64(strides[d])
	}
	out := New(outShape, outSpacing)
	if v.Origin != nil {
		copy(out.Origin, v.Origin)
	}
	srcIdx := make([]int, rank)
	dstIdx := make([]int, rank)
	for i := range out.Data {
		unravel(i, outShape, dstIdx)
		for d := 0; d < rank; d++ {
			srcIdx[d] = dstIdx[d] * strides[d]
		}
		out.Data[i] = v.Data[v.offset(srcIdx)]
	}
	return out
}

// RelativeSpacing derives the voxel spacing of a companion array (a mask or
// a vector field grid) that covers the same physical field of view as the
// reference image but may be sampled at a different resolution. The spacing
// is the ratio of reference shape to companion shape times the reference
// spacing, never an assumption of equality.
func RelativeSpacing(companionShape []int, ref *Volume) []float64 {
	spacing := make([]float64, len(companionShape))
	for d := range companionShape {
		spacing[d] = ref.Spacing[d] * float64(ref.Shape[d]) / float64(companionShape[d])
	}
	return spacing
}

// Smooth applies a separable Gaussian filter with the given sigma (in voxel
// units) along every axis. Sigmas at or below zero return a copy unchanged.
func (v *Volume) Smooth(sigma float64) *Volume {
	if sigma <= 0 {
		return v.Clone()
	}
	kernel := gaussianKernel(sigma)
	out := v.Clone()
	tmp := make([]float64, len(out.Data))
	for axis := 0; axis < v.Rank(); axis++ {
		convolveAxis(out.Data, tmp, out.Shape, axis, kernel)
		copy(out.Data, tmp)
	}
	return out
}

// Shrink smooths and strides the volume by an integer factor, the standard
// step in a multi-resolution registration schedule. A factor of 1 only
// applies the smoothing.
func (v *Volume) Shrink(factor int, sigma float64) *Volume {
	sm := v.Smooth(sigma)
	if factor <= 1 {
		return sm
	}
	strides := make([]int, v.Rank())
	for d := range strides {
		strides[d] = factor
		if v.Shape[d] < factor {
			strides[d] = 1
		}
	}
	return sm.Stride(strides)
}

// gaussianKernel builds a normalized 1D Gaussian kernel truncated at 3 sigma.
func gaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(3 * sigma))
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	for i := range kernel {
		x := float64(i - radius)
		kernel[i] = math.Exp(-x * x / (2 * sigma * sigma))
	}
	floats.Scale(1/floats.Sum(kernel), kernel)
	return kernel
}

// convolveAxis convolves data along one axis with the kernel, writing into
// dst. Borders are handled by clamping to the edge voxel.
func convolveAxis(data, dst []float64, shape []int, axis int, kernel []float64) {
	rank := len(shape)
	radius := len(kernel) / 2
	// stride of one step along the convolution axis in the flat array
	step := 1
	for d := axis + 1; d < rank; d++ {
		step *= shape[d]
	}
	n := shape[axis]
	idx := make([]int, rank)
	for i := range data {
		unravel(i, shape, idx)
		pos := idx[axis]
		var acc float64
		for k, w := range kernel {
			j := pos + k - radius
			if j < 0 {
				j = 0
			} else if j >= n {
				j = n - 1
			}
			acc += w * data[i+(j-pos)*step]
		}
		dst[i] = acc
	}
}
