package align

import (
	"github.com/CIBRalgosw/bigstream/pkg/transform"
	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

// NormalizeSampling harmonizes fixed/moving images and masks onto spacings
// close to the requested alignment spacing via integer skip sampling. Mask
// spacing is first derived from the paired image through the shape ratio,
// never taken from the mask itself, so masks provided at a different
// resolution than their image stay on the shared physical field of view.
// With a zero target the inputs are returned as copies, unchanged. Pure
// function: caller-supplied volumes are never mutated. Nil masks pass
// through as nil.
func NormalizeSampling(fix, mov, fixMask, movMask *volume.Volume, alignmentSpacing float64) (nfix, nmov, nfixMask, nmovMask *volume.Volume) {
	if fixMask != nil {
		nfixMask = fixMask.Clone()
		nfixMask.Spacing = volume.RelativeSpacing(fixMask.Shape, fix)
		nfixMask.Origin = append([]float64(nil), fix.OriginOrZero()...)
	}
	if movMask != nil {
		nmovMask = movMask.Clone()
		nmovMask.Spacing = volume.RelativeSpacing(movMask.Shape, mov)
		nmovMask.Origin = append([]float64(nil), mov.OriginOrZero()...)
	}
	if alignmentSpacing <= 0 {
		return fix.Clone(), mov.Clone(), nfixMask, nmovMask
	}
	nfix = fix.SkipSample(alignmentSpacing)
	nmov = mov.SkipSample(alignmentSpacing)
	if nfixMask != nil {
		nfixMask = nfixMask.SkipSample(alignmentSpacing)
	}
	if nmovMask != nil {
		nmovMask = nmovMask.SkipSample(alignmentSpacing)
	}
	return nfix, nmov, nfixMask, nmovMask
}

// formatStaticTransforms returns a snapshot of the static transform list
// with explicit sampling metadata on every deformable member: a field
// without spacing gets the shape-ratio spacing relative to the fixed
// image, and a field without an origin inherits the fixed origin. Matrix
// transforms carry no grid and pass through untouched.
func formatStaticTransforms(list []transform.Transform, fix *volume.Volume) []transform.Transform {
	out := make([]transform.Transform, len(list))
	for i, t := range list {
		f, ok := t.(*transform.DisplacementField)
		if !ok {
			out[i] = t
			continue
		}
		if f.Spacing != nil && f.Origin != nil {
			out[i] = f
			continue
		}
		g := &transform.DisplacementField{
			Data:      f.Data,
			GridShape: f.GridShape,
			Spacing:   f.Spacing,
			Origin:    f.Origin,
		}
		if g.Spacing == nil {
			g.Spacing = volume.RelativeSpacing(g.GridShape, fix)
		}
		if g.Origin == nil {
			g.Origin = append([]float64(nil), fix.OriginOrZero()...)
		}
		out[i] = g
	}
	return out
}
