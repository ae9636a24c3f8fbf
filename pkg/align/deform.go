package align

import (
	"fmt"
	"log"
	"math"

	"github.com/CIBRalgosw/bigstream/pkg/metric"
	"github.com/CIBRalgosw/bigstream/pkg/transform"
	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

// DeformDefault is the fallback payload of the deformable stage: the
// control point parameters and the dense field they induce.
type DeformDefault struct {
	Params []float64
	Field  *transform.DisplacementField
}

// DeformOptions configures DeformableAlign.
type DeformOptions struct {
	Options

	// ControlPointSpacing is the physical distance between B-spline
	// control points at the finest level. Must be positive.
	ControlPointSpacing float64

	// ControlPointLevels lists mesh refinement divisors, coarsest first:
	// level v places control points every v*ControlPointSpacing. Nil
	// selects a single level of 1.
	ControlPointLevels []int

	// Default is returned whenever the stage falls back. Nil selects the
	// zero displacement field on the fixed grid.
	Default *DeformDefault
}

// DeformableAlign refines alignment with a multi-level cubic B-spline free
// form deformation. The control point mesh starts at the coarsest level and
// is refined between levels by resampling the current displacement at the
// finer control points, so each level starts from the solution of the
// previous one. On success the result transform is the dense displacement
// field sampled on the original fixed grid, and Params holds the final
// control point coefficients.
func DeformableAlign(fix, mov *volume.Volume, opt DeformOptions) (Result, error) {
	if fix.Rank() != mov.Rank() {
		return Result{}, fmt.Errorf("align: fixed rank %d does not match moving rank %d", fix.Rank(), mov.Rank())
	}
	if opt.ControlPointSpacing <= 0 {
		return Result{}, fmt.Errorf("align: control point spacing %g is not positive", opt.ControlPointSpacing)
	}
	levels := opt.ControlPointLevels
	if len(levels) == 0 {
		levels = []int{1}
	}
	for _, v := range levels {
		if v < 1 {
			return Result{}, fmt.Errorf("align: control point level %d is not positive", v)
		}
	}

	// the output field lives on the caller's grid, not the resampled one
	outShape := append([]int(nil), fix.Shape...)
	outSpacing := append([]float64(nil), fix.Spacing...)
	outOrigin := append([]float64(nil), fix.OriginOrZero()...)

	static := formatStaticTransforms(opt.Static, fix)
	fix, mov, fixMask, movMask := NormalizeSampling(fix, mov, opt.FixMask, opt.MovMask, opt.AlignmentSpacing)

	bspline := transform.NewBSpline(fix, meshSize(fix, opt.ControlPointSpacing, levels[0]))

	def := opt.Default
	if def == nil {
		zero := transform.NewBSpline(fix, bspline.MeshSize())
		def = &DeformDefault{
			Params: zero.Parameters(),
			Field:  zero.ToField(outShape, outSpacing, outOrigin),
		}
	}

	engine, err := metric.New(opt.engineSettings())
	if err != nil {
		return Result{}, err
	}
	if fixMask != nil {
		engine.SetFixedMask(fixMask)
	}
	if movMask != nil {
		engine.SetMovingMask(movMask)
	}
	engine.SetMovingInitial(static)
	engine.SetTransform(bspline)

	initialMetric, err := engine.Evaluate(fix, mov)
	if err != nil {
		log.Printf("metric evaluation failed (%v), returning default", err)
		return Result{Transform: def.Field, Params: def.Params, Fallback: true, Reason: ReasonOptimizationFailure}, nil
	}
	log.Printf("initial metric value: %g", initialMetric)

	for i, level := range levels {
		if i > 0 {
			// carry the coarse solution into the finer mesh
			bspline = bspline.RefineTo(fix, meshSize(fix, opt.ControlPointSpacing, level))
			engine.SetTransform(bspline)
		}
		log.Printf("optimizing control point level %d (mesh %v)", level, bspline.MeshSize())
		if err := engine.Optimize(fix, mov); err != nil {
			log.Printf("optimization failed (%v), returning default", err)
			return Result{
				Transform: def.Field, Params: def.Params,
				Fallback: true, Reason: ReasonOptimizationFailure,
				InitialMetric: initialMetric,
			}, nil
		}
	}

	finalMetric, err := engine.Evaluate(fix, mov)
	if err != nil {
		log.Printf("metric evaluation failed (%v), returning default", err)
		return Result{
			Transform: def.Field, Params: def.Params,
			Fallback: true, Reason: ReasonOptimizationFailure,
			InitialMetric: initialMetric,
		}, nil
	}
	log.Printf("final metric value: %g", finalMetric)

	if finalMetric >= initialMetric {
		log.Println("registration failed to improve metric, returning default")
		return Result{
			Transform: def.Field, Params: def.Params,
			Fallback: true, Reason: ReasonNoImprovement,
			InitialMetric: initialMetric, FinalMetric: finalMetric,
		}, nil
	}

	return Result{
		Transform:     bspline.ToField(outShape, outSpacing, outOrigin),
		Params:        bspline.Parameters(),
		InitialMetric: initialMetric,
		FinalMetric:   finalMetric,
	}, nil
}

// meshSize derives the control point mesh from the physical extent: one
// cell per level*spacing of physical size, at least one per axis.
func meshSize(ref *volume.Volume, cpSpacing float64, level int) []int {
	size := ref.PhysicalSize()
	mesh := make([]int, len(size))
	for d := range mesh {
		n := int(math.Round(size[d] / (cpSpacing * float64(level))))
		if n < 1 {
			n = 1
		}
		mesh[d] = n
	}
	return mesh
}
