package align

import (
	"fmt"
	"log"

	"github.com/CIBRalgosw/bigstream/pkg/metric"
	"github.com/CIBRalgosw/bigstream/pkg/transform"
	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

// AffineOptions configures AffineAlign.
type AffineOptions struct {
	Options

	// Rigid restricts the optimized transform to rotation plus
	// translation.
	Rigid bool

	// UseCenterOfMass initializes translation from the difference of the
	// image (or mask, when both masks are set) centers of mass. Ignored
	// when InitialTransform is set.
	UseCenterOfMass bool

	// InitialTransform seeds the optimization. Nil starts from identity.
	InitialTransform *transform.Affine

	// Default is returned whenever the stage falls back. Nil selects the
	// initial transform when one was given, otherwise identity.
	Default *transform.Affine
}

// AffineAlign refines an affine (or rigid) transform by iterative metric
// minimization on the configured multi-resolution schedule. The optimized
// transform maps fixed physical points to moving physical points and is
// applied after any static transforms.
//
// The stage falls back to its default when the optimizer cannot improve on
// the initial metric value or the engine cannot evaluate the overlap.
func AffineAlign(fix, mov *volume.Volume, opt AffineOptions) (Result, error) {
	if fix.Rank() != mov.Rank() {
		return Result{}, fmt.Errorf("align: fixed rank %d does not match moving rank %d", fix.Rank(), mov.Rank())
	}
	dim := fix.Rank()

	initial := opt.InitialTransform
	def := opt.Default
	if def == nil {
		if initial != nil {
			def = initial.Clone()
		} else {
			def = transform.Identity(dim)
		}
	}

	static := formatStaticTransforms(opt.Static, fix)
	fix, mov, fixMask, movMask := NormalizeSampling(fix, mov, opt.FixMask, opt.MovMask, opt.AlignmentSpacing)

	if initial == nil {
		initial = transform.Identity(dim)
		if opt.UseCenterOfMass {
			initial = centerOfMassTranslation(fix, mov, fixMask, movMask)
		}
	} else {
		initial = initial.Clone()
	}

	var tform transform.Parameterized
	if opt.Rigid {
		tform = transform.RigidFromAffine(initial, fix.Centroid())
	} else {
		tform = initial
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
	engine.SetTransform(tform)

	initialMetric, err := engine.Evaluate(fix, mov)
	if err != nil {
		log.Printf("metric evaluation failed (%v), returning default", err)
		return Result{Transform: def, Fallback: true, Reason: ReasonOptimizationFailure}, nil
	}
	log.Printf("initial metric value: %g", initialMetric)

	if err := engine.Optimize(fix, mov); err != nil {
		log.Printf("optimization failed (%v), returning default", err)
		return Result{
			Transform: def, Fallback: true, Reason: ReasonOptimizationFailure,
			InitialMetric: initialMetric,
		}, nil
	}

	finalMetric, err := engine.Evaluate(fix, mov)
	if err != nil {
		log.Printf("metric evaluation failed (%v), returning default", err)
		return Result{
			Transform: def, Fallback: true, Reason: ReasonOptimizationFailure,
			InitialMetric: initialMetric,
		}, nil
	}
	log.Printf("final metric value: %g", finalMetric)

	if finalMetric >= initialMetric {
		log.Println("registration failed to improve metric, returning default")
		return Result{
			Transform: def, Fallback: true, Reason: ReasonNoImprovement,
			InitialMetric: initialMetric, FinalMetric: finalMetric,
		}, nil
	}

	out := affineOf(tform)
	return Result{
		Transform:     out,
		Params:        out.Parameters(),
		InitialMetric: initialMetric,
		FinalMetric:   finalMetric,
	}, nil
}

// affineOf converts the optimized parameterized transform back to its
// matrix form.
func affineOf(t transform.Parameterized) *transform.Affine {
	switch v := t.(type) {
	case *transform.Affine:
		return v
	case *transform.Rigid:
		return v.Affine()
	}
	return nil
}

// centerOfMassTranslation builds the translation aligning the intensity
// centers of mass. When both masks are present their centers are used
// instead, which ignores intensity differences between the images.
func centerOfMassTranslation(fix, mov, fixMask, movMask *volume.Volume) *transform.Affine {
	fc, mc := fix, mov
	if fixMask != nil && movMask != nil {
		fc, mc = fixMask, movMask
	}
	a, b := fc.CenterOfMass(), mc.CenterOfMass()
	t := make([]float64, len(a))
	for d := range t {
		t[d] = b[d] - a[d]
	}
	return transform.Translation(t)
}
