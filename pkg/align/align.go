// Package align implements the multi-stage image registration core: a
// random affine search for global initialization, a feature-point consensus
// affine estimator, gradient-style affine/rigid refinement, B-spline
// deformable refinement, and a pipeline composer that chains the stages
// while threading the growing transform list through each one.
//
// Every stage follows the same failure policy: recoverable problems
// (insufficient features, degenerate solutions, optimization that does not
// improve the metric) produce a well-formed fallback Result carrying the
// caller's default transform, never an error. Errors are reserved for
// precondition violations such as mismatched dimensionality.
package align

import (
	"github.com/CIBRalgosw/bigstream/pkg/metric"
	"github.com/CIBRalgosw/bigstream/pkg/transform"
	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

// Fallback reasons recorded on a Result. The first three come from the
// feature alignment stage, the last two from metric-driven refinement.
const (
	ReasonInsufficientFeatures       = "insufficient feature points"
	ReasonInsufficientCorrespondence = "insufficient matched point pairs"
	ReasonDegenerateAffine           = "degenerate affine"
	ReasonOptimizationFailure        = "optimization failure"
	ReasonNoImprovement              = "metric did not improve"
)

// Result is the outcome of one alignment stage: either a successfully
// optimized transform, or a fallback carrying the stage's default. Stages
// always return a usable Transform so the pipeline can continue.
type Result struct {
	// Transform maps fixed-space physical points to moving space. On
	// fallback this is the stage default (identity unless overridden).
	Transform transform.Transform

	// Params holds the control point parameter vector for deformable
	// results; nil for affine stages.
	Params []float64

	// Fallback reports that the stage returned its default instead of an
	// optimized transform.
	Fallback bool

	// Reason describes why a fallback occurred, one of the Reason
	// constants. Empty on success.
	Reason string

	// InitialMetric and FinalMetric are the engine metric values before
	// and after optimization for the metric-driven stages. Zero for
	// stages that do not evaluate a metric.
	InitialMetric float64
	FinalMetric   float64
}

// Options carries the parameters shared by every alignment stage.
type Options struct {
	// AlignmentSpacing skip-samples all inputs to as close to this voxel
	// spacing (physical units) as integer strides allow before aligning.
	// Zero disables resampling.
	AlignmentSpacing float64

	// FixMask limits metric evaluation and feature detection to the
	// foreground of a fixed-domain mask. The mask may be sampled on a
	// different grid than the fixed image; its spacing is always derived
	// from the image's via the shape ratio.
	FixMask *volume.Volume

	// MovMask is the moving-domain counterpart of FixMask.
	MovMask *volume.Volume

	// Static is an ordered list of previously computed transforms
	// applied to the moving image before this stage's own transform is
	// optimized. The list is treated as immutable.
	Static []transform.Transform

	// Engine configures the metric engine. Nil selects
	// metric.DefaultSettings.
	Engine *metric.Settings
}

// engineSettings resolves the engine configuration for a stage.
func (o *Options) engineSettings() metric.Settings {
	if o.Engine != nil {
		return *o.Engine
	}
	return metric.DefaultSettings()
}

// mergeFrom fills unset shared fields from pipeline-level defaults.
// Step-specific values always win.
func (o *Options) mergeFrom(def Options) {
	if o.AlignmentSpacing == 0 {
		o.AlignmentSpacing = def.AlignmentSpacing
	}
	if o.FixMask == nil {
		o.FixMask = def.FixMask
	}
	if o.MovMask == nil {
		o.MovMask = def.MovMask
	}
	if o.Engine == nil {
		o.Engine = def.Engine
	}
}

// snapshotTransforms copies a transform list so later growth of the
// accumulating pipeline list can never alias a stage's static context.
func snapshotTransforms(list []transform.Transform) []transform.Transform {
	return append([]transform.Transform(nil), list...)
}
