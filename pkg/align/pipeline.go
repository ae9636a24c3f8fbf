package align

import (
	"fmt"
	"log"

	"github.com/CIBRalgosw/bigstream/pkg/transform"
	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

// StepKind identifies an alignment stage in a pipeline.
type StepKind int

const (
	// StepRansac is feature-point consensus affine estimation.
	StepRansac StepKind = iota
	// StepRandom is the random affine search.
	StepRandom
	// StepRigid is metric-driven rigid refinement.
	StepRigid
	// StepAffine is metric-driven affine refinement.
	StepAffine
	// StepDeform is B-spline deformable refinement.
	StepDeform
)

func (k StepKind) String() string {
	switch k {
	case StepRansac:
		return "ransac"
	case StepRandom:
		return "random"
	case StepRigid:
		return "rigid"
	case StepAffine:
		return "affine"
	case StepDeform:
		return "deform"
	}
	return fmt.Sprintf("StepKind(%d)", int(k))
}

// Step is one pipeline stage: a kind plus that kind's options. Only the
// option set matching the kind is consulted; nil selects stage defaults.
// Rigid steps read the Affine options with the rigid restriction forced on.
type Step struct {
	Kind   StepKind
	Ransac *FeatureOptions
	Random *RandomOptions
	Affine *AffineOptions
	Deform *DeformOptions
}

// ReturnFormat selects how Run packages the transforms it produced.
type ReturnFormat int

const (
	// FormatIndependent returns one transform per executed step.
	FormatIndependent ReturnFormat = iota
	// FormatFlatten composes all produced transforms into one.
	FormatFlatten
	// FormatCompressed composes adjacent runs of same-shaped transforms,
	// preserving order between runs.
	FormatCompressed
)

// Pipeline chains alignment stages. Each stage sees the accumulated
// transforms of all earlier stages (plus any caller-provided static list)
// as its static context, so stages refine rather than restart.
type Pipeline struct {
	// Defaults supplies shared options to steps that leave them unset.
	Defaults Options

	// Format controls the shape of the returned transform list.
	Format ReturnFormat
}

// PipelineResult is the outcome of a pipeline run.
type PipelineResult struct {
	// Transforms holds the produced transforms in the requested format.
	// Static inputs are not included.
	Transforms []transform.Transform

	// Results holds the per-step stage results in execution order.
	Results []Result
}

// Run executes the steps in order against the fixed/moving pair. The
// static list is applied before every stage but never returned. Stage
// fallbacks do not stop the pipeline; their default transforms join the
// accumulated list like any other result.
func (p *Pipeline) Run(fix, mov *volume.Volume, steps []Step, static []transform.Transform) (*PipelineResult, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("align: pipeline has no steps")
	}

	context := snapshotTransforms(static)
	produced := make([]transform.Transform, 0, len(steps))
	results := make([]Result, 0, len(steps))

	for i, step := range steps {
		log.Printf("pipeline step %d: %s", i, step.Kind)
		var (
			res Result
			err error
		)
		switch step.Kind {
		case StepRansac:
			opt := FeatureOptions{}
			if step.Ransac != nil {
				opt = *step.Ransac
			}
			opt.mergeFrom(p.Defaults)
			opt.Static = snapshotTransforms(context)
			res, err = FeatureRANSACAlign(fix, mov, opt)

		case StepRandom:
			opt := RandomOptions{}
			if step.Random != nil {
				opt = *step.Random
			}
			opt.mergeFrom(p.Defaults)
			opt.Static = snapshotTransforms(context)
			opt.NReturn = 1
			var best []*transform.Affine
			best, err = RandomAffineSearch(fix, mov, opt)
			if err == nil {
				res = Result{Transform: best[0], Params: best[0].Parameters()}
			}

		case StepRigid, StepAffine:
			opt := AffineOptions{}
			if step.Affine != nil {
				opt = *step.Affine
			}
			opt.Rigid = step.Kind == StepRigid
			opt.mergeFrom(p.Defaults)
			opt.Static = snapshotTransforms(context)
			res, err = AffineAlign(fix, mov, opt)

		case StepDeform:
			opt := DeformOptions{}
			if step.Deform != nil {
				opt = *step.Deform
			}
			opt.mergeFrom(p.Defaults)
			opt.Static = snapshotTransforms(context)
			res, err = DeformableAlign(fix, mov, opt)

		default:
			return nil, fmt.Errorf("align: unknown step kind %v", step.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("align: step %d (%s): %w", i, step.Kind, err)
		}
		if res.Fallback {
			log.Printf("pipeline step %d fell back: %s", i, res.Reason)
		}
		context = append(context, res.Transform)
		produced = append(produced, res.Transform)
		results = append(results, res)
	}

	out, err := p.formatTransforms(produced, fix)
	if err != nil {
		return nil, err
	}
	return &PipelineResult{Transforms: out, Results: results}, nil
}

// formatTransforms packages the produced transforms per the configured
// return format.
func (p *Pipeline) formatTransforms(produced []transform.Transform, fix *volume.Volume) ([]transform.Transform, error) {
	switch p.Format {
	case FormatIndependent:
		return produced, nil

	case FormatFlatten:
		t, err := transform.Compose(produced, fix.Spacing)
		if err != nil {
			return nil, err
		}
		return []transform.Transform{t}, nil

	case FormatCompressed:
		var out []transform.Transform
		for start := 0; start < len(produced); {
			end := start + 1
			for end < len(produced) && transform.SameShape(produced[start], produced[end]) {
				end++
			}
			t, err := transform.Compose(produced[start:end], fix.Spacing)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
			start = end
		}
		return out, nil
	}
	return nil, fmt.Errorf("align: unknown return format %d", int(p.Format))
}
