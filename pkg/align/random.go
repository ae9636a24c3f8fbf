package align

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"github.com/CIBRalgosw/bigstream/pkg/metric"
	"github.com/CIBRalgosw/bigstream/pkg/transform"
	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

// worstScore excludes failed candidates from selection without aborting
// the search.
const worstScore = math.MaxFloat64

// paramCount is the fixed 12-parameter layout of a random candidate:
// 3 translation, 3 rotation, 3 scale, 3 shear.
const paramCount = 12

// RandomOptions configures RandomAffineSearch.
type RandomOptions struct {
	Options

	// Iterations is the number of random candidates drawn in addition to
	// the always-present identity candidate.
	Iterations int

	// NReturn is how many of the best-scoring transforms to return.
	// Zero selects 1.
	NReturn int

	// MaxTranslation bounds translation sampling per axis in physical
	// units; a single entry applies to all axes. Nil disables the
	// translation degrees of freedom.
	MaxTranslation []float64

	// MaxRotation bounds rotation sampling per axis in radians.
	MaxRotation []float64

	// MaxScale bounds scale sampling per axis; candidates are drawn
	// uniformly in log space within [1/b, b], which keeps scales
	// positive. Entries must exceed 1.
	MaxScale []float64

	// MaxShear bounds shear sampling per axis.
	MaxShear []float64

	// UsePatchMI scores candidates with the patch-wise mutual
	// information evaluator instead of the configured engine metric.
	UsePatchMI bool

	// PatchMI tunes the patch MI evaluator when UsePatchMI is set.
	PatchMI metric.PatchMIOptions

	// OnImprovement, when non-nil, is called in evaluation order each
	// time a candidate improves on the best score so far.
	OnImprovement func(iteration int, score float64)

	// RNG supplies the random source; nil draws from the shared
	// process-wide generator, so reproducibility requires external
	// seeding.
	RNG *rand.Rand
}

// RandomAffineSearch scores random affine transforms within the given
// bounds and returns the NReturn best, ordered best first. The identity
// transform is always among the candidates, so with NReturn of 1 the
// search never returns anything scoring worse than identity. 2D inputs are
// promoted to degenerate 3D so the 12-parameter machinery applies
// uniformly; the returned matrices are then 4x4 with a no-op third axis.
func RandomAffineSearch(fix, mov *volume.Volume, opt RandomOptions) ([]*transform.Affine, error) {
	if fix.Rank() != mov.Rank() {
		return nil, fmt.Errorf("align: fixed rank %d does not match moving rank %d", fix.Rank(), mov.Rank())
	}
	if opt.Iterations < 0 {
		return nil, fmt.Errorf("align: negative iteration count %d", opt.Iterations)
	}
	nReturn := opt.NReturn
	if nReturn < 1 {
		nReturn = 1
	}

	fixMask, movMask := opt.FixMask, opt.MovMask
	is2D := fix.Rank() == 2
	if is2D {
		fix, mov = fix.To3D(), mov.To3D()
		if fixMask != nil {
			fixMask = fixMask.To3D()
		}
		if movMask != nil {
			movMask = movMask.To3D()
		}
	}
	translation, err := expandBounds(opt.MaxTranslation, is2D, 0)
	if err != nil {
		return nil, fmt.Errorf("align: translation bounds: %w", err)
	}
	rotation, err := expandBounds(opt.MaxRotation, is2D, 0)
	if err != nil {
		return nil, fmt.Errorf("align: rotation bounds: %w", err)
	}
	scale, err := expandBounds(opt.MaxScale, is2D, 1)
	if err != nil {
		return nil, fmt.Errorf("align: scale bounds: %w", err)
	}
	shear, err := expandBounds(opt.MaxShear, is2D, 0)
	if err != nil {
		return nil, fmt.Errorf("align: shear bounds: %w", err)
	}

	params := sampleParameters(opt.Iterations, translation, rotation, scale, shear, opt.RNG)
	center := fix.Centroid()

	static := formatStaticTransforms(opt.Static, fix)
	fix, mov, fixMask, movMask = NormalizeSampling(fix, mov, fixMask, movMask, opt.AlignmentSpacing)

	scoreCandidate, err := buildScorer(fix, mov, fixMask, movMask, static, opt)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(params))
	best := worstScore
	for i, p := range params {
		scores[i] = scoreCandidate(transform.FromPhysicalParams3D(p, center))
		if opt.OnImprovement != nil && scores[i] < best {
			best = scores[i]
			opt.OnImprovement(i, best)
		}
	}

	// partial selection of the nReturn lowest scores, then sort ascending
	selected := selectLowest(scores, nReturn)
	out := make([]*transform.Affine, len(selected))
	for i, idx := range selected {
		out[i] = transform.FromPhysicalParams3D(params[idx], center)
	}
	return out, nil
}

// buildScorer returns the candidate scoring function: either the engine
// metric or the patch mutual information evaluator. Failed evaluations
// score as the maximum representable value instead of aborting.
func buildScorer(fix, mov, fixMask, movMask *volume.Volume, static []transform.Transform, opt RandomOptions) (func(*transform.Affine) float64, error) {
	if opt.UsePatchMI {
		return func(a *transform.Affine) float64 {
			list := append(snapshotTransforms(static), a)
			aligned := transform.Apply(fix, mov, list, transform.InterpLinear)
			var movMaskAligned *volume.Volume
			if movMask != nil {
				movMaskAligned = transform.Apply(fix, movMask, list, transform.InterpNearest)
			}
			v, err := metric.PatchMutualInformation(fix, aligned, fixMask, movMaskAligned, opt.PatchMI)
			if err != nil {
				return worstScore
			}
			return v
		}, nil
	}
	engine, err := metric.New(opt.engineSettings())
	if err != nil {
		return nil, err
	}
	if fixMask != nil {
		engine.SetFixedMask(fixMask)
	}
	if movMask != nil {
		engine.SetMovingMask(movMask)
	}
	engine.SetMovingInitial(static)
	return func(a *transform.Affine) float64 {
		engine.SetTransform(a)
		v, err := engine.Evaluate(fix, mov)
		if err != nil {
			return worstScore
		}
		return v
	}, nil
}

// sampleParameters generates iterations+1 parameter vectors in the fixed
// 12-parameter layout. Row 0 is always the identity. Translation,
// rotation, and shear are uniform in [-bound, bound] per axis; scale is
// uniform in log space and exponentiated.
func sampleParameters(iterations int, translation, rotation, scale, shear []float64, rng *rand.Rand) [][]float64 {
	uniform := rand.Float64
	if rng != nil {
		uniform = rng.Float64
	}
	params := make([][]float64, iterations+1)
	for i := range params {
		p := make([]float64, paramCount)
		p[6], p[7], p[8] = 1, 1, 1
		params[i] = p
	}
	symmetric := func(b float64) float64 { return 2*b*uniform() - b }
	for i := 1; i < len(params); i++ {
		p := params[i]
		for d := 0; d < 3; d++ {
			if translation[d] != 0 {
				p[d] = symmetric(translation[d])
			}
			if rotation[d] != 0 {
				p[3+d] = symmetric(rotation[d])
			}
			if scale[d] != 1 {
				p[6+d] = math.Exp(symmetric(math.Log(scale[d])))
			}
			if shear[d] != 0 {
				p[9+d] = symmetric(shear[d])
			}
		}
	}
	return params
}

// expandBounds normalizes a per-axis bound specification to exactly three
// entries. A single entry replicates across axes; for promoted 2D inputs
// the third axis is pinned at the no-op value (0, or 1 for scale).
func expandBounds(bounds []float64, is2D bool, nullValue float64) ([]float64, error) {
	noop := nullValue
	out := []float64{noop, noop, noop}
	if len(bounds) == 0 {
		return out, nil
	}
	axes := 3
	if is2D {
		axes = 2
	}
	switch len(bounds) {
	case 1:
		for d := 0; d < axes; d++ {
			out[d] = bounds[0]
		}
	case axes:
		copy(out, bounds)
	default:
		return nil, fmt.Errorf("expected 1 or %d entries, got %d", axes, len(bounds))
	}
	if is2D {
		out[2] = noop
	}
	return out, nil
}

// selectLowest returns the indices of the n lowest scores, ordered
// ascending by score. Selection is partial: only the best n are tracked
// rather than sorting the full score array.
func selectLowest(scores []float64, n int) []int {
	if n > len(scores) {
		n = len(scores)
	}
	idx := make([]int, 0, n)
	for i, s := range scores {
		pos := len(idx)
		for pos > 0 && scores[idx[pos-1]] > s {
			pos--
		}
		if pos >= n {
			continue
		}
		idx = append(idx, 0)
		copy(idx[pos+1:], idx[pos:])
		idx[pos] = i
		if len(idx) > n {
			idx = idx[:n]
		}
	}
	return idx
}
