package metric

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/CIBRalgosw/bigstream/pkg/transform"
	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

// failureScore stands in for a metric value when a candidate evaluation
// fails inside the optimizer loop. Large but finite so the simplex
// arithmetic stays well behaved.
const failureScore = 1e30

// minOverlapVoxels is the smallest fixed/moving overlap for which a metric
// value is considered meaningful.
const minOverlapVoxels = 16

// Engine evaluates and optimizes an intensity similarity metric between a
// fixed and a moving image. The engine is synchronous and single-threaded;
// Optimize mutates the attached transform in place.
type Engine struct {
	settings Settings

	fixMask *volume.Volume
	movMask *volume.Volume
	static  []transform.Transform
	tform   transform.Parameterized
}

// New constructs an engine from validated settings.
func New(s Settings) (*Engine, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Engine{settings: s}, nil
}

// SetFixedMask limits metric evaluation to the foreground of a fixed-domain
// mask. The mask may be sampled on a different grid than the fixed image.
func (e *Engine) SetFixedMask(m *volume.Volume) { e.fixMask = m }

// SetMovingMask limits metric evaluation to the foreground of a
// moving-domain mask.
func (e *Engine) SetMovingMask(m *volume.Volume) { e.movMask = m }

// SetMovingInitial installs static transforms applied to the moving image
// before the optimized transform. They are held fixed during optimization.
func (e *Engine) SetMovingInitial(list []transform.Transform) {
	e.static = append([]transform.Transform(nil), list...)
}

// SetTransform attaches the transform whose parameters Optimize will search
// over. Evaluate also includes it in the chain when present.
func (e *Engine) SetTransform(t transform.Parameterized) { e.tform = t }

// chain returns the full fixed-to-moving transform list: static transforms
// first (outermost), then the attached transform.
func (e *Engine) chain() []transform.Transform {
	list := append([]transform.Transform(nil), e.static...)
	if e.tform != nil {
		list = append(list, e.tform)
	}
	return list
}

// Evaluate computes the configured metric between fix and the moving image
// warped through the current transform chain. Lower is better. An error is
// returned when the warped overlap is too small to score.
func (e *Engine) Evaluate(fix, mov *volume.Volume) (float64, error) {
	return e.evaluate(fix, mov, e.fixMask, e.movMask)
}

func (e *Engine) evaluate(fix, mov, fixMask, movMask *volume.Volume) (float64, error) {
	list := e.chain()
	rank := fix.Rank()
	idx := make([]int, rank)
	var fvals, mvals []float64
	for i := range fix.Data {
		rem := i
		for d := rank - 1; d >= 0; d-- {
			idx[d] = rem % fix.Shape[d]
			rem /= fix.Shape[d]
		}
		x := fix.PhysicalPoint(idx)
		if fixMask != nil {
			if v := fixMask.InterpNearest(fixMask.ContinuousIndex(x)); math.IsNaN(v) || v <= 0 {
				continue
			}
		}
		p := transform.ApplyPointChain(list, x)
		mv := mov.InterpLinear(mov.ContinuousIndex(p))
		if math.IsNaN(mv) {
			continue
		}
		if movMask != nil {
			if v := movMask.InterpNearest(movMask.ContinuousIndex(p)); math.IsNaN(v) || v <= 0 {
				continue
			}
		}
		fvals = append(fvals, fix.Data[i])
		mvals = append(mvals, mv)
	}
	if len(fvals) < minOverlapVoxels {
		return 0, fmt.Errorf("metric: only %d voxels of overlap, need at least %d", len(fvals), minOverlapVoxels)
	}
	score := score(e.settings.Metric, fvals, mvals, e.settings.HistogramBins)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, fmt.Errorf("metric: %s evaluation produced a non-finite value", e.settings.Metric)
	}
	return score, nil
}

// Optimize runs the configured multi-resolution schedule, mutating the
// attached transform's parameters toward a lower metric value. The
// transform is left at the best parameters found. Engine-level numerical
// failures are returned as errors; callers fall back to their defaults.
func (e *Engine) Optimize(fix, mov *volume.Volume) error {
	if e.tform == nil {
		return fmt.Errorf("metric: no transform attached")
	}
	for level := range e.settings.Iterations {
		if e.settings.Iterations[level] == 0 {
			continue
		}
		shrink := e.settings.ShrinkFactors[level]
		sigma := e.settings.SmoothSigmas[level]
		lfix := fix.Shrink(shrink, sigma)
		lmov := mov.Shrink(shrink, sigma)
		lfixMask, lmovMask := e.fixMask, e.movMask
		if lfixMask != nil && shrink > 1 {
			lfixMask = lfixMask.Shrink(shrink, 0)
		}
		if lmovMask != nil && shrink > 1 {
			lmovMask = lmovMask.Shrink(shrink, 0)
		}
		if err := e.optimizeLevel(lfix, lmov, lfixMask, lmovMask, e.settings.Iterations[level]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) optimizeLevel(fix, mov, fixMask, movMask *volume.Volume, iterations int) error {
	x0 := e.tform.Parameters()
	initial, err := func() (float64, error) {
		e.tform.SetParameters(x0)
		return e.evaluate(fix, mov, fixMask, movMask)
	}()
	if err != nil {
		return err
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			e.tform.SetParameters(x)
			v, err := e.evaluate(fix, mov, fixMask, movMask)
			if err != nil {
				return failureScore
			}
			return v
		},
	}
	settings := &optimize.Settings{MajorIterations: iterations}
	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if err != nil && result == nil {
		e.tform.SetParameters(x0)
		return fmt.Errorf("metric: optimization failed: %w", err)
	}
	if result != nil && result.F < initial && result.F < failureScore {
		e.tform.SetParameters(result.X)
	} else {
		e.tform.SetParameters(x0)
	}
	return nil
}
