package align

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/CIBRalgosw/bigstream/pkg/features"
	"github.com/CIBRalgosw/bigstream/pkg/metric"
	"github.com/CIBRalgosw/bigstream/pkg/transform"
	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

// gradientVolume creates a smooth test volume so metrics have a usable
// valley around the identity.
func gradientVolume(shape []int) *volume.Volume {
	v := volume.New(shape, []float64{1, 1, 1})
	idx := make([]int, 3)
	for i := range v.Data {
		rem := i
		for d := 2; d >= 0; d-- {
			idx[d] = rem % shape[d]
			rem /= shape[d]
		}
		v.Data[i] = float64(idx[0]) + 0.5*float64(idx[1]) + 0.25*float64(idx[2]) +
			math.Sin(float64(idx[0])) + math.Cos(float64(idx[1]+idx[2]))
	}
	return v
}

// fastEngine is a small iteration budget for tests.
func fastEngine(iterations int) *metric.Settings {
	s := metric.DefaultSettings()
	s.Iterations = []int{iterations}
	return &s
}

// TestNormalizeSamplingMaskSpacing verifies that mask spacing is derived
// from the image shape ratio, not taken from the mask itself
func TestNormalizeSamplingMaskSpacing(t *testing.T) {
	fix := volume.New([]int{20, 20, 20}, []float64{1, 1, 1})
	mov := volume.New([]int{20, 20, 20}, []float64{1, 1, 1})
	// half-resolution mask with deliberately wrong spacing metadata
	mask := volume.New([]int{10, 10, 10}, []float64{7, 7, 7})

	_, _, nmask, _ := NormalizeSampling(fix, mov, mask, nil, 0)
	for d := 0; d < 3; d++ {
		if math.Abs(nmask.Spacing[d]-2) > 1e-12 {
			t.Errorf("Axis %d: expected derived mask spacing 2, got %f", d, nmask.Spacing[d])
		}
	}
	// original mask is untouched
	if mask.Spacing[0] != 7 {
		t.Error("NormalizeSampling mutated its input mask")
	}
}

// TestNormalizeSamplingSkip verifies resampling toward the alignment
// spacing and the zero-target no-op
func TestNormalizeSamplingSkip(t *testing.T) {
	fix := gradientVolume([]int{16, 16, 16})
	mov := gradientVolume([]int{16, 16, 16})

	nfix, nmov, _, _ := NormalizeSampling(fix, mov, nil, nil, 2.0)
	if nfix.Shape[0] != 8 || nmov.Shape[0] != 8 {
		t.Errorf("Expected half-size volumes, got %v and %v", nfix.Shape, nmov.Shape)
	}

	same, _, _, _ := NormalizeSampling(fix, mov, nil, nil, 0)
	if same.Shape[0] != 16 {
		t.Errorf("Zero target must keep the original sampling, got %v", same.Shape)
	}
	if &same.Data[0] == &fix.Data[0] {
		t.Error("NormalizeSampling must return copies, not aliases")
	}
}

// TestRandomSearchZeroIterations verifies that with no random candidates
// the search returns exactly the identity transform
func TestRandomSearchZeroIterations(t *testing.T) {
	fix := gradientVolume([]int{8, 8, 8})
	mov := gradientVolume([]int{8, 8, 8})

	out, err := RandomAffineSearch(fix, mov, RandomOptions{Iterations: 0})
	if err != nil {
		t.Fatalf("RandomAffineSearch failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("Expected 1 transform, got %d", len(out))
	}
	if !out[0].AlmostEqual(transform.Identity(3), 1e-9) {
		t.Error("Zero-iteration search must return the identity")
	}
}

// TestRandomSearchTranslationBounds verifies that translation-only
// candidates keep an identity linear part and respect the bound
func TestRandomSearchTranslationBounds(t *testing.T) {
	fix := gradientVolume([]int{8, 8, 8})
	mov := gradientVolume([]int{8, 8, 8})

	bound := 2.5
	out, err := RandomAffineSearch(fix, mov, RandomOptions{
		Iterations:     20,
		NReturn:        21,
		MaxTranslation: []float64{bound},
		RNG:            rand.New(rand.NewSource(11)),
	})
	if err != nil {
		t.Fatalf("RandomAffineSearch failed: %v", err)
	}
	if len(out) != 21 {
		t.Fatalf("Expected all 21 candidates back, got %d", len(out))
	}
	for _, a := range out {
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				want := 0.0
				if i == j {
					want = 1.0
				}
				if math.Abs(a.At(i, j)-want) > 1e-9 {
					t.Fatalf("Translation-only candidate has linear entry (%d,%d) = %f", i, j, a.At(i, j))
				}
			}
			if math.Abs(a.At(i, 3)) > bound {
				t.Errorf("Translation %f exceeds bound %f", a.At(i, 3), bound)
			}
		}
	}
}

// TestRandomSearchScaleBounds verifies log-space scale sampling stays in
// [1/b, b] on the matrix diagonal
func TestRandomSearchScaleBounds(t *testing.T) {
	fix := gradientVolume([]int{8, 8, 8})
	mov := gradientVolume([]int{8, 8, 8})

	b := 1.4
	out, err := RandomAffineSearch(fix, mov, RandomOptions{
		Iterations: 15,
		NReturn:    16,
		MaxScale:   []float64{b, b, b},
		RNG:        rand.New(rand.NewSource(5)),
	})
	if err != nil {
		t.Fatalf("RandomAffineSearch failed: %v", err)
	}
	for _, a := range out {
		for _, s := range a.Diagonal() {
			if s < 1/b-1e-9 || s > b+1e-9 {
				t.Errorf("Scale %f outside [%f, %f]", s, 1/b, b)
			}
		}
	}
}

// TestRandomSearchBestFirst verifies that returned candidates are ordered
// by ascending score: the first candidate can never score worse than the
// always-included identity
func TestRandomSearchBestFirst(t *testing.T) {
	fix := gradientVolume([]int{10, 10, 10})
	mov := fix.Clone()

	var improvements int
	out, err := RandomAffineSearch(fix, mov, RandomOptions{
		Iterations:     10,
		MaxTranslation: []float64{3},
		RNG:            rand.New(rand.NewSource(2)),
		OnImprovement:  func(int, float64) { improvements++ },
	})
	if err != nil {
		t.Fatalf("RandomAffineSearch failed: %v", err)
	}
	// identical images: nothing beats the identity candidate
	if !out[0].AlmostEqual(transform.Identity(3), 1e-9) {
		t.Error("Expected the identity to win on identical images")
	}
	if improvements < 1 {
		t.Error("Expected at least the first evaluation to report an improvement")
	}
}

// TestRandomSearch2DPromotion verifies that planar inputs come back as 4x4
// matrices with a no-op third axis
func TestRandomSearch2DPromotion(t *testing.T) {
	fix := volume.New([]int{12, 12}, []float64{1, 1})
	mov := volume.New([]int{12, 12}, []float64{1, 1})
	for i := range fix.Data {
		fix.Data[i] = float64(i % 13)
		mov.Data[i] = float64(i % 13)
	}

	out, err := RandomAffineSearch(fix, mov, RandomOptions{
		Iterations:     5,
		MaxTranslation: []float64{1, 1},
		RNG:            rand.New(rand.NewSource(9)),
	})
	if err != nil {
		t.Fatalf("RandomAffineSearch failed: %v", err)
	}
	a := out[0]
	if a.Dim() != 3 {
		t.Fatalf("Expected promoted 3D transforms, got dim %d", a.Dim())
	}
	// third axis must stay untouched
	if a.At(2, 2) != 1 || a.At(2, 3) != 0 {
		t.Errorf("Promoted transform moves the degenerate axis: %f, %f", a.At(2, 2), a.At(2, 3))
	}
}

// TestRandomSearchBadBounds verifies bound shape validation
func TestRandomSearchBadBounds(t *testing.T) {
	fix := gradientVolume([]int{8, 8, 8})
	mov := gradientVolume([]int{8, 8, 8})

	_, err := RandomAffineSearch(fix, mov, RandomOptions{
		Iterations:  1,
		MaxRotation: []float64{0.1, 0.2},
	})
	if err == nil {
		t.Error("Expected error for a 2-entry bound on a 3D image")
	}
}

// TestFeatureAlignFallbacks verifies the default-return policy for images
// with too little structure, and the 3D precondition
func TestFeatureAlignFallbacks(t *testing.T) {
	fix := volume.New([]int{16, 16, 16}, []float64{1, 1, 1})
	mov := volume.New([]int{16, 16, 16}, []float64{1, 1, 1})

	def := transform.Translation([]float64{1, 2, 3})
	res, err := FeatureRANSACAlign(fix, mov, FeatureOptions{
		BlobSizes: [2]float64{2, 6},
		Default:   def,
	})
	if err != nil {
		t.Fatalf("FeatureRANSACAlign failed: %v", err)
	}
	if !res.Fallback {
		t.Fatal("Expected a fallback on featureless images")
	}
	if res.Reason != ReasonInsufficientFeatures {
		t.Errorf("Expected reason %q, got %q", ReasonInsufficientFeatures, res.Reason)
	}
	got, ok := res.Transform.(*transform.Affine)
	if !ok || !got.AlmostEqual(def, 1e-12) {
		t.Error("Fallback must return exactly the caller's default")
	}

	// 2D input is a precondition violation, not a fallback
	flat := volume.New([]int{16, 16}, []float64{1, 1})
	if _, err := FeatureRANSACAlign(flat, flat, FeatureOptions{BlobSizes: [2]float64{2, 6}}); err == nil {
		t.Error("Expected error for 2D input")
	}

	// invalid blob size range is also an error
	if _, err := FeatureRANSACAlign(fix, mov, FeatureOptions{BlobSizes: [2]float64{6, 2}}); err == nil {
		t.Error("Expected error for a non-increasing blob size range")
	}
}

// TestFeatureAlignInsufficientMatches verifies the correspondence fallback
// when spots exist but cannot be matched
func TestFeatureAlignInsufficientMatches(t *testing.T) {
	fix := volume.New([]int{8, 8, 8}, []float64{1, 1, 1})
	mov := volume.New([]int{8, 8, 8}, []float64{1, 1, 1})

	// supply spots over featureless volumes: their contexts are flat, so
	// every correlation is zero and nothing can match
	res, err := FeatureRANSACAlign(fix, mov, FeatureOptions{
		BlobSizes:      [2]float64{2, 4},
		FixSpots:       syntheticSpots(120, 8),
		MovSpots:       syntheticSpots(120, 8),
		MatchThreshold: 0.5,
	})
	if err != nil {
		t.Fatalf("FeatureRANSACAlign failed: %v", err)
	}
	if !res.Fallback || res.Reason != ReasonInsufficientCorrespondence {
		t.Errorf("Expected correspondence fallback, got fallback=%v reason=%q", res.Fallback, res.Reason)
	}
}

// TestAffineAlignImprovesShiftedStart verifies that refinement from a
// misaligned seed improves the metric and reports both values
// TestFeatureAlignDiagonalGuard verifies the scale sanity check on recovered
// affines: a diagonal entry of 2.0 violates a 0.25 constraint and forces the
// degenerate-affine fallback, while entries near identity pass
func TestFeatureAlignDiagonalGuard(t *testing.T) {
	stretched := mat.NewDense(3, 3, []float64{
		2.0, 0, 0,
		0, 1.0, 0,
		0, 0, 1.0,
	})
	if diagonalOK(stretched, 0.25) {
		t.Error("Expected a diagonal entry of 2.0 to violate a 0.25 constraint")
	}

	mild := mat.NewDense(3, 3, []float64{
		1.1, 0, 0,
		0, 0.9, 0,
		0, 0, 1.0,
	})
	if !diagonalOK(mild, 0.25) {
		t.Error("Expected diagonal entries within 0.25 of identity to pass")
	}
	if diagonalOK(mild, 0.05) {
		t.Error("Expected a tighter constraint to reject the same diagonal")
	}
}

func TestAffineAlignImprovesShiftedStart(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping optimizer test in short mode")
	}

	fix := gradientVolume([]int{12, 12, 12})
	mov := fix.Clone()

	res, err := AffineAlign(fix, mov, AffineOptions{
		Options:          Options{Engine: fastEngine(150)},
		InitialTransform: transform.Translation([]float64{1.5, 0, 0}),
	})
	if err != nil {
		t.Fatalf("AffineAlign failed: %v", err)
	}
	if res.Fallback {
		t.Fatalf("Expected success, got fallback: %s", res.Reason)
	}
	if res.FinalMetric >= res.InitialMetric {
		t.Errorf("Expected metric improvement, got %f -> %f", res.InitialMetric, res.FinalMetric)
	}
}

// TestAffineAlignIdenticalImages verifies that perfectly aligned images
// yield an effectively identity result, whether optimized or fallback
func TestAffineAlignIdenticalImages(t *testing.T) {
	fix := gradientVolume([]int{10, 10, 10})
	mov := fix.Clone()

	res, err := AffineAlign(fix, mov, AffineOptions{
		Options: Options{Engine: fastEngine(30)},
		Rigid:   true,
	})
	if err != nil {
		t.Fatalf("AffineAlign failed: %v", err)
	}
	p := []float64{5, 5, 5}
	got := res.Transform.ApplyPoint(p)
	for d := range p {
		if math.Abs(got[d]-p[d]) > 0.25 {
			t.Errorf("Axis %d: identity-aligned images moved %f to %f", d, p[d], got[d])
		}
	}
}

// TestAffineAlignRankMismatch verifies the precondition check
func TestAffineAlignRankMismatch(t *testing.T) {
	fix := gradientVolume([]int{8, 8, 8})
	flat := volume.New([]int{8, 8}, []float64{1, 1})
	if _, err := AffineAlign(fix, flat, AffineOptions{}); err == nil {
		t.Error("Expected error for mismatched ranks")
	}
}

// TestDeformableAlignFallback verifies that identical images produce the
// zero-field default and that the field lives on the original fixed grid
func TestDeformableAlignFallback(t *testing.T) {
	fix := gradientVolume([]int{10, 10, 10})
	mov := fix.Clone()

	res, err := DeformableAlign(fix, mov, DeformOptions{
		Options:             Options{Engine: fastEngine(2)},
		ControlPointSpacing: 10,
	})
	if err != nil {
		t.Fatalf("DeformableAlign failed: %v", err)
	}
	field, ok := res.Transform.(*transform.DisplacementField)
	if !ok {
		t.Fatalf("Expected a displacement field result, got %T", res.Transform)
	}
	if field.GridShape[0] != 10 {
		t.Errorf("Expected the field on the original 10-voxel grid, got %v", field.GridShape)
	}
	if res.Fallback && field.MaxMagnitude() != 0 {
		t.Errorf("Fallback field must be zero, max magnitude %f", field.MaxMagnitude())
	}
	if res.Params == nil {
		t.Error("Deformable results must carry control point parameters")
	}
}

// TestDeformableAlignBadSpacing verifies the precondition check
func TestDeformableAlignBadSpacing(t *testing.T) {
	fix := gradientVolume([]int{8, 8, 8})
	if _, err := DeformableAlign(fix, fix.Clone(), DeformOptions{}); err == nil {
		t.Error("Expected error for non-positive control point spacing")
	}
}

// TestPipelineFormats verifies step accumulation and the three return
// formats using cheap zero-iteration random steps
func TestPipelineFormats(t *testing.T) {
	fix := gradientVolume([]int{8, 8, 8})
	mov := fix.Clone()

	steps := []Step{
		{Kind: StepRandom, Random: &RandomOptions{Iterations: 0}},
		{Kind: StepRandom, Random: &RandomOptions{Iterations: 0}},
	}

	// independent: one transform per step
	p := &Pipeline{Format: FormatIndependent}
	res, err := p.Run(fix, mov, steps, nil)
	if err != nil {
		t.Fatalf("Pipeline run failed: %v", err)
	}
	if len(res.Transforms) != 2 {
		t.Fatalf("Expected 2 independent transforms, got %d", len(res.Transforms))
	}
	if len(res.Results) != 2 {
		t.Fatalf("Expected 2 step results, got %d", len(res.Results))
	}

	// flatten: a single transform equal to the composition
	p.Format = FormatFlatten
	flat, err := p.Run(fix, mov, steps, nil)
	if err != nil {
		t.Fatalf("Pipeline run failed: %v", err)
	}
	if len(flat.Transforms) != 1 {
		t.Fatalf("Expected 1 flattened transform, got %d", len(flat.Transforms))
	}
	pt := []float64{3, 3, 3}
	want := transform.ApplyPointChain(res.Transforms, pt)
	got := flat.Transforms[0].ApplyPoint(pt)
	for d := range pt {
		if math.Abs(got[d]-want[d]) > 1e-9 {
			t.Errorf("Axis %d: flattened maps to %f, chain gives %f", d, got[d], want[d])
		}
	}

	// compressed: both affines share a shape, so they become one group
	p.Format = FormatCompressed
	comp, err := p.Run(fix, mov, steps, nil)
	if err != nil {
		t.Fatalf("Pipeline run failed: %v", err)
	}
	if len(comp.Transforms) != 1 {
		t.Fatalf("Expected 1 compressed group for two affines, got %d", len(comp.Transforms))
	}
}

// TestPipelineNoSteps verifies the empty-pipeline precondition
func TestPipelineNoSteps(t *testing.T) {
	fix := gradientVolume([]int{8, 8, 8})
	p := &Pipeline{}
	if _, err := p.Run(fix, fix.Clone(), nil, nil); err == nil {
		t.Error("Expected error for a pipeline without steps")
	}
}

// syntheticSpots builds n spots scattered over a cube of the given side,
// enough to pass the spot-count gate regardless of image content.
func syntheticSpots(n, side int) []features.Spot {
	spots := make([]features.Spot, n)
	for i := range spots {
		spots[i] = features.Spot{
			Coord: []float64{
				float64(i % side),
				float64((i / side) % side),
				float64((i / (side * side)) % side),
			},
			Intensity: float64(n - i),
		}
	}
	return spots
}
