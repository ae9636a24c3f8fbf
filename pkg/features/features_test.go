package features

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

// blobAt stamps a Gaussian bright blob of the given sigma into the volume.
func blobAt(v *volume.Volume, center []int, sigma, amplitude float64) {
	idx := make([]int, 3)
	for i := range v.Data {
		rem := i
		for d := 2; d >= 0; d-- {
			idx[d] = rem % v.Shape[d]
			rem /= v.Shape[d]
		}
		var d2 float64
		for d := 0; d < 3; d++ {
			diff := float64(idx[d] - center[d])
			d2 += diff * diff
		}
		v.Data[i] += amplitude * math.Exp(-d2/(2*sigma*sigma))
	}
}

// TestDetectBlobsFindsPlantedSpot verifies that a single bright blob is
// detected near its planted location
func TestDetectBlobsFindsPlantedSpot(t *testing.T) {
	v := volume.New([]int{20, 20, 20}, []float64{1, 1, 1})
	center := []int{10, 10, 10}
	blobAt(v, center, 2.0, 1.0)

	spots := DetectBlobs(v, 2, 6, BlobOptions{NumSigma: 3})
	if len(spots) == 0 {
		t.Fatal("Expected at least one detection for a planted blob")
	}

	best := TopSpots(spots, 1)[0]
	for d := 0; d < 3; d++ {
		if math.Abs(best.Coord[d]-float64(center[d])) > 2 {
			t.Errorf("Axis %d: strongest spot at %f, planted at %d", d, best.Coord[d], center[d])
		}
	}
}

// TestDetectBlobsBorderExclusion verifies that detections near the border
// are dropped when exclusion is requested
func TestDetectBlobsBorderExclusion(t *testing.T) {
	v := volume.New([]int{16, 16, 16}, []float64{1, 1, 1})
	blobAt(v, []int{1, 8, 8}, 1.5, 1.0)

	spots := DetectBlobs(v, 2, 4, BlobOptions{NumSigma: 2, ExcludeBorder: 4})
	for _, s := range spots {
		for d := 0; d < 3; d++ {
			if s.Coord[d] < 4 || s.Coord[d] >= 12 {
				t.Errorf("Detection at %v violates the border exclusion", s.Coord)
			}
		}
	}
}

// TestDetectBlobsMask verifies that a mask suppresses detections outside
// its foreground
func TestDetectBlobsMask(t *testing.T) {
	v := volume.New([]int{16, 16, 16}, []float64{1, 1, 1})
	blobAt(v, []int{4, 8, 8}, 1.5, 1.0)
	blobAt(v, []int{12, 8, 8}, 1.5, 1.0)

	// mask covers only the first half along axis 0
	mask := volume.New([]int{16, 16, 16}, []float64{1, 1, 1})
	for i := 0; i < 8*16*16; i++ {
		mask.Data[i] = 1
	}

	spots := DetectBlobs(v, 2, 4, BlobOptions{NumSigma: 2, Mask: mask})
	for _, s := range spots {
		if s.Coord[0] >= 8 {
			t.Errorf("Detection at %v lies outside the mask foreground", s.Coord)
		}
	}
}

// TestTopSpots verifies descending sort and truncation
func TestTopSpots(t *testing.T) {
	spots := []Spot{
		{Coord: []float64{0, 0, 0}, Intensity: 1},
		{Coord: []float64{1, 0, 0}, Intensity: 5},
		{Coord: []float64{2, 0, 0}, Intensity: 3},
	}
	top := TopSpots(spots, 2)
	if len(top) != 2 {
		t.Fatalf("Expected 2 spots, got %d", len(top))
	}
	if top[0].Intensity != 5 || top[1].Intensity != 3 {
		t.Errorf("Expected intensities [5 3], got [%f %f]", top[0].Intensity, top[1].Intensity)
	}
	// original slice order is untouched
	if spots[0].Intensity != 1 {
		t.Error("TopSpots mutated its input")
	}
}

// TestContextsAndCorrelation verifies that a spot's context correlates
// perfectly with itself and weakly with an unrelated neighborhood
func TestContextsAndCorrelation(t *testing.T) {
	v := volume.New([]int{16, 16, 16}, []float64{1, 1, 1})
	blobAt(v, []int{5, 5, 5}, 1.5, 1.0)
	for i := range v.Data {
		v.Data[i] += 0.01 * math.Sin(float64(i))
	}

	spots := []Spot{
		{Coord: []float64{5, 5, 5}},
		{Coord: []float64{11, 11, 11}},
	}
	ctx := Contexts(v, spots, 3)
	if len(ctx) != 2 || len(ctx[0]) != 7*7*7 {
		t.Fatalf("Expected 2 contexts of %d voxels, got %d of %d", 7*7*7, len(ctx), len(ctx[0]))
	}

	corr := PairwiseCorrelation(ctx, ctx)
	if math.Abs(corr.At(0, 0)-1) > 1e-9 {
		t.Errorf("Self correlation should be 1, got %f", corr.At(0, 0))
	}
	if corr.At(0, 1) >= corr.At(0, 0) {
		t.Errorf("Cross correlation %f should be below self correlation %f", corr.At(0, 1), corr.At(0, 0))
	}
}

// TestMatchPoints verifies the mutual-best-match policy, the correlation
// threshold, and the distance cutoff
func TestMatchPoints(t *testing.T) {
	fixPts := [][]float64{{0, 0, 0}, {10, 0, 0}}
	movPts := [][]float64{{1, 0, 0}, {11, 0, 0}}

	corr := mat.NewDense(2, 2, []float64{
		0.9, 0.1,
		0.2, 0.8,
	})

	mf, mm := MatchPoints(fixPts, movPts, corr, 0.5, 0)
	if len(mf) != 2 {
		t.Fatalf("Expected 2 matches, got %d", len(mf))
	}
	if mf[0][0] != 0 || mm[0][0] != 1 {
		t.Errorf("First match pairs %v with %v", mf[0], mm[0])
	}

	// raising the threshold above the correlations kills all matches
	mf, _ = MatchPoints(fixPts, movPts, corr, 0.95, 0)
	if len(mf) != 0 {
		t.Errorf("Expected no matches above threshold, got %d", len(mf))
	}

	// a tight distance cutoff also kills the matches
	mf, _ = MatchPoints(fixPts, movPts, corr, 0.5, 0.5)
	if len(mf) != 0 {
		t.Errorf("Expected no matches within distance 0.5, got %d", len(mf))
	}

	// one moving point claimed by two fixed points matches only mutually
	corr = mat.NewDense(2, 2, []float64{
		0.9, 0.1,
		0.8, 0.2,
	})
	mf, _ = MatchPoints(fixPts, movPts, corr, 0.5, 0)
	if len(mf) != 1 {
		t.Fatalf("Expected exactly one mutual match, got %d", len(mf))
	}
	if mf[0][0] != 0 {
		t.Errorf("Expected the stronger fixed point to win, got %v", mf[0])
	}
}
