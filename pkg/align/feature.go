package align

import (
	"fmt"
	"log"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/CIBRalgosw/bigstream/pkg/features"
	"github.com/CIBRalgosw/bigstream/pkg/ransac"
	"github.com/CIBRalgosw/bigstream/pkg/transform"
	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

// Feature-stage support thresholds. The consensus estimator needs dense
// support to behave well, so sparse detections abort to the default.
const (
	minSpots   = 100
	minMatches = 50
)

// ransacConfidence is the fixed confidence level of the consensus fit.
const ransacConfidence = 0.999

// FeatureOptions configures FeatureRANSACAlign.
type FeatureOptions struct {
	Options

	// BlobSizes is the [minimum, maximum] feature size in voxel units.
	BlobSizes [2]float64

	// NumSigmaMax caps the number of Laplacian scales used by the blob
	// detector. Zero selects 15.
	NumSigmaMax int

	// CCRadius is the halfwidth of the neighborhood context around each
	// spot used for correlation. Zero selects 12.
	CCRadius int

	// NSpots is the maximum number of spots kept per image, brightest
	// first. Zero selects 5000.
	NSpots int

	// MatchThreshold is the minimum neighborhood correlation for two
	// spots to be considered corresponding. Zero selects 0.7.
	MatchThreshold float64

	// MaxSpotMatchDistance, when positive, rejects correspondences whose
	// physical distance exceeds it.
	MaxSpotMatchDistance float64

	// AlignThreshold is the consensus inlier distance in physical units.
	// Zero selects 2.0.
	AlignThreshold float64

	// DiagonalConstraint bounds how far the estimated linear diagonal
	// may deviate from 1 before the solution is rejected as degenerate.
	// Zero selects 0.25.
	DiagonalConstraint float64

	// FixSpots and MovSpots bypass detection with caller-supplied spots
	// (voxel coordinates plus strength).
	FixSpots []features.Spot
	MovSpots []features.Spot

	// FixBlob and MovBlob override detector tuning per image.
	FixBlob features.BlobOptions
	MovBlob features.BlobOptions

	// Default is returned whenever the stage falls back. Nil selects
	// identity.
	Default *transform.Affine

	// RNG supplies randomness for the consensus sampler; nil draws from
	// the shared process-wide generator.
	RNG *rand.Rand
}

func (o *FeatureOptions) applyDefaults() {
	if o.NumSigmaMax == 0 {
		o.NumSigmaMax = 15
	}
	if o.CCRadius == 0 {
		o.CCRadius = 12
	}
	if o.NSpots == 0 {
		o.NSpots = 5000
	}
	if o.MatchThreshold == 0 {
		o.MatchThreshold = 0.7
	}
	if o.AlignThreshold == 0 {
		o.AlignThreshold = 2.0
	}
	if o.DiagonalConstraint == 0 {
		o.DiagonalConstraint = 0.25
	}
}

// FeatureRANSACAlign computes an affine alignment from feature points and
// consensus fitting. Blobs are detected independently in both images,
// matched by neighborhood correlation, and the affine bringing the largest
// set of corresponding points together is estimated robustly. The stage is
// 3D only; 2D inputs are a precondition violation.
//
// The stage falls back to the default transform when fewer than 100 spots
// are found in either image, fewer than 50 pairs match, or the estimated
// affine fails the diagonal sanity check.
func FeatureRANSACAlign(fix, mov *volume.Volume, opt FeatureOptions) (Result, error) {
	if fix.Rank() != 3 || mov.Rank() != 3 {
		return Result{}, fmt.Errorf("align: feature alignment requires 3D images, got rank %d and %d", fix.Rank(), mov.Rank())
	}
	if opt.BlobSizes[0] <= 0 || opt.BlobSizes[1] <= opt.BlobSizes[0] {
		return Result{}, fmt.Errorf("align: blob size range [%g, %g] is not increasing and positive", opt.BlobSizes[0], opt.BlobSizes[1])
	}
	opt.applyDefaults()
	def := opt.Default
	if def == nil {
		def = transform.Identity(3)
	}

	movMask := opt.MovMask
	if len(opt.Static) > 0 {
		// pre-warp moving data through the static transforms so feature
		// detection sees the partially aligned image
		static := formatStaticTransforms(opt.Static, fix)
		mov = transform.Apply(fix, mov, static, transform.InterpLinear)
		if movMask != nil {
			movMask = transform.Apply(fix, movMask, static, transform.InterpNearest)
		}
	}

	fix, mov, fixMask, movMask := NormalizeSampling(fix, mov, opt.FixMask, movMask, opt.AlignmentSpacing)

	numSigma := int(math.Min(opt.BlobSizes[1]-opt.BlobSizes[0], float64(opt.NumSigmaMax)))
	if numSigma < 1 {
		numSigma = 1
	}

	log.Println("computing fixed spots")
	fixSpots := opt.FixSpots
	if fixSpots == nil {
		fixSpots = detectSpots(fix, fixMask, opt.BlobSizes, numSigma, opt.CCRadius, opt.FixBlob)
	}
	log.Printf("found %d fixed spots", len(fixSpots))
	if len(fixSpots) < minSpots {
		log.Println("insufficient fixed spots found, returning default")
		return Result{Transform: def, Fallback: true, Reason: ReasonInsufficientFeatures}, nil
	}

	log.Println("computing moving spots")
	movSpots := opt.MovSpots
	if movSpots == nil {
		movSpots = detectSpots(mov, movMask, opt.BlobSizes, numSigma, opt.CCRadius, opt.MovBlob)
	}
	log.Printf("found %d moving spots", len(movSpots))
	if len(movSpots) < minSpots {
		log.Println("insufficient moving spots found, returning default")
		return Result{Transform: def, Fallback: true, Reason: ReasonInsufficientFeatures}, nil
	}

	fixSpots = features.TopSpots(fixSpots, opt.NSpots)
	movSpots = features.TopSpots(movSpots, opt.NSpots)

	log.Println("extracting contexts")
	fixCtx := features.Contexts(fix, fixSpots, opt.CCRadius)
	movCtx := features.Contexts(mov, movSpots, opt.CCRadius)

	log.Println("computing pairwise correlations")
	correlations := features.PairwiseCorrelation(fixCtx, movCtx)

	fixPts := spotsToPhysical(fixSpots, fix)
	movPts := spotsToPhysical(movSpots, mov)

	fixPts, movPts = features.MatchPoints(fixPts, movPts, correlations, opt.MatchThreshold, opt.MaxSpotMatchDistance)
	log.Printf("found %d matched spot pairs", len(fixPts))
	if len(fixPts) < minMatches {
		log.Println("insufficient spot matches found, returning default")
		return Result{Transform: def, Fallback: true, Reason: ReasonInsufficientCorrespondence}, nil
	}

	log.Println("aligning")
	fit := ransac.FitAffine3D(fixPts, movPts, opt.AlignThreshold, ransacConfidence, opt.RNG)
	if !fit.OK {
		log.Println("consensus fit failed, returning default")
		return Result{Transform: def, Fallback: true, Reason: ReasonOptimizationFailure}, nil
	}
	if !diagonalOK(fit.Affine, opt.DiagonalConstraint) {
		log.Println("degenerate affine produced, returning default")
		return Result{Transform: def, Fallback: true, Reason: ReasonDegenerateAffine}, nil
	}

	affine, err := transform.FromLinear(fit.Affine)
	if err != nil {
		return Result{}, err
	}
	return Result{Transform: affine}, nil
}

// detectSpots runs the blob detector with the stage defaults merged with
// any caller overrides.
func detectSpots(vol, mask *volume.Volume, sizes [2]float64, numSigma, ccRadius int, override features.BlobOptions) []features.Spot {
	blobOpt := features.BlobOptions{
		NumSigma:      numSigma,
		ExcludeBorder: ccRadius,
		Mask:          mask,
	}
	if override.NumSigma != 0 {
		blobOpt.NumSigma = override.NumSigma
	}
	if override.ExcludeBorder != 0 {
		blobOpt.ExcludeBorder = override.ExcludeBorder
	}
	if override.Mask != nil {
		blobOpt.Mask = override.Mask
	}
	if override.Threshold != 0 {
		blobOpt.Threshold = override.Threshold
	}
	return features.DetectBlobs(vol, sizes[0], sizes[1], blobOpt)
}

// spotsToPhysical converts voxel spot coordinates to physical units.
func spotsToPhysical(spots []features.Spot, vol *volume.Volume) [][]float64 {
	origin := vol.OriginOrZero()
	out := make([][]float64, len(spots))
	for i, s := range spots {
		p := make([]float64, len(s.Coord))
		for d := range s.Coord {
			p[d] = origin[d] + s.Coord[d]*vol.Spacing[d]
		}
		out[i] = p
	}
	return out
}

// diagonalOK is the degenerate-affine guard: every diagonal entry of the
// linear part must stay within constraint of 1.
func diagonalOK(linear *mat.Dense, constraint float64) bool {
	for i := 0; i < 3; i++ {
		if math.Abs(linear.At(i, i)-1) > constraint {
			return false
		}
	}
	return true
}
