// Package visualization renders grayscale slice previews of registration
// volumes so alignment quality can be inspected without external tooling.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

// Viewer extracts 2D slice images from a 3D volume. Intensities are
// rescaled to the volume's own minimum/maximum so previews stay visible
// regardless of the input dynamic range; non-finite voxels render black.
type Viewer struct {
	vol *volume.Volume

	// cached intensity window
	lo, hi float64
}

// NewViewer creates a viewer for a 3D volume.
func NewViewer(vol *volume.Volume) (*Viewer, error) {
	if vol.Rank() != 3 {
		return nil, fmt.Errorf("visualization: expected a 3D volume, got rank %d", vol.Rank())
	}
	lo, hi := vol.MinMax()
	return &Viewer{vol: vol, lo: lo, hi: hi}, nil
}

// ExtractSlice extracts the 2D slice at the given position along the given
// axis (0, 1, or 2 in index order).
func (v *Viewer) ExtractSlice(axis, position int) (image.Image, error) {
	if axis < 0 || axis > 2 {
		return nil, fmt.Errorf("visualization: invalid axis %d (must be 0, 1, or 2)", axis)
	}
	if position < 0 || position >= v.vol.Shape[axis] {
		return nil, fmt.Errorf("visualization: position %d exceeds axis %d extent %d", position, axis, v.vol.Shape[axis])
	}

	// remaining axes in index order become image rows and columns
	rowAxis, colAxis := otherAxes(axis)
	rows, cols := v.vol.Shape[rowAxis], v.vol.Shape[colAxis]

	img := image.NewGray16(image.Rect(0, 0, cols, rows))
	idx := make([]int, 3)
	idx[axis] = position
	for r := 0; r < rows; r++ {
		idx[rowAxis] = r
		for c := 0; c < cols; c++ {
			idx[colAxis] = c
			img.SetGray16(c, r, color.Gray16{Y: v.gray(v.vol.At(idx...))})
		}
	}
	return img, nil
}

// gray maps an intensity into the viewer's window as a 16-bit gray value.
func (v *Viewer) gray(val float64) uint16 {
	if math.IsNaN(val) || math.IsInf(val, 0) || v.hi == v.lo {
		return 0
	}
	t := (val - v.lo) / (v.hi - v.lo)
	return uint16(math.Max(0, math.Min(65535, t*65535)))
}

// SaveSlice saves an extracted slice as a JPEG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveMidSlices saves the central slice along each axis to outputDir as
// <prefix>_axis<N>.jpg. This is the standard registration preview: one
// orthogonal cut through the volume center per axis.
func (v *Viewer) SaveMidSlices(outputDir, prefix string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for axis := 0; axis < 3; axis++ {
		img, err := v.ExtractSlice(axis, v.vol.Shape[axis]/2)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_axis%d.jpg", prefix, axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}

// SaveSliceSequence extracts and saves every slice along the given axis.
func (v *Viewer) SaveSliceSequence(axis int, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for pos := 0; pos < v.vol.Shape[axis]; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%d_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}

// otherAxes returns the two axes other than the given one, in index order.
func otherAxes(axis int) (int, int) {
	switch axis {
	case 0:
		return 1, 2
	case 1:
		return 0, 2
	}
	return 0, 1
}
