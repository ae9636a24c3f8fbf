package models

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/CIBRalgosw/bigstream/pkg/transform"
	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

// TestVolumeRoundTrip verifies that a volume written to disk loads back
// with identical data and geometry
func TestVolumeRoundTrip(t *testing.T) {
	v := volume.New([]int{3, 4, 5}, []float64{0.5, 1.0, 2.0})
	v.Origin = []float64{1, -2, 3}
	for i := range v.Data {
		v.Data[i] = float64(i) * 1.5
	}

	path := filepath.Join(t.TempDir(), "vol.yaml")
	if err := WriteVolume(path, v); err != nil {
		t.Fatalf("WriteVolume failed: %v", err)
	}

	back, err := ReadVolume(path)
	if err != nil {
		t.Fatalf("ReadVolume failed: %v", err)
	}
	for d := 0; d < 3; d++ {
		if back.Shape[d] != v.Shape[d] {
			t.Errorf("Shape axis %d: %d vs %d", d, back.Shape[d], v.Shape[d])
		}
		if back.Spacing[d] != v.Spacing[d] {
			t.Errorf("Spacing axis %d: %f vs %f", d, back.Spacing[d], v.Spacing[d])
		}
		if back.Origin[d] != v.Origin[d] {
			t.Errorf("Origin axis %d: %f vs %f", d, back.Origin[d], v.Origin[d])
		}
	}
	for i := range v.Data {
		if back.Data[i] != v.Data[i] {
			t.Fatalf("Data mismatch at %d: %f vs %f", i, back.Data[i], v.Data[i])
		}
	}
}

// TestTransformRoundTrip verifies serialization of a mixed affine/field
// transform list
func TestTransformRoundTrip(t *testing.T) {
	a := transform.Translation([]float64{1, 2, 3})
	f := transform.NewDisplacementField([]int{4, 4, 4}, []float64{1, 1, 1}, []float64{0, 0, 0})
	n := len(f.Data) / 3
	for i := 0; i < n; i++ {
		f.Data[i*3] = 0.25
	}

	path := filepath.Join(t.TempDir(), "transforms.yaml")
	if err := WriteTransforms(path, []transform.Transform{a, f}); err != nil {
		t.Fatalf("WriteTransforms failed: %v", err)
	}

	back, err := ReadTransforms(path)
	if err != nil {
		t.Fatalf("ReadTransforms failed: %v", err)
	}
	if len(back) != 2 {
		t.Fatalf("Expected 2 transforms, got %d", len(back))
	}

	p := []float64{1.5, 1.5, 1.5}
	for i, orig := range []transform.Transform{a, f} {
		want := orig.ApplyPoint(p)
		got := back[i].ApplyPoint(p)
		for d := range p {
			if math.Abs(got[d]-want[d]) > 1e-12 {
				t.Errorf("Transform %d axis %d: %f vs %f", i, d, got[d], want[d])
			}
		}
	}
}

// TestReadVolumeBadMetadata verifies rejection of inconsistent metadata
func TestReadVolumeBadMetadata(t *testing.T) {
	v := volume.New([]int{2, 2, 2}, []float64{1, 1, 1})
	path := filepath.Join(t.TempDir(), "vol.yaml")
	if err := WriteVolume(path, v); err != nil {
		t.Fatalf("WriteVolume failed: %v", err)
	}
	if _, err := ReadVolume(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for a missing metadata file")
	}
}
