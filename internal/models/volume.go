// Package models defines the on-disk data model: raw volumes described by
// YAML sidecar metadata, and serialized transform lists.
package models

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

// VolumeMeta describes a raw volume on disk. The voxel data lives in a
// separate file of little-endian float64 values in row-major order with
// the first axis slowest; the metadata carries the grid geometry.
type VolumeMeta struct {
	// Shape is the voxel extent per axis, first axis slowest
	Shape []int `yaml:"shape"`

	// Spacing is the physical distance between voxel centers per axis
	Spacing []float64 `yaml:"spacing"`

	// Origin is the physical position of voxel (0,...,0); omitted means
	// zero
	Origin []float64 `yaml:"origin,omitempty"`

	// DataFile is the raw voxel file, relative to the metadata file
	DataFile string `yaml:"dataFile"`
}

// ReadVolume loads a volume from its YAML metadata file.
func ReadVolume(metaPath string) (*volume.Volume, error) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("error reading volume metadata: %w", err)
	}
	var meta VolumeMeta
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("error parsing volume metadata: %w", err)
	}
	if len(meta.Shape) == 0 || len(meta.Spacing) != len(meta.Shape) {
		return nil, fmt.Errorf("volume metadata %s: shape %v and spacing %v do not agree", metaPath, meta.Shape, meta.Spacing)
	}

	dataPath := meta.DataFile
	if !filepath.IsAbs(dataPath) {
		dataPath = filepath.Join(filepath.Dir(metaPath), dataPath)
	}
	data, err := readFloats(dataPath)
	if err != nil {
		return nil, err
	}

	vol, err := volume.FromData(data, meta.Shape, meta.Spacing)
	if err != nil {
		return nil, fmt.Errorf("volume %s: %w", metaPath, err)
	}
	if meta.Origin != nil {
		if len(meta.Origin) != len(meta.Shape) {
			return nil, fmt.Errorf("volume metadata %s: origin %v does not match shape %v", metaPath, meta.Origin, meta.Shape)
		}
		vol.Origin = meta.Origin
	}
	return vol, nil
}

// WriteVolume saves a volume as a metadata file plus a raw data file named
// after it.
func WriteVolume(metaPath string, vol *volume.Volume) error {
	if err := os.MkdirAll(filepath.Dir(metaPath), 0755); err != nil {
		return fmt.Errorf("error creating volume directory: %w", err)
	}

	dataName := dataFileName(metaPath)
	meta := VolumeMeta{
		Shape:    vol.Shape,
		Spacing:  vol.Spacing,
		Origin:   vol.Origin,
		DataFile: dataName,
	}
	out, err := yaml.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("error marshaling volume metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, out, 0644); err != nil {
		return fmt.Errorf("error writing volume metadata: %w", err)
	}
	return writeFloats(filepath.Join(filepath.Dir(metaPath), dataName), vol.Data)
}

// dataFileName derives the raw file name from the metadata file name.
func dataFileName(metaPath string) string {
	base := filepath.Base(metaPath)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)] + ".raw"
}

// readFloats reads a little-endian float64 file.
func readFloats(path string) ([]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading voxel data: %w", err)
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("voxel data %s: size %d is not a multiple of 8", path, len(raw))
	}
	data := make([]float64, len(raw)/8)
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return data, nil
}

// writeFloats writes a little-endian float64 file.
func writeFloats(path string, data []float64) error {
	raw := make([]byte, len(data)*8)
	for i, v := range data {
		binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(v))
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("error writing voxel data: %w", err)
	}
	return nil
}
