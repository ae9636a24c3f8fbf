package models

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/CIBRalgosw/bigstream/pkg/transform"
)

// Transform kinds understood by the serializer.
const (
	KindAffine = "affine"
	KindField  = "field"
)

// TransformMeta describes one serialized transform. Affine matrices are
// stored inline; displacement field vectors go to a raw sidecar file like
// volume data.
type TransformMeta struct {
	Kind string `yaml:"kind"`

	// Matrix is the homogeneous (dim+1)x(dim+1) affine matrix, row by
	// row. Only set for affine transforms.
	Matrix [][]float64 `yaml:"matrix,omitempty"`

	// GridShape, Spacing, and Origin describe a displacement field grid.
	GridShape []int     `yaml:"gridShape,omitempty"`
	Spacing   []float64 `yaml:"spacing,omitempty"`
	Origin    []float64 `yaml:"origin,omitempty"`

	// DataFile holds the field's vectors, relative to the metadata file
	DataFile string `yaml:"dataFile,omitempty"`
}

// TransformList is the top-level document of a transform file.
type TransformList struct {
	Transforms []TransformMeta `yaml:"transforms"`
}

// WriteTransforms saves an ordered transform list to a YAML file, placing
// any raw field data next to it.
func WriteTransforms(path string, list []transform.Transform) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating transform directory: %w", err)
	}

	doc := TransformList{Transforms: make([]TransformMeta, len(list))}
	for i, t := range list {
		switch v := t.(type) {
		case *transform.Affine:
			doc.Transforms[i] = TransformMeta{Kind: KindAffine, Matrix: matrixRows(v.Matrix())}
		case *transform.Rigid:
			doc.Transforms[i] = TransformMeta{Kind: KindAffine, Matrix: matrixRows(v.Affine().Matrix())}
		case *transform.DisplacementField:
			name := fmt.Sprintf("%s_%02d.raw", baseName(path), i)
			if err := writeFloats(filepath.Join(filepath.Dir(path), name), v.Data); err != nil {
				return err
			}
			doc.Transforms[i] = TransformMeta{
				Kind:      KindField,
				GridShape: v.GridShape,
				Spacing:   v.Spacing,
				Origin:    v.Origin,
				DataFile:  name,
			}
		default:
			return fmt.Errorf("cannot serialize transform of type %T", t)
		}
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("error marshaling transforms: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("error writing transform file: %w", err)
	}
	return nil
}

// ReadTransforms loads an ordered transform list from a YAML file.
func ReadTransforms(path string) ([]transform.Transform, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading transform file: %w", err)
	}
	var doc TransformList
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("error parsing transform file: %w", err)
	}

	list := make([]transform.Transform, len(doc.Transforms))
	for i, m := range doc.Transforms {
		switch m.Kind {
		case KindAffine:
			a, err := affineFromRows(m.Matrix)
			if err != nil {
				return nil, fmt.Errorf("transform %d: %w", i, err)
			}
			list[i] = a
		case KindField:
			dataPath := m.DataFile
			if !filepath.IsAbs(dataPath) {
				dataPath = filepath.Join(filepath.Dir(path), dataPath)
			}
			data, err := readFloats(dataPath)
			if err != nil {
				return nil, fmt.Errorf("transform %d: %w", i, err)
			}
			f := transform.NewDisplacementField(m.GridShape, m.Spacing, m.Origin)
			if len(data) != len(f.Data) {
				return nil, fmt.Errorf("transform %d: field data has %d values, grid %v wants %d", i, len(data), m.GridShape, len(f.Data))
			}
			f.Data = data
			list[i] = f
		default:
			return nil, fmt.Errorf("transform %d: unknown kind %q", i, m.Kind)
		}
	}
	return list, nil
}

// matrixRows flattens a dense matrix into row slices for YAML.
func matrixRows(m *mat.Dense) [][]float64 {
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := 0; i < r; i++ {
		rows[i] = make([]float64, c)
		for j := 0; j < c; j++ {
			rows[i][j] = m.At(i, j)
		}
	}
	return rows
}

// affineFromRows rebuilds an affine from serialized matrix rows.
func affineFromRows(rows [][]float64) (*transform.Affine, error) {
	n := len(rows)
	if n < 2 {
		return nil, fmt.Errorf("affine matrix has %d rows", n)
	}
	m := mat.NewDense(n, n, nil)
	for i, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("affine matrix row %d has %d entries, want %d", i, len(row), n)
		}
		for j, v := range row {
			m.Set(i, j, v)
		}
	}
	return transform.FromMatrix(m)
}

// baseName strips the extension from a file path's base.
func baseName(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
