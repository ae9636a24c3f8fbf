// Package config provides configuration loading and management for the
// registration pipeline. It handles loading pipeline definitions from YAML
// files and provides default values.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/CIBRalgosw/bigstream/pkg/align"
	"github.com/CIBRalgosw/bigstream/pkg/metric"
)

// StepConfig describes one pipeline stage in a configuration file. Kind
// selects the stage; only the fields relevant to that kind are read.
type StepConfig struct {
	// Kind is one of "ransac", "random", "rigid", "affine", "deform"
	Kind string `yaml:"kind"`

	// AlignmentSpacing skip-samples the inputs toward this voxel spacing
	// (physical units) before the stage runs. Zero keeps full resolution.
	AlignmentSpacing float64 `yaml:"alignmentSpacing"`

	// Random search parameters
	Random struct {
		// Iterations is the number of random candidates to score
		Iterations int `yaml:"iterations"`

		// MaxTranslation bounds translation sampling per axis
		MaxTranslation []float64 `yaml:"maxTranslation"`

		// MaxRotation bounds rotation sampling per axis in radians
		MaxRotation []float64 `yaml:"maxRotation"`

		// MaxScale bounds scale sampling per axis; entries must exceed 1
		MaxScale []float64 `yaml:"maxScale"`

		// MaxShear bounds shear sampling per axis
		MaxShear []float64 `yaml:"maxShear"`

		// UsePatchMI scores candidates with patch-wise mutual information
		UsePatchMI bool `yaml:"usePatchMI"`
	} `yaml:"random"`

	// Feature consensus parameters
	Ransac struct {
		// BlobSizes is the [minimum, maximum] feature size in voxels
		BlobSizes [2]float64 `yaml:"blobSizes"`

		// NSpots caps the number of spots kept per image
		NSpots int `yaml:"nspots"`

		// MatchThreshold is the minimum neighborhood correlation
		MatchThreshold float64 `yaml:"matchThreshold"`

		// AlignThreshold is the consensus inlier distance
		AlignThreshold float64 `yaml:"alignThreshold"`

		// DiagonalConstraint bounds diagonal deviation from 1
		DiagonalConstraint float64 `yaml:"diagonalConstraint"`
	} `yaml:"ransac"`

	// Affine and rigid refinement parameters
	Affine struct {
		// UseCenterOfMass initializes translation from centers of mass
		UseCenterOfMass bool `yaml:"useCenterOfMass"`
	} `yaml:"affine"`

	// Deformable refinement parameters
	Deform struct {
		// ControlPointSpacing is the finest control point distance
		ControlPointSpacing float64 `yaml:"controlPointSpacing"`

		// ControlPointLevels lists mesh divisors, coarsest first
		ControlPointLevels []int `yaml:"controlPointLevels"`
	} `yaml:"deform"`
}

// Config represents the pipeline configuration loaded from YAML
type Config struct {
	// Input parameters
	Input struct {
		// FixedSpacing is the fixed image voxel spacing in physical units
		FixedSpacing []float64 `yaml:"fixedSpacing"`

		// MovingSpacing is the moving image voxel spacing
		MovingSpacing []float64 `yaml:"movingSpacing"`

		// FixedOrigin is the physical position of the fixed voxel (0,...,0)
		FixedOrigin []float64 `yaml:"fixedOrigin"`

		// MovingOrigin is the physical position of the moving voxel (0,...,0)
		MovingOrigin []float64 `yaml:"movingOrigin"`
	} `yaml:"input"`

	// Engine configures the metric engine shared by all metric-driven steps
	Engine metric.Settings `yaml:"engine"`

	// Steps lists the pipeline stages in execution order
	Steps []StepConfig `yaml:"steps"`

	// Output parameters
	Output struct {
		// Format is one of "independent", "flatten", "compressed"
		Format string `yaml:"format"`

		// SavePreviews writes mid-slice JPEG previews of the alignment
		SavePreviews bool `yaml:"savePreviews"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values: an affine
// refinement followed by a deformable refinement, the default engine, and
// the flattened output format.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Engine = metric.DefaultSettings()

	affine := StepConfig{Kind: "affine"}
	affine.Affine.UseCenterOfMass = true
	deform := StepConfig{Kind: "deform"}
	deform.Deform.ControlPointSpacing = 50.0
	deform.Deform.ControlPointLevels = []int{1}
	cfg.Steps = []StepConfig{affine, deform}

	cfg.Output.Format = "flatten"
	cfg.Output.SavePreviews = false
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file. Unknown keys are
// rejected so typos fail loudly instead of silently selecting defaults.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values no pipeline could run with.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	switch c.Output.Format {
	case "independent", "flatten", "compressed":
	default:
		return fmt.Errorf("unknown output format %q", c.Output.Format)
	}
	for i, s := range c.Steps {
		if _, err := stepKind(s.Kind); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if s.Kind == "deform" && s.Deform.ControlPointSpacing <= 0 {
			return fmt.Errorf("step %d: control point spacing must be positive", i)
		}
	}
	return nil
}

// Format converts the configured output format to its pipeline value.
func (c *Config) Format() align.ReturnFormat {
	switch c.Output.Format {
	case "independent":
		return align.FormatIndependent
	case "compressed":
		return align.FormatCompressed
	}
	return align.FormatFlatten
}

// Pipeline converts the configuration to a runnable pipeline and its steps.
func (c *Config) Pipeline() (*align.Pipeline, []align.Step, error) {
	engine := c.Engine
	p := &align.Pipeline{
		Defaults: align.Options{Engine: &engine},
		Format:   c.Format(),
	}
	steps := make([]align.Step, len(c.Steps))
	for i, s := range c.Steps {
		kind, err := stepKind(s.Kind)
		if err != nil {
			return nil, nil, fmt.Errorf("step %d: %w", i, err)
		}
		step := align.Step{Kind: kind}
		switch kind {
		case align.StepRansac:
			opt := &align.FeatureOptions{
				BlobSizes:          s.Ransac.BlobSizes,
				NSpots:             s.Ransac.NSpots,
				MatchThreshold:     s.Ransac.MatchThreshold,
				AlignThreshold:     s.Ransac.AlignThreshold,
				DiagonalConstraint: s.Ransac.DiagonalConstraint,
			}
			opt.AlignmentSpacing = s.AlignmentSpacing
			step.Ransac = opt
		case align.StepRandom:
			opt := &align.RandomOptions{
				Iterations:     s.Random.Iterations,
				MaxTranslation: s.Random.MaxTranslation,
				MaxRotation:    s.Random.MaxRotation,
				MaxScale:       s.Random.MaxScale,
				MaxShear:       s.Random.MaxShear,
				UsePatchMI:     s.Random.UsePatchMI,
			}
			opt.AlignmentSpacing = s.AlignmentSpacing
			step.Random = opt
		case align.StepRigid, align.StepAffine:
			opt := &align.AffineOptions{
				UseCenterOfMass: s.Affine.UseCenterOfMass,
			}
			opt.AlignmentSpacing = s.AlignmentSpacing
			step.Affine = opt
		case align.StepDeform:
			opt := &align.DeformOptions{
				ControlPointSpacing: s.Deform.ControlPointSpacing,
				ControlPointLevels:  s.Deform.ControlPointLevels,
			}
			opt.AlignmentSpacing = s.AlignmentSpacing
			step.Deform = opt
		}
		steps[i] = step
	}
	return p, steps, nil
}

// stepKind parses a stage name.
func stepKind(name string) (align.StepKind, error) {
	switch name {
	case "ransac":
		return align.StepRansac, nil
	case "random":
		return align.StepRandom, nil
	case "rigid":
		return align.StepRigid, nil
	case "affine":
		return align.StepAffine, nil
	case "deform":
		return align.StepDeform, nil
	}
	return 0, fmt.Errorf("unknown step kind %q", name)
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
