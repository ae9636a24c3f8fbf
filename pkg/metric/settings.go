// Package metric implements the image registration metric engine: a
// configurable intensity similarity metric (lower is better) paired with a
// derivative-free optimizer over an attached parameterized transform, run
// on a multi-resolution shrink/smooth schedule.
package metric

import "fmt"

// Metric kinds accepted by Settings.Metric.
const (
	MetricMSE         = "mse"
	MetricCorrelation = "correlation"
	MetricMI          = "mi"
)

// Optimizer kinds accepted by Settings.Optimizer.
const (
	OptimizerNelderMead = "neldermead"
)

// Settings configures an Engine. Unknown fields are rejected when decoding
// from YAML (see pkg/config); unknown metric or optimizer names are
// rejected here at construction.
type Settings struct {
	// Metric selects the similarity measure: "mse", "correlation"
	// (negative Pearson correlation), or "mi" (negative mutual
	// information). All are oriented so that lower is better.
	Metric string `yaml:"metric"`

	// Optimizer selects the parameter search method. Only "neldermead"
	// is available.
	Optimizer string `yaml:"optimizer"`

	// Iterations is the optimizer iteration budget per resolution level,
	// coarsest level first. Its length defines the number of levels.
	Iterations []int `yaml:"iterations"`

	// ShrinkFactors is the integer downsampling factor per level.
	// Must have the same length as Iterations.
	ShrinkFactors []int `yaml:"shrinkFactors"`

	// SmoothSigmas is the Gaussian smoothing sigma (in voxels) applied
	// before shrinking at each level. Must have the same length as
	// Iterations.
	SmoothSigmas []float64 `yaml:"smoothSigmas"`

	// HistogramBins is the number of intensity bins for the "mi" metric.
	HistogramBins int `yaml:"histogramBins"`
}

// DefaultSettings returns a single-level mean-squared-error configuration.
func DefaultSettings() Settings {
	return Settings{
		Metric:        MetricMSE,
		Optimizer:     OptimizerNelderMead,
		Iterations:    []int{100},
		ShrinkFactors: []int{1},
		SmoothSigmas:  []float64{0},
		HistogramBins: 32,
	}
}

// Validate checks the settings for internal consistency.
func (s *Settings) Validate() error {
	switch s.Metric {
	case MetricMSE, MetricCorrelation, MetricMI:
	default:
		return fmt.Errorf("metric: unknown metric %q", s.Metric)
	}
	switch s.Optimizer {
	case OptimizerNelderMead:
	default:
		return fmt.Errorf("metric: unknown optimizer %q", s.Optimizer)
	}
	if len(s.Iterations) == 0 {
		return fmt.Errorf("metric: at least one resolution level required")
	}
	if len(s.ShrinkFactors) != len(s.Iterations) || len(s.SmoothSigmas) != len(s.Iterations) {
		return fmt.Errorf("metric: schedule lengths differ: iterations %d, shrink %d, smooth %d",
			len(s.Iterations), len(s.ShrinkFactors), len(s.SmoothSigmas))
	}
	for _, it := range s.Iterations {
		if it < 0 {
			return fmt.Errorf("metric: negative iteration count %d", it)
		}
	}
	for _, f := range s.ShrinkFactors {
		if f < 1 {
			return fmt.Errorf("metric: shrink factor %d below 1", f)
		}
	}
	if s.Metric == MetricMI && s.HistogramBins < 2 {
		return fmt.Errorf("metric: mi metric requires at least 2 histogram bins, got %d", s.HistogramBins)
	}
	return nil
}
