package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/CIBRalgosw/bigstream/internal/models"
	"github.com/CIBRalgosw/bigstream/pkg/config"
	"github.com/CIBRalgosw/bigstream/pkg/quality"
	"github.com/CIBRalgosw/bigstream/pkg/transform"
	"github.com/CIBRalgosw/bigstream/pkg/visualization"
	"github.com/CIBRalgosw/bigstream/pkg/volume"
)

func main() {
	// Parse command line arguments
	fixedPath := flag.String("fixed", "", "Fixed volume metadata file (YAML)")
	movingPath := flag.String("moving", "", "Moving volume metadata file (YAML)")
	fixedMaskPath := flag.String("fixed-mask", "", "Optional fixed mask metadata file")
	movingMaskPath := flag.String("moving-mask", "", "Optional moving mask metadata file")
	configPath := flag.String("config", "bigstream.yaml", "Pipeline configuration file")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file and exit")
	outputDir := flag.String("output", "alignment", "Output directory")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default configuration: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	if *fixedPath == "" || *movingPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if !cfg.Output.Verbose {
		log.SetOutput(os.Stderr)
		log.SetFlags(0)
	}

	fix, err := models.ReadVolume(*fixedPath)
	if err != nil {
		log.Fatalf("Failed to load fixed volume: %v", err)
	}
	mov, err := models.ReadVolume(*movingPath)
	if err != nil {
		log.Fatalf("Failed to load moving volume: %v", err)
	}
	applyInputOverrides(cfg, fix, mov)

	var fixMask, movMask *volume.Volume
	if *fixedMaskPath != "" {
		if fixMask, err = models.ReadVolume(*fixedMaskPath); err != nil {
			log.Fatalf("Failed to load fixed mask: %v", err)
		}
	}
	if *movingMaskPath != "" {
		if movMask, err = models.ReadVolume(*movingMaskPath); err != nil {
			log.Fatalf("Failed to load moving mask: %v", err)
		}
	}

	pipeline, steps, err := cfg.Pipeline()
	if err != nil {
		log.Fatalf("Invalid pipeline configuration: %v", err)
	}
	pipeline.Defaults.FixMask = fixMask
	pipeline.Defaults.MovMask = movMask

	fmt.Printf("Running %d-step registration pipeline...\n", len(steps))
	startTime := time.Now()
	result, err := pipeline.Run(fix, mov, steps, nil)
	if err != nil {
		log.Fatalf("Registration failed: %v", err)
	}
	processingTime := time.Since(startTime)
	fmt.Printf("Registration completed in %.2f seconds\n", processingTime.Seconds())

	for i, r := range result.Results {
		if r.Fallback {
			fmt.Printf("Step %d (%s) fell back to its default: %s\n", i, steps[i].Kind, r.Reason)
		}
	}

	transformPath := filepath.Join(*outputDir, "transforms.yaml")
	if err := models.WriteTransforms(transformPath, result.Transforms); err != nil {
		log.Fatalf("Failed to save transforms: %v", err)
	}
	fmt.Printf("Transforms saved to: %s\n", transformPath)

	aligned := transform.Apply(fix, mov, result.Transforms, transform.InterpLinear)
	alignedPath := filepath.Join(*outputDir, "aligned.yaml")
	if err := models.WriteVolume(alignedPath, aligned); err != nil {
		log.Fatalf("Failed to save aligned volume: %v", err)
	}
	fmt.Printf("Aligned volume saved to: %s\n", alignedPath)

	report, err := quality.Evaluate(fix, aligned)
	if err != nil {
		log.Printf("Warning: quality evaluation failed: %v", err)
	} else {
		fmt.Printf("\nAlignment Quality Metrics:\n")
		fmt.Printf("==========================\n")
		fmt.Printf("Mutual Information (MI): %.3f\n", report.MI)
		fmt.Printf("Root Mean Square Error (RMSE): %.6f\n", report.RMSE)
		fmt.Printf("Structural Similarity Index (SSIM): %.3f\n", report.SSIM)
		fmt.Printf("Intensity Correlation: %.3f\n", report.Correlation)
	}

	if cfg.Output.SavePreviews {
		previewDir := filepath.Join(*outputDir, "previews")
		fmt.Printf("\nSaving mid-slice previews to: %s\n", previewDir)
		savePreviews(previewDir, map[string]*volume.Volume{
			"fixed":   fix,
			"moving":  mov,
			"aligned": aligned,
		})
	}
}

// applyInputOverrides replaces voxel geometry with values from the
// configuration's input section when present. Metadata files remain the
// primary source; overrides exist for data exported without geometry.
func applyInputOverrides(cfg *config.Config, fix, mov *volume.Volume) {
	if len(cfg.Input.FixedSpacing) == fix.Rank() {
		fix.Spacing = cfg.Input.FixedSpacing
	}
	if len(cfg.Input.MovingSpacing) == mov.Rank() {
		mov.Spacing = cfg.Input.MovingSpacing
	}
	if len(cfg.Input.FixedOrigin) == fix.Rank() {
		fix.Origin = cfg.Input.FixedOrigin
	}
	if len(cfg.Input.MovingOrigin) == mov.Rank() {
		mov.Origin = cfg.Input.MovingOrigin
	}
}

// savePreviews writes orthogonal mid-slice previews for each named volume.
// Preview failures are warnings: the alignment outputs are already saved.
func savePreviews(dir string, volumes map[string]*volume.Volume) {
	for name, vol := range volumes {
		v := vol
		if v.Rank() == 2 {
			v = v.To3D()
		}
		viewer, err := visualization.NewViewer(v)
		if err != nil {
			log.Printf("Warning: preview for %s skipped: %v", name, err)
			continue
		}
		if err := viewer.SaveMidSlices(dir, name); err != nil {
			log.Printf("Warning: failed to save %s previews: %v", name, err)
		}
	}
}
