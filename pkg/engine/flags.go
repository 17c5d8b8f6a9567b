// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"github.com/spf13/pflag"
)

// Output selects how results are reported and persisted.
type Output struct {
	// Format is FormatText or FormatJSON.
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`

	// SaveBaseline stores this run's results under the given name.
	SaveBaseline string `yaml:"save_baseline"`

	// Baseline compares this run against the named saved baseline.
	Baseline string `yaml:"baseline"`
}

// BindFlags registers the engine flags on fs. Current values of cfg and out
// become the flag defaults.
func BindFlags(fs *pflag.FlagSet, cfg *Config, out *Output) {
	fs.IntVar(&cfg.SampleSize, "sample-size", cfg.SampleSize, "samples per benchmark")
	fs.DurationVar(&cfg.WarmUpTime, "warm-up-time", cfg.WarmUpTime, "warm-up wall time per benchmark")
	fs.DurationVar(&cfg.MeasurementTime, "measurement-time", cfg.MeasurementTime, "target sampling wall time per benchmark")
	fs.Uint64Var(&cfg.Iterations, "iterations", cfg.Iterations, "fixed iterations per sample (skips warm-up); 0 sizes batches automatically")
	fs.Var(&cfg.Sampling, "sampling", "batch sizes across samples: linear or flat")
	fs.BoolVar(&cfg.RemoveOutliers, "remove-outliers", cfg.RemoveOutliers, "drop samples outside the Tukey fences")
	fs.Float64Var(&cfg.OutlierThreshold, "outlier-threshold", cfg.OutlierThreshold, "IQR multiplier of the outlier fences")
	fs.Float64Var(&cfg.ConfidenceLevel, "confidence-level", cfg.ConfidenceLevel, "confidence level of the reported interval")
	fs.Float64Var(&cfg.SignificanceLevel, "significance-level", cfg.SignificanceLevel, "p-value below which a baseline change is significant")
	fs.Float64Var(&cfg.NoiseThreshold, "noise-threshold", cfg.NoiseThreshold, "relative change ignored as noise")
	fs.DurationVar(&cfg.Timeout, "benchmark-timeout", cfg.Timeout, "abort a benchmark after this long (0 disables)")

	fs.StringVar(&out.Format, "format", out.Format, "report format: text or json")
	fs.StringVar(&out.SaveBaseline, "save-baseline", out.SaveBaseline, "save results as the named baseline")
	fs.StringVar(&out.Baseline, "baseline", out.Baseline, "compare against the named baseline")
}
