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
	"errors"
	"fmt"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidConfig indicates an engine configuration that cannot run.
	ErrInvalidConfig = errors.New("invalid engine config")

	// ErrNoSamples indicates a statistic was requested over no samples.
	ErrNoSamples = errors.New("no samples")

	// ErrBenchmarkFailed indicates a benchmark stopped before its last sample.
	ErrBenchmarkFailed = errors.New("benchmark failed")
)

// -----------------------------------------------------------------------------
// Sampling mode
// -----------------------------------------------------------------------------

// SamplingMode selects how batch sizes grow across a benchmark's samples.
type SamplingMode int

const (
	// SamplingLinear uses batch sizes d, 2d, ..., nd, which feeds the
	// slope estimate.
	SamplingLinear SamplingMode = iota

	// SamplingFlat uses the same batch size for every sample. Suited to
	// long-running kernels.
	SamplingFlat
)

// String returns the flag spelling of the mode.
func (m SamplingMode) String() string {
	switch m {
	case SamplingLinear:
		return "linear"
	case SamplingFlat:
		return "flat"
	default:
		return "unknown"
	}
}

// ParseSamplingMode parses "linear" or "flat".
func ParseSamplingMode(s string) (SamplingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linear", "":
		return SamplingLinear, nil
	case "flat":
		return SamplingFlat, nil
	default:
		return SamplingLinear, fmt.Errorf("%w: sampling mode %q", ErrInvalidConfig, s)
	}
}

// Set implements pflag.Value.
func (m *SamplingMode) Set(s string) error {
	parsed, err := ParseSamplingMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Type implements pflag.Value.
func (m *SamplingMode) Type() string { return "mode" }

// MarshalText implements encoding.TextMarshaler.
func (m SamplingMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *SamplingMode) UnmarshalText(text []byte) error {
	return m.Set(string(text))
}

// -----------------------------------------------------------------------------
// Config
// -----------------------------------------------------------------------------

// Config controls warm-up, sampling and analysis.
type Config struct {
	// SampleSize is the number of samples per benchmark.
	// Default: 100
	SampleSize int `yaml:"sample_size" json:"sample_size"`

	// WarmUpTime bounds the warm-up phase in wall time.
	// Default: 3s
	WarmUpTime time.Duration `yaml:"warm_up_time" json:"warm_up_time"`

	// MeasurementTime is the wall time the sampling plan aims to fill.
	// Default: 5s
	MeasurementTime time.Duration `yaml:"measurement_time" json:"measurement_time"`

	// Iterations fixes the batch size of every sample and skips warm-up.
	// Zero sizes batches from the warm-up estimate.
	Iterations uint64 `yaml:"iterations" json:"iterations,omitempty"`

	// Sampling selects linear or flat batch sizes.
	Sampling SamplingMode `yaml:"sampling" json:"sampling"`

	// RemoveOutliers drops samples outside the Tukey fences before analysis.
	// Default: true
	RemoveOutliers bool `yaml:"remove_outliers" json:"remove_outliers"`

	// OutlierThreshold is the IQR multiplier of the fences.
	// Default: 1.5
	OutlierThreshold float64 `yaml:"outlier_threshold" json:"outlier_threshold"`

	// ConfidenceLevel of the reported interval. Supported: 0.90, 0.95, 0.99.
	// Default: 0.95
	ConfidenceLevel float64 `yaml:"confidence_level" json:"confidence_level"`

	// SignificanceLevel is the p-value below which a baseline change is real.
	// Default: 0.05
	SignificanceLevel float64 `yaml:"significance_level" json:"significance_level"`

	// NoiseThreshold is the relative change treated as noise even when
	// significant.
	// Default: 0.01
	NoiseThreshold float64 `yaml:"noise_threshold" json:"noise_threshold"`

	// Timeout bounds one benchmark. Zero means no limit.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		SampleSize:        100,
		WarmUpTime:        3 * time.Second,
		MeasurementTime:   5 * time.Second,
		Sampling:          SamplingLinear,
		RemoveOutliers:    true,
		OutlierThreshold:  1.5,
		ConfidenceLevel:   0.95,
		SignificanceLevel: 0.05,
		NoiseThreshold:    0.01,
	}
}

// Validate checks the configuration.
//
// Outputs:
//
//	error - Wraps ErrInvalidConfig naming the first offending field.
func (c Config) Validate() error {
	switch {
	case c.SampleSize < 2:
		return fmt.Errorf("%w: sample size %d, need at least 2", ErrInvalidConfig, c.SampleSize)
	case c.WarmUpTime < 0:
		return fmt.Errorf("%w: negative warm-up time", ErrInvalidConfig)
	case c.Iterations == 0 && c.MeasurementTime <= 0:
		return fmt.Errorf("%w: measurement time must be positive", ErrInvalidConfig)
	case c.Sampling != SamplingLinear && c.Sampling != SamplingFlat:
		return fmt.Errorf("%w: sampling mode %d", ErrInvalidConfig, int(c.Sampling))
	case c.OutlierThreshold <= 0:
		return fmt.Errorf("%w: outlier threshold %g", ErrInvalidConfig, c.OutlierThreshold)
	case !tabulatedLevel(c.ConfidenceLevel):
		return fmt.Errorf("%w: confidence level %g, supported: 0.90, 0.95, 0.99", ErrInvalidConfig, c.ConfidenceLevel)
	case c.SignificanceLevel <= 0 || c.SignificanceLevel >= 1:
		return fmt.Errorf("%w: significance level %g outside (0, 1)", ErrInvalidConfig, c.SignificanceLevel)
	case c.NoiseThreshold < 0:
		return fmt.Errorf("%w: negative noise threshold", ErrInvalidConfig)
	case c.Timeout < 0:
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	return nil
}
