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
	"fmt"
	"math"
)

// Verdict classifies a change against a baseline.
type Verdict int

const (
	// VerdictNoChange means the difference is not statistically significant.
	VerdictNoChange Verdict = iota

	// VerdictWithinNoise means a significant difference below NoiseThreshold.
	VerdictWithinNoise

	// VerdictImproved means significantly faster.
	VerdictImproved

	// VerdictRegressed means significantly slower.
	VerdictRegressed
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case VerdictNoChange:
		return "no_change"
	case VerdictWithinNoise:
		return "within_noise"
	case VerdictImproved:
		return "improved"
	case VerdictRegressed:
		return "regressed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Verdict) UnmarshalText(text []byte) error {
	for c := VerdictNoChange; c <= VerdictRegressed; c++ {
		if c.String() == string(text) {
			*v = c
			return nil
		}
	}
	return fmt.Errorf("unknown verdict %q", text)
}

// Change compares a result with a saved baseline of the same benchmark.
type Change struct {
	Baseline   string  `json:"baseline"`
	MeanChange float64 `json:"mean_change"`
	TStatistic float64 `json:"t_statistic"`
	PValue     float64 `json:"p_value"`
	EffectSize float64 `json:"effect_size"`
	Verdict    Verdict `json:"verdict"`
}

// Compare tests current against previous with Welch's t-test over the
// per-iteration estimates.
//
// Outputs:
//
//	*Change - MeanChange is relative: +0.10 means 10% slower.
//	error - Wraps ErrNoSamples when either side has fewer than two samples.
func Compare(current, previous *Result, cfg Config) (*Change, error) {
	a := current.PerIteration()
	b := previous.PerIteration()
	if len(a) < 2 || len(b) < 2 {
		return nil, fmt.Errorf("compare %s: %w", current.Name, ErrNoSamples)
	}
	base := mean(b)
	if base == 0 {
		return nil, fmt.Errorf("compare %s: baseline mean is zero: %w", current.Name, ErrNoSamples)
	}

	c := &Change{MeanChange: (mean(a) - base) / base}
	c.TStatistic, c.PValue = WelchTTest(a, b)
	c.EffectSize = CohensD(a, b)

	switch {
	case c.PValue >= cfg.SignificanceLevel:
		c.Verdict = VerdictNoChange
	case math.Abs(c.MeanChange) <= cfg.NoiseThreshold:
		c.Verdict = VerdictWithinNoise
	case c.MeanChange < 0:
		c.Verdict = VerdictImproved
	default:
		c.Verdict = VerdictRegressed
	}
	return c, nil
}
