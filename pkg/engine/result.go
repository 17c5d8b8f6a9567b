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
	"time"
)

// Sample is one measured batch.
type Sample struct {
	Iterations uint64        `json:"iterations"`
	Elapsed    time.Duration `json:"elapsed_ns"`
}

// PerIteration returns the batch's time per iteration in nanoseconds.
func (s Sample) PerIteration() float64 {
	if s.Iterations == 0 {
		return 0
	}
	return float64(s.Elapsed) / float64(s.Iterations)
}

// Result is the outcome of one benchmark.
//
// A Partial result carries the samples measured before the benchmark failed;
// its statistics cover those samples only.
type Result struct {
	Name            string        `json:"name"`
	Samples         []Sample      `json:"samples"`
	TotalIterations uint64        `json:"total_iterations"`
	MeasuredTime    time.Duration `json:"measured_ns"`
	OutliersRemoved int           `json:"outliers_removed"`
	Latency         LatencyStats  `json:"latency"`
	Confidence      Interval      `json:"confidence"`
	Slope           time.Duration `json:"slope_ns"`
	OpsPerSecond    float64       `json:"ops_per_second"`
	Partial         bool          `json:"partial,omitempty"`
	Error           string        `json:"error,omitempty"`
	Change          *Change       `json:"change,omitempty"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
}

// PerIteration returns each sample's per-iteration estimate in nanoseconds.
func (r *Result) PerIteration() []float64 {
	out := make([]float64, len(r.Samples))
	for i, s := range r.Samples {
		out[i] = s.PerIteration()
	}
	return out
}

// Duration is the wall time the benchmark took.
func (r *Result) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// analyse fills the derived statistics from Samples.
func (r *Result) analyse(cfg Config) error {
	r.TotalIterations = 0
	r.MeasuredTime = 0
	for _, s := range r.Samples {
		r.TotalIterations += s.Iterations
		r.MeasuredTime += s.Elapsed
	}

	estimates := r.PerIteration()
	r.OutliersRemoved = 0
	if cfg.RemoveOutliers {
		estimates, r.OutliersRemoved = RemoveOutliers(estimates, cfg.OutlierThreshold)
	}

	stats, err := Describe(estimates)
	if err != nil {
		return err
	}
	r.Latency = stats

	lo, hi := ConfidenceInterval(estimates, cfg.ConfidenceLevel)
	r.Confidence = Interval{Level: cfg.ConfidenceLevel, Lower: nanos(lo), Upper: nanos(hi)}
	r.Slope = nanos(Slope(r.Samples))
	if m := mean(estimates); m > 0 {
		r.OpsPerSecond = float64(time.Second) / m
	}
	return nil
}
