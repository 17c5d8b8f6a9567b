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
	"math"
	"slices"
	"time"
)

// Statistics operate on per-iteration estimates in nanoseconds. Batches of
// many iterations give sub-nanosecond resolution, so the estimates stay
// float64 until they are reported.

// LatencyStats summarises per-iteration times.
type LatencyStats struct {
	Min    time.Duration `json:"min_ns"`
	Max    time.Duration `json:"max_ns"`
	Mean   time.Duration `json:"mean_ns"`
	Median time.Duration `json:"median_ns"`
	StdDev time.Duration `json:"std_dev_ns"`
	MAD    time.Duration `json:"mad_ns"`
	P90    time.Duration `json:"p90_ns"`
	P95    time.Duration `json:"p95_ns"`
	P99    time.Duration `json:"p99_ns"`
}

// Interval is a confidence interval for the mean.
type Interval struct {
	Level float64       `json:"level"`
	Lower time.Duration `json:"lower_ns"`
	Upper time.Duration `json:"upper_ns"`
}

// Contains reports whether d lies inside the interval.
func (i Interval) Contains(d time.Duration) bool {
	return d >= i.Lower && d <= i.Upper
}

// Describe computes LatencyStats over per-iteration estimates.
//
// Outputs:
//
//	LatencyStats - Percentiles use linear interpolation between ranks.
//	error - ErrNoSamples when samples is empty.
func Describe(samples []float64) (LatencyStats, error) {
	if len(samples) == 0 {
		return LatencyStats{}, ErrNoSamples
	}
	sorted := sortedCopy(samples)
	m := mean(samples)
	median := quantile(sorted, 0.5)

	deviations := make([]float64, len(sorted))
	for i, s := range sorted {
		deviations[i] = math.Abs(s - median)
	}
	slices.Sort(deviations)

	return LatencyStats{
		Min:    nanos(sorted[0]),
		Max:    nanos(sorted[len(sorted)-1]),
		Mean:   nanos(m),
		Median: nanos(median),
		StdDev: nanos(math.Sqrt(variance(samples, m))),
		MAD:    nanos(quantile(deviations, 0.5)),
		P90:    nanos(quantile(sorted, 0.90)),
		P95:    nanos(quantile(sorted, 0.95)),
		P99:    nanos(quantile(sorted, 0.99)),
	}, nil
}

// quantile interpolates the q-quantile of sorted values.
func quantile(sorted []float64, q float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// Fences are Tukey's outlier bounds.
type Fences struct {
	Low  float64
	High float64
}

// TukeyFences returns [Q1 - k*IQR, Q3 + k*IQR] of the samples.
func TukeyFences(samples []float64, k float64) Fences {
	sorted := sortedCopy(samples)
	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1
	return Fences{Low: q1 - k*iqr, High: q3 + k*iqr}
}

// RemoveOutliers drops samples outside the Tukey fences at threshold.
//
// Fewer than four samples are returned unchanged, as is the input when the
// fences would discard more than half of it.
//
// Outputs:
//
//	[]float64 - Retained samples in input order.
//	int - Number of samples dropped.
func RemoveOutliers(samples []float64, threshold float64) ([]float64, int) {
	if len(samples) < 4 {
		return samples, 0
	}
	f := TukeyFences(samples, threshold)
	kept := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s >= f.Low && s <= f.High {
			kept = append(kept, s)
		}
	}
	if len(kept) < len(samples)/2 {
		return samples, 0
	}
	return kept, len(samples) - len(kept)
}

// ConfidenceInterval returns a symmetric interval around the mean at level.
// Below 30 samples the half-width uses Student's t, otherwise z.
func ConfidenceInterval(samples []float64, level float64) (lower, upper float64) {
	switch len(samples) {
	case 0:
		return 0, 0
	case 1:
		return samples[0], samples[0]
	}
	m := mean(samples)
	stdErr := math.Sqrt(variance(samples, m) / float64(len(samples)))
	margin := criticalValue(len(samples)-1, level) * stdErr
	return m - margin, m + margin
}

// Two-tailed t critical values for df 1..30.
var tTable = map[float64][30]float64{
	0.90: {6.314, 2.920, 2.353, 2.132, 2.015, 1.943, 1.895, 1.860, 1.833, 1.812,
		1.796, 1.782, 1.771, 1.761, 1.753, 1.746, 1.740, 1.734, 1.729, 1.725,
		1.721, 1.717, 1.714, 1.711, 1.708, 1.706, 1.703, 1.701, 1.699, 1.697},
	0.95: {12.706, 4.303, 3.182, 2.776, 2.571, 2.447, 2.365, 2.306, 2.262, 2.228,
		2.201, 2.179, 2.160, 2.145, 2.131, 2.120, 2.110, 2.101, 2.093, 2.086,
		2.080, 2.074, 2.069, 2.064, 2.060, 2.056, 2.052, 2.048, 2.045, 2.042},
	0.99: {63.657, 9.925, 5.841, 4.604, 4.032, 3.707, 3.499, 3.355, 3.250, 3.169,
		3.106, 3.055, 3.012, 2.977, 2.947, 2.921, 2.898, 2.878, 2.861, 2.845,
		2.831, 2.819, 2.807, 2.797, 2.787, 2.779, 2.771, 2.763, 2.756, 2.750},
}

var zTable = map[float64]float64{0.90: 1.645, 0.95: 1.960, 0.99: 2.576}

// tabulatedLevel reports whether level has critical values in zTable.
func tabulatedLevel(level float64) bool {
	_, ok := nearestLevel(level)
	return ok
}

// nearestLevel maps level to its tabulated key, tolerating float noise from
// flag and YAML parsing.
func nearestLevel(level float64) (float64, bool) {
	for l := range zTable {
		if math.Abs(l-level) < 1e-9 {
			return l, true
		}
	}
	return 0, false
}

// criticalValue falls back to 0.95 for levels Config.Validate rejects.
func criticalValue(df int, level float64) float64 {
	level, ok := nearestLevel(level)
	if !ok {
		level = 0.95
	}
	if df >= 30 {
		return zTable[level]
	}
	return tTable[level][max(df, 1)-1]
}

// WelchTTest compares the means of a and b without assuming equal
// variances.
//
// Outputs:
//
//	t - Positive when a's mean is larger.
//	p - Approximate two-tailed p-value; 1 when either side has fewer than
//	    two samples or both have zero variance.
func WelchTTest(a, b []float64) (t, p float64) {
	if len(a) < 2 || len(b) < 2 {
		return 0, 1
	}
	ma, mb := mean(a), mean(b)
	va := variance(a, ma) / float64(len(a))
	vb := variance(b, mb) / float64(len(b))
	se := math.Sqrt(va + vb)
	if se == 0 {
		return 0, 1
	}
	t = (ma - mb) / se

	// Welch-Satterthwaite degrees of freedom.
	denom := va*va/float64(len(a)-1) + vb*vb/float64(len(b)-1)
	if denom == 0 {
		return t, 1
	}
	df := (va + vb) * (va + vb) / denom

	z := math.Abs(t)
	if df < 30 && df > 2 {
		z *= math.Sqrt((df - 2) / df)
	}
	return t, 2 * normalCDF(-z)
}

func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// CohensD is the standardised mean difference of a over b using the pooled
// standard deviation.
func CohensD(a, b []float64) float64 {
	if len(a) < 2 || len(b) < 2 {
		return 0
	}
	ma, mb := mean(a), mean(b)
	na, nb := float64(len(a)), float64(len(b))
	pooled := ((na-1)*variance(a, ma) + (nb-1)*variance(b, mb)) / (na + nb - 2)
	if pooled == 0 {
		return 0
	}
	return (ma - mb) / math.Sqrt(pooled)
}

// EffectSize buckets |d| with Cohen's conventional thresholds.
func EffectSize(d float64) string {
	switch d = math.Abs(d); {
	case d < 0.2:
		return "negligible"
	case d < 0.5:
		return "small"
	case d < 0.8:
		return "medium"
	default:
		return "large"
	}
}

// Slope fits elapsed = slope * iterations by least squares through the
// origin and returns the slope in nanoseconds per iteration.
func Slope(samples []Sample) float64 {
	var xy, xx float64
	for _, s := range samples {
		x := float64(s.Iterations)
		xy += x * float64(s.Elapsed)
		xx += x * x
	}
	if xx == 0 {
		return 0
	}
	return xy / xx
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// variance is the unbiased sample variance around m.
func variance(xs []float64, m float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return ss / float64(len(xs)-1)
}

func sortedCopy(xs []float64) []float64 {
	out := slices.Clone(xs)
	slices.Sort(out)
	return out
}

func nanos(ns float64) time.Duration {
	if math.IsNaN(ns) {
		return 0
	}
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(math.Round(ns))
}
