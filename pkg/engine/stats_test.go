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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribe(t *testing.T) {
	stats, err := Describe([]float64{50, 10, 40, 20, 30})
	require.NoError(t, err)

	assert.Equal(t, time.Duration(10), stats.Min)
	assert.Equal(t, time.Duration(50), stats.Max)
	assert.Equal(t, time.Duration(30), stats.Mean)
	assert.Equal(t, time.Duration(30), stats.Median)
	assert.Equal(t, time.Duration(16), stats.StdDev) // sqrt(250) rounded
	assert.Equal(t, time.Duration(10), stats.MAD)
	assert.Equal(t, time.Duration(46), stats.P90)
}

func TestDescribe_Empty(t *testing.T) {
	_, err := Describe(nil)
	assert.ErrorIs(t, err, ErrNoSamples)
}

func TestQuantile(t *testing.T) {
	assert.Equal(t, 0.0, quantile(nil, 0.5))
	assert.Equal(t, 7.0, quantile([]float64{7}, 0.99))
	assert.Equal(t, 15.0, quantile([]float64{10, 20}, 0.5))
	assert.Equal(t, 20.0, quantile([]float64{10, 20}, 1))
}

func TestRemoveOutliers(t *testing.T) {
	samples := []float64{12, 10, 1000, 11, 14, 13}
	kept, removed := RemoveOutliers(samples, 1.5)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []float64{12, 10, 11, 14, 13}, kept)
}

func TestRemoveOutliers_SmallInputUnchanged(t *testing.T) {
	samples := []float64{1, 2, 1000}
	kept, removed := RemoveOutliers(samples, 1.5)
	assert.Equal(t, samples, kept)
	assert.Zero(t, removed)
}

func TestTukeyFences(t *testing.T) {
	f := TukeyFences([]float64{10, 11, 12, 13, 14, 1000}, 1.5)
	assert.InDelta(t, 11.25-3.75, f.Low, 1e-9)
	assert.InDelta(t, 13.75+3.75, f.High, 1e-9)
}

func TestConfidenceInterval(t *testing.T) {
	lo, hi := ConfidenceInterval([]float64{10, 20, 30, 40, 50}, 0.95)
	// t(4, 0.95) = 2.776, standard error sqrt(250/5).
	assert.InDelta(t, 30-2.776*7.0710678, lo, 1e-3)
	assert.InDelta(t, 30+2.776*7.0710678, hi, 1e-3)

	lo, hi = ConfidenceInterval([]float64{42}, 0.95)
	assert.Equal(t, 42.0, lo)
	assert.Equal(t, 42.0, hi)

	lo, hi = ConfidenceInterval(nil, 0.95)
	assert.Zero(t, lo)
	assert.Zero(t, hi)
}

func TestCriticalValue(t *testing.T) {
	assert.Equal(t, 1.960, criticalValue(40, 0.95))
	assert.Equal(t, 1.960, criticalValue(100, 0.999), "untabulated levels use 0.95")
	assert.True(t, tabulatedLevel(0.1+0.8))
	assert.False(t, tabulatedLevel(0.5))
	assert.Equal(t, 12.706, criticalValue(0, 0.95))
	assert.Equal(t, 2.015, criticalValue(5, 0.90))
	assert.Equal(t, 2.756, criticalValue(29, 0.99))
	assert.Equal(t, 2.576, criticalValue(30, 0.99))
}

func TestWelchTTest(t *testing.T) {
	fast := []float64{10, 11, 10, 12, 11, 10, 11, 12, 10, 11}
	slow := []float64{20, 21, 20, 22, 21, 20, 21, 22, 20, 21}

	tStat, p := WelchTTest(fast, slow)
	assert.Less(t, tStat, 0.0)
	assert.Less(t, p, 0.001)

	tStat, p = WelchTTest(fast, fast)
	assert.Zero(t, tStat)
	assert.InDelta(t, 1.0, p, 1e-9)

	_, p = WelchTTest([]float64{1}, slow)
	assert.Equal(t, 1.0, p)

	_, p = WelchTTest([]float64{5, 5, 5}, []float64{5, 5, 5})
	assert.Equal(t, 1.0, p)
}

func TestCohensD(t *testing.T) {
	a := []float64{2, 4, 6}
	b := []float64{1, 3, 5}
	assert.InDelta(t, 0.5, CohensD(a, b), 1e-9)
	assert.Zero(t, CohensD([]float64{1, 1}, []float64{1, 1}))
	assert.Zero(t, CohensD([]float64{1}, b))
}

func TestEffectSize(t *testing.T) {
	assert.Equal(t, "negligible", EffectSize(0.1))
	assert.Equal(t, "small", EffectSize(-0.3))
	assert.Equal(t, "medium", EffectSize(0.6))
	assert.Equal(t, "large", EffectSize(-2))
}

func TestSlope(t *testing.T) {
	samples := []Sample{
		{Iterations: 1, Elapsed: 10},
		{Iterations: 2, Elapsed: 20},
		{Iterations: 3, Elapsed: 30},
	}
	assert.InDelta(t, 10.0, Slope(samples), 1e-9)
	assert.Zero(t, Slope(nil))
}

func TestSample_PerIteration(t *testing.T) {
	assert.Equal(t, 2.5, Sample{Iterations: 4, Elapsed: 10}.PerIteration())
	assert.Zero(t, Sample{}.PerIteration())
}

func TestInterval_Contains(t *testing.T) {
	i := Interval{Lower: 10, Upper: 20}
	assert.True(t, i.Contains(15))
	assert.True(t, i.Contains(20))
	assert.False(t, i.Contains(21))
}
