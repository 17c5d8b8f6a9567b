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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

// scriptedMeasurer advances the fake clock by the batch's kernel time, so
// warm-up sees wall time equal to measured time.
type scriptedMeasurer struct {
	clock   *fakeClock
	perIter time.Duration
	calls   []uint64
	failAt  int
	failErr error
}

func (m *scriptedMeasurer) MeasureBatch(_ context.Context, iterations uint64) (time.Duration, error) {
	m.calls = append(m.calls, iterations)
	if m.failAt > 0 && len(m.calls) == m.failAt {
		return 0, m.failErr
	}
	d := time.Duration(iterations) * m.perIter
	m.clock.now = m.clock.now.Add(d)
	return d, nil
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *scriptedMeasurer) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	e, err := New(cfg, WithClock(clock.Now))
	require.NoError(t, err)
	return e, &scriptedMeasurer{clock: clock, perIter: time.Millisecond}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SampleSize = 10
	cfg.WarmUpTime = 10 * time.Millisecond
	cfg.MeasurementTime = 110 * time.Millisecond
	return cfg
}

func TestRun_WarmUpThenLinearPlan(t *testing.T) {
	e, m := newTestEngine(t, testConfig())

	result, err := e.Run(context.Background(), "linear", m)
	require.NoError(t, err)

	// Warm-up: 1+2+4+8 = 15ms of wall time over 15 iterations. Linear
	// plan: 110ms / (1ms * 55) = 2, so 2, 4, ..., 20.
	want := []uint64{1, 2, 4, 8, 2, 4, 6, 8, 10, 12, 14, 16, 18, 20}
	assert.Equal(t, want, m.calls)

	require.Len(t, result.Samples, 10)
	assert.False(t, result.Partial)
	assert.Equal(t, uint64(110), result.TotalIterations)
	assert.Equal(t, 110*time.Millisecond, result.MeasuredTime)
	assert.Equal(t, time.Millisecond, result.Latency.Mean)
	assert.Equal(t, time.Millisecond, result.Slope)
	assert.Equal(t, time.Millisecond, result.Confidence.Lower)
	assert.Equal(t, time.Millisecond, result.Confidence.Upper)
	assert.InDelta(t, 1000.0, result.OpsPerSecond, 1e-9)
	assert.Equal(t, 0, result.OutliersRemoved)
	assert.Equal(t, 125*time.Millisecond, result.Duration())
}

func TestRun_FlatPlan(t *testing.T) {
	cfg := testConfig()
	cfg.Sampling = SamplingFlat
	cfg.MeasurementTime = 100 * time.Millisecond
	e, m := newTestEngine(t, cfg)

	result, err := e.Run(context.Background(), "flat", m)
	require.NoError(t, err)

	require.Len(t, m.calls, 14)
	assert.Equal(t, []uint64{1, 2, 4, 8}, m.calls[:4])
	for _, s := range result.Samples {
		assert.Equal(t, uint64(10), s.Iterations)
	}
}

func TestRun_FixedIterationsSkipsWarmUp(t *testing.T) {
	cfg := testConfig()
	cfg.Iterations = 7
	cfg.SampleSize = 3
	e, m := newTestEngine(t, cfg)

	result, err := e.Run(context.Background(), "fixed", m)
	require.NoError(t, err)
	assert.Equal(t, []uint64{7, 7, 7}, m.calls)
	assert.Equal(t, uint64(21), result.TotalIterations)
}

func TestRun_FailureKeepsPartialSamples(t *testing.T) {
	cfg := testConfig()
	cfg.Iterations = 5
	e, m := newTestEngine(t, cfg)
	cause := errors.New("setup failed on rank 2")
	m.failAt, m.failErr = 4, cause

	result, err := e.Run(context.Background(), "partial", m)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBenchmarkFailed)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "sample 4 of 10")

	require.NotNil(t, result)
	assert.True(t, result.Partial)
	assert.Equal(t, cause.Error(), result.Error)
	require.Len(t, result.Samples, 3)
	assert.Equal(t, time.Millisecond, result.Latency.Mean)
	assert.Len(t, m.calls, 4, "no batch after the failure")
}

func TestRun_FailureDuringWarmUp(t *testing.T) {
	e, m := newTestEngine(t, testConfig())
	cause := errors.New("worker exited")
	m.failAt, m.failErr = 2, cause

	result, err := e.Run(context.Background(), "warm", m)
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "warm-up")
	require.NotNil(t, result)
	assert.True(t, result.Partial)
	assert.Empty(t, result.Samples)
}

func TestRun_CancelledContext(t *testing.T) {
	cfg := testConfig()
	cfg.Iterations = 1
	e, m := newTestEngine(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := e.Run(ctx, "cancelled", m)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.calls)
	assert.True(t, result.Partial)
}

func TestRun_NilMeasurer(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	_, err := e.Run(context.Background(), "nil", nil)
	assert.Error(t, err)
}

func TestRun_MeasurerFunc(t *testing.T) {
	cfg := testConfig()
	cfg.Iterations = 2
	cfg.SampleSize = 4
	e, err := New(cfg)
	require.NoError(t, err)

	var total uint64
	result, err := e.Run(context.Background(), "func", MeasurerFunc(func(_ context.Context, n uint64) (time.Duration, error) {
		total += n
		return time.Duration(n) * time.Microsecond, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, uint64(8), total)
	assert.Equal(t, time.Microsecond, result.Latency.Mean)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleSize = 1
	_, err := New(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBatchSize(t *testing.T) {
	assert.Equal(t, uint64(1), batchSize(0))
	assert.Equal(t, uint64(1), batchSize(0.2))
	assert.Equal(t, uint64(3), batchSize(2.1))
	assert.Equal(t, maxBatch, batchSize(1e30))
}
