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
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/groupbench/pkg/logging"
)

const tracerName = "groupbench.engine"

// maxBatch caps batch sizes so doubling and planning cannot overflow.
const maxBatch = uint64(1) << 40

// Measurer runs a batch of iterations and returns the time they took.
type Measurer interface {
	MeasureBatch(ctx context.Context, iterations uint64) (time.Duration, error)
}

// MeasurerFunc adapts a function to Measurer.
type MeasurerFunc func(ctx context.Context, iterations uint64) (time.Duration, error)

// MeasureBatch calls f.
func (f MeasurerFunc) MeasureBatch(ctx context.Context, iterations uint64) (time.Duration, error) {
	return f(ctx, iterations)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock replaces the wall clock used for warm-up and result timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithProgressInterval sets the minimum gap between progress log lines.
func WithProgressInterval(d time.Duration) Option {
	return func(e *Engine) { e.progressEvery = d }
}

// Engine runs benchmarks against Measurers.
//
// Thread Safety: Run may be called concurrently for different Measurers.
type Engine struct {
	cfg           Config
	logger        *logging.Logger
	now           func() time.Time
	progressEvery time.Duration
	tracer        trace.Tracer
}

// New creates an Engine.
//
// Outputs:
//
//	*Engine - Ready to run.
//	error - Wraps ErrInvalidConfig.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:           cfg,
		logger:        logging.Discard(),
		now:           time.Now,
		progressEvery: 2 * time.Second,
		tracer:        otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Run benchmarks one Measurer.
//
// Description:
//
//	Warms up (unless Iterations fixes the batch size), plans SampleSize batch
//	sizes, measures each batch and analyses the per-iteration estimates.
//
// Inputs:
//
//	ctx - Cancellation aborts the benchmark between batches.
//	name - Benchmark name recorded in the Result.
//	m - The batch source.
//
// Outputs:
//
//	*Result - Never nil once measurement started. On error it is Partial and
//	          holds the samples measured before the failure.
//	error - Wraps ErrBenchmarkFailed and the Measurer's error.
func (e *Engine) Run(ctx context.Context, name string, m Measurer) (*Result, error) {
	if m == nil {
		return nil, errors.New("measurer must not be nil")
	}

	ctx, span := e.tracer.Start(ctx, "engine.Engine.Run",
		trace.WithAttributes(
			attribute.String("benchmark.name", name),
			attribute.Int("benchmark.sample_size", e.cfg.SampleSize),
			attribute.String("benchmark.sampling", e.cfg.Sampling.String()),
		),
	)
	defer span.End()

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	logger := e.logger.With("benchmark", name)
	result := &Result{Name: name, StartTime: e.now()}

	plan, err := e.plan(ctx, m, logger)
	if err != nil {
		return e.fail(span, result, "warm-up", err)
	}

	progress := &rate.Sometimes{Interval: e.progressEvery}
	for i, iterations := range plan {
		if err := ctx.Err(); err != nil {
			return e.fail(span, result, fmt.Sprintf("sample %d of %d", i+1, len(plan)), err)
		}
		elapsed, err := m.MeasureBatch(ctx, iterations)
		if err != nil {
			return e.fail(span, result, fmt.Sprintf("sample %d of %d", i+1, len(plan)), err)
		}
		result.Samples = append(result.Samples, Sample{Iterations: iterations, Elapsed: elapsed})
		progress.Do(func() {
			logger.Info("sampling", "sample", i+1, "of", len(plan), "iterations", iterations)
		})
	}

	result.EndTime = e.now()
	if err := result.analyse(e.cfg); err != nil {
		return e.fail(span, result, "analysis", err)
	}

	span.SetAttributes(
		attribute.Int64("benchmark.result.mean_ns", int64(result.Latency.Mean)),
		attribute.Int64("benchmark.result.total_iterations", int64(min(result.TotalIterations, math.MaxInt64))),
		attribute.Int("benchmark.result.outliers", result.OutliersRemoved),
	)
	span.SetStatus(codes.Ok, "benchmark completed")
	logger.Debug("benchmark analysed",
		"mean", result.Latency.Mean,
		"samples", len(result.Samples),
		"outliers", result.OutliersRemoved,
	)
	return result, nil
}

func (e *Engine) fail(span trace.Span, result *Result, stage string, cause error) (*Result, error) {
	result.Partial = true
	result.Error = cause.Error()
	result.EndTime = e.now()
	if len(result.Samples) > 0 {
		// Statistics over the samples so far; an analysis error is dropped.
		_ = result.analyse(e.cfg)
	}
	span.RecordError(cause)
	span.SetStatus(codes.Error, stage)
	return result, fmt.Errorf("%w: %s: %s: %w", ErrBenchmarkFailed, result.Name, stage, cause)
}

// plan returns the batch size of every sample.
func (e *Engine) plan(ctx context.Context, m Measurer, logger *logging.Logger) ([]uint64, error) {
	n := e.cfg.SampleSize
	sizes := make([]uint64, n)

	if e.cfg.Iterations > 0 {
		for i := range sizes {
			sizes[i] = e.cfg.Iterations
		}
		return sizes, nil
	}

	perIteration, err := e.warmUp(ctx, m)
	if err != nil {
		return nil, err
	}
	logger.Debug("warm-up finished", "per_iteration_ns", perIteration)

	budget := float64(e.cfg.MeasurementTime)
	switch e.cfg.Sampling {
	case SamplingFlat:
		each := batchSize(budget / (perIteration * float64(n)))
		for i := range sizes {
			sizes[i] = each
		}
	default:
		steps := float64(n) * float64(n+1) / 2
		d := batchSize(budget / (perIteration * steps))
		for i := range sizes {
			sizes[i] = min(d*uint64(i+1), maxBatch)
		}
	}
	return sizes, nil
}

// warmUp runs doubling batches until WarmUpTime of wall time has passed and
// returns the wall time per iteration in nanoseconds. At least one batch
// runs. Wall time includes setup and communication, so the plan bounds how
// long sampling really takes.
func (e *Engine) warmUp(ctx context.Context, m Measurer) (float64, error) {
	start := e.now()
	var total uint64
	for batch := uint64(1); ; {
		if _, err := m.MeasureBatch(ctx, batch); err != nil {
			return 0, err
		}
		total += batch
		wall := e.now().Sub(start)
		if wall >= e.cfg.WarmUpTime {
			return max(float64(wall)/float64(total), 1), nil
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch = min(batch*2, maxBatch)
	}
}

func batchSize(x float64) uint64 {
	if math.IsNaN(x) || x < 1 {
		return 1
	}
	if x >= float64(maxBatch) {
		return maxBatch
	}
	return uint64(math.Ceil(x))
}
