// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OpenTelemetry instruments of a benchmark run. All
// names carry the "groupbench_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// BatchesTotal counts measured batches by benchmark and status.
	BatchesTotal metric.Int64Counter

	// BatchDuration records the kernel time of each batch in seconds.
	BatchDuration metric.Float64Histogram

	// IterationsTotal counts raw kernel invocations by benchmark.
	IterationsTotal metric.Int64Counter

	// BenchmarksTotal counts finished benchmarks by status.
	BenchmarksTotal metric.Int64Counter

	// IterationTime records each benchmark's mean time per iteration in
	// seconds.
	IterationTime metric.Float64Histogram
}

// NewMetrics registers the instruments with meter.
//
// Example:
//
//	metrics, err := telemetry.NewMetrics(otel.Meter("groupbench"))
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.BatchesTotal, err = meter.Int64Counter(
		"groupbench_batches_total",
		metric.WithDescription("Total measured batches"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create batches_total: %w", err)
	}

	m.BatchDuration, err = meter.Float64Histogram(
		"groupbench_batch_duration_seconds",
		metric.WithDescription("Accumulated kernel time per batch in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create batch_duration: %w", err)
	}

	m.IterationsTotal, err = meter.Int64Counter(
		"groupbench_iterations_total",
		metric.WithDescription("Total raw kernel invocations"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create iterations_total: %w", err)
	}

	m.BenchmarksTotal, err = meter.Int64Counter(
		"groupbench_benchmarks_total",
		metric.WithDescription("Total finished benchmarks"),
		metric.WithUnit("{benchmark}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create benchmarks_total: %w", err)
	}

	m.IterationTime, err = meter.Float64Histogram(
		"groupbench_iteration_time_seconds",
		metric.WithDescription("Mean time per kernel invocation in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1e-9, 1e-8, 1e-7, 1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 0.1, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create iteration_time: %w", err)
	}

	return m, nil
}
