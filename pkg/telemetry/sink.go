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
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/groupbench/pkg/engine"
	"github.com/AleutianAI/groupbench/pkg/protocol"
)

const meterName = "groupbench"

// SinkOption configures a Sink.
type SinkOption func(*sinkOptions)

type sinkOptions struct {
	meter metric.Meter
	prom  PrometheusConfig
}

// WithMeter replaces the global meter.
func WithMeter(m metric.Meter) SinkOption {
	return func(o *sinkOptions) { o.meter = m }
}

// WithPrometheus replaces the Prometheus configuration.
func WithPrometheus(cfg PrometheusConfig) SinkOption {
	return func(o *sinkOptions) { o.prom = cfg }
}

// Sink records batches and benchmark outcomes to both OpenTelemetry
// instruments and Prometheus collectors.
//
// Description:
//
//	Sink observes every batch the coordinator measures (it implements
//	protocol.BatchObserver) and every finished or failed benchmark. It
//	is called on the coordinator only, after the workers left their timed
//	region.
//
// Thread Safety: Safe for concurrent use.
type Sink struct {
	metrics *Metrics
	prom    *promCollectors

	mu     sync.RWMutex
	closed bool
}

// NewSink creates a sink.
//
// Outputs:
//
//	*Sink - Never nil on success.
//	error - Non-nil if an instrument cannot be created or the Prometheus
//	        configuration is invalid.
func NewSink(opts ...SinkOption) (*Sink, error) {
	o := sinkOptions{prom: DefaultPrometheusConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.meter == nil {
		o.meter = otel.Meter(meterName)
	}
	if err := o.prom.Validate(); err != nil {
		return nil, err
	}

	m, err := NewMetrics(o.meter)
	if err != nil {
		return nil, err
	}
	return &Sink{metrics: m, prom: newPromCollectors(o.prom)}, nil
}

func (s *Sink) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// ObserveBatch records one batch exchanged with a worker group.
func (s *Sink) ObserveBatch(ctx context.Context, benchmark string, iterations uint64, elapsed time.Duration, err error) {
	if s.isClosed() {
		return
	}
	status := "ok"
	if err != nil {
		status = protocol.Classify(err).String()
	}
	attrs := metric.WithAttributes(
		attribute.String("benchmark", benchmark),
		attribute.String("status", status),
	)
	s.metrics.BatchesTotal.Add(ctx, 1, attrs)
	s.prom.batchesTotal.WithLabelValues(benchmark, status).Inc()
	if err != nil {
		return
	}
	s.metrics.BatchDuration.Record(ctx, elapsed.Seconds(), attrs)
	s.metrics.IterationsTotal.Add(ctx, int64(min(iterations, 1<<62)),
		metric.WithAttributes(attribute.String("benchmark", benchmark)))
}

// RecordResult records a finished benchmark.
func (s *Sink) RecordResult(ctx context.Context, r *engine.Result) error {
	if ctx == nil {
		return ErrNilContext
	}
	if s.isClosed() {
		return ErrSinkClosed
	}

	status := "ok"
	if r.Partial {
		status = "partial"
	}
	s.metrics.BenchmarksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	s.metrics.IterationTime.Record(ctx, r.Latency.Mean.Seconds(),
		metric.WithAttributes(attribute.String("benchmark", r.Name)))

	s.prom.meanSeconds.WithLabelValues(r.Name).Set(r.Latency.Mean.Seconds())
	s.prom.opsPerSecond.WithLabelValues(r.Name).Set(r.OpsPerSecond)
	s.prom.samplesTotal.WithLabelValues(r.Name).Add(float64(len(r.Samples)))

	if r.Change != nil {
		s.prom.changeRatio.WithLabelValues(r.Name, r.Change.Baseline).Set(r.Change.MeanChange)
		s.prom.verdictsTotal.WithLabelValues(r.Change.Verdict.String()).Inc()
	}
	return nil
}

// RecordFailure records a benchmark that ended with a failure.
func (s *Sink) RecordFailure(ctx context.Context, name string, class protocol.Class) error {
	if ctx == nil {
		return ErrNilContext
	}
	if s.isClosed() {
		return ErrSinkClosed
	}
	s.metrics.BenchmarksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", class.String())))
	s.prom.failuresTotal.WithLabelValues(name, class.String()).Inc()
	return nil
}

// Close stops recording. Idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ protocol.BatchObserver = (*Sink)(nil)
