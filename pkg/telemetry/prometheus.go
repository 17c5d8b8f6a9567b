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
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusConfig configures the Prometheus collectors.
type PrometheusConfig struct {
	// Namespace prefixes every metric. Required.
	Namespace string

	// Registry receives the collectors. If nil, uses
	// prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// DefaultPrometheusConfig returns the driver's configuration.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{Namespace: "groupbench"}
}

// Validate checks that the configuration is usable.
func (c PrometheusConfig) Validate() error {
	if c.Namespace == "" {
		return errors.New("namespace is required")
	}
	return nil
}

// promCollectors are the per-benchmark gauges and counters scraped from the
// status server's /metrics endpoint.
type promCollectors struct {
	meanSeconds   *prometheus.GaugeVec
	opsPerSecond  *prometheus.GaugeVec
	samplesTotal  *prometheus.CounterVec
	changeRatio   *prometheus.GaugeVec
	verdictsTotal *prometheus.CounterVec
	failuresTotal *prometheus.CounterVec
	batchesTotal  *prometheus.CounterVec
}

// newPromCollectors registers the collectors. Registering twice on the same
// registry panics, so a process creates at most one Sink per registry.
func newPromCollectors(cfg PrometheusConfig) *promCollectors {
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &promCollectors{
		meanSeconds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "benchmark",
			Name:      "mean_seconds",
			Help:      "Mean time per iteration of the last run",
		}, []string{"name"}),

		opsPerSecond: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "benchmark",
			Name:      "ops_per_second",
			Help:      "Throughput of the last run",
		}, []string{"name"}),

		samplesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "benchmark",
			Name:      "samples_total",
			Help:      "Total samples measured",
		}, []string{"name"}),

		changeRatio: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "baseline",
			Name:      "change_ratio",
			Help:      "Relative change of the mean against the baseline",
		}, []string{"name", "baseline"}),

		verdictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "baseline",
			Name:      "verdicts_total",
			Help:      "Baseline comparisons by verdict",
		}, []string{"verdict"}),

		failuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "benchmark",
			Name:      "failures_total",
			Help:      "Failed benchmarks by failure class",
		}, []string{"name", "class"}),

		batchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "protocol",
			Name:      "batches_total",
			Help:      "Batches exchanged with worker groups by status",
		}, []string{"name", "status"}),
	}
}
