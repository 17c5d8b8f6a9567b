// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package export ships the results of a finished run to external systems:
// an InfluxDB bucket for time series dashboards and a GCS bucket as a JSON
// archive.
package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/groupbench/pkg/engine"
	"github.com/AleutianAI/groupbench/pkg/logging"
)

// ErrDisabled is returned by Open when no exporter is configured.
var ErrDisabled = errors.New("export disabled")

// Run is everything exported about one driver invocation.
type Run struct {
	Session   string                 `json:"session"`
	Host      string                 `json:"host"`
	Baseline  string                 `json:"baseline,omitempty"`
	StartTime time.Time              `json:"start_time"`
	EndTime   time.Time              `json:"end_time"`
	Summary   engine.SummarySnapshot `json:"summary"`
}

// Exporter ships a finished run somewhere.
type Exporter interface {
	// Name identifies the exporter in logs.
	Name() string

	// Export sends run. It is called once per driver invocation.
	Export(ctx context.Context, run Run) error

	// Close releases clients and secrets.
	Close() error
}

// Config selects the exporters.
type Config struct {
	Influx InfluxConfig `yaml:"influx" json:"influx"`
	GCS    GCSConfig    `yaml:"gcs" json:"gcs"`
}

// Open builds the configured exporters.
//
// Outputs:
//
//	*Multi - Runs every configured exporter.
//	error - ErrDisabled when none is configured, or the first
//	        construction failure.
func Open(ctx context.Context, cfg Config, logger *logging.Logger) (*Multi, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	var exporters []Exporter
	if cfg.Influx.Enabled() {
		ix, err := NewInfluxExporter(cfg.Influx, logger)
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, ix)
	}
	if cfg.GCS.Enabled() {
		gx, err := NewGCSExporter(ctx, cfg.GCS, logger)
		if err != nil {
			closeAll(exporters)
			return nil, err
		}
		exporters = append(exporters, gx)
	}
	if len(exporters) == 0 {
		return nil, ErrDisabled
	}
	return NewMulti(logger, exporters...), nil
}

// Multi fans a run out to several exporters. A failing exporter does not
// stop the others.
type Multi struct {
	exporters []Exporter
	logger    *logging.Logger
}

// NewMulti combines exporters.
func NewMulti(logger *logging.Logger, exporters ...Exporter) *Multi {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Multi{exporters: exporters, logger: logger}
}

// Name implements Exporter.
func (m *Multi) Name() string { return "multi" }

// Export runs every exporter and joins their errors.
func (m *Multi) Export(ctx context.Context, run Run) error {
	var errs []error
	for _, x := range m.exporters {
		start := time.Now()
		if err := x.Export(ctx, run); err != nil {
			m.logger.Warn("export failed", "exporter", x.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", x.Name(), err))
			continue
		}
		m.logger.Info("results exported", "exporter", x.Name(), "duration", time.Since(start))
	}
	return errors.Join(errs...)
}

// Close closes every exporter.
func (m *Multi) Close() error {
	return closeAll(m.exporters)
}

func closeAll(exporters []Exporter) error {
	var errs []error
	for _, x := range exporters {
		if err := x.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
