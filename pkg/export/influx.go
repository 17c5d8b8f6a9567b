// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/awnumar/memguard"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/groupbench/pkg/engine"
	"github.com/AleutianAI/groupbench/pkg/logging"
	"github.com/AleutianAI/groupbench/pkg/validation"
)

// ErrNoToken is returned when the token environment variable is empty.
var ErrNoToken = errors.New("influx token not set")

// InfluxConfig configures the InfluxDB exporter. The exporter is enabled
// when URL is set.
type InfluxConfig struct {
	URL         string `yaml:"url" json:"url" validate:"omitempty,url"`
	Org         string `yaml:"org" json:"org" validate:"required_with=URL"`
	Bucket      string `yaml:"bucket" json:"bucket" validate:"required_with=URL"`
	Measurement string `yaml:"measurement" json:"measurement"`

	// TokenEnv names the environment variable holding the API token.
	// Default: GROUPBENCH_INFLUX_TOKEN
	TokenEnv string `yaml:"token_env" json:"token_env"`
}

// Enabled reports whether the exporter is configured.
func (c InfluxConfig) Enabled() bool {
	return c.URL != ""
}

// writerFactory opens a blocking write API with the given token and
// returns it along with a function closing the underlying client.
type writerFactory func(token string) (api.WriteAPIBlocking, func())

// InfluxExporter writes one point per benchmark result.
//
// The API token is sealed in a memguard enclave from construction until
// Close and is only decrypted while a client is open.
//
// Thread Safety: Safe for concurrent use.
type InfluxExporter struct {
	cfg       InfluxConfig
	token     *memguard.Enclave
	newWriter writerFactory
	logger    *logging.Logger
}

// NewInfluxExporter reads the token from the environment and seals it.
func NewInfluxExporter(cfg InfluxConfig, logger *logging.Logger) (*InfluxExporter, error) {
	if cfg.TokenEnv == "" {
		cfg.TokenEnv = "GROUPBENCH_INFLUX_TOKEN"
	}
	if cfg.Measurement != "" {
		if err := validation.ValidateMeasurement(cfg.Measurement); err != nil {
			return nil, err
		}
	}
	raw := os.Getenv(cfg.TokenEnv)
	if raw == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoToken, cfg.TokenEnv)
	}
	return newInfluxExporter(cfg, []byte(raw), func(token string) (api.WriteAPIBlocking, func()) {
		client := influxdb2.NewClient(cfg.URL, token)
		return client.WriteAPIBlocking(cfg.Org, cfg.Bucket), client.Close
	}, logger), nil
}

// newInfluxExporter seals token, wiping the slice.
func newInfluxExporter(cfg InfluxConfig, token []byte, factory writerFactory, logger *logging.Logger) *InfluxExporter {
	if cfg.Measurement == "" {
		cfg.Measurement = "groupbench"
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &InfluxExporter{
		cfg:       cfg,
		token:     memguard.NewEnclave(token),
		newWriter: factory,
		logger:    logger.With("exporter", "influx", "bucket", cfg.Bucket),
	}
}

// Name implements Exporter.
func (x *InfluxExporter) Name() string { return "influx" }

// Export writes every result of run as a point.
func (x *InfluxExporter) Export(ctx context.Context, run Run) error {
	points := Points(x.cfg.Measurement, run)
	if len(points) == 0 {
		return nil
	}
	if x.token == nil {
		return errors.New("influx exporter closed")
	}

	buf, err := x.token.Open()
	if err != nil {
		return fmt.Errorf("open influx token: %w", err)
	}
	writer, closeClient := x.newWriter(buf.String())
	buf.Destroy()
	defer closeClient()

	if err := writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write %d points: %w", len(points), err)
	}
	x.logger.Debug("points written", "count", len(points), "session", run.Session)
	return nil
}

// Close drops the sealed token.
func (x *InfluxExporter) Close() error {
	x.token = nil
	return nil
}

// Points converts the results of run into line-protocol points, one per
// benchmark, stamped with the benchmark's end time.
func Points(measurement string, run Run) []*write.Point {
	points := make([]*write.Point, 0, len(run.Summary.Results))
	for _, r := range run.Summary.Results {
		points = append(points, resultPoint(measurement, run, r))
	}
	return points
}

func resultPoint(measurement string, run Run, r *engine.Result) *write.Point {
	tags := map[string]string{
		"benchmark": r.Name,
		"session":   run.Session,
		"partial":   strconv.FormatBool(r.Partial),
	}
	if run.Host != "" {
		tags["host"] = run.Host
	}
	fields := map[string]any{
		"mean_ns":        r.Latency.Mean.Nanoseconds(),
		"median_ns":      r.Latency.Median.Nanoseconds(),
		"stddev_ns":      r.Latency.StdDev.Nanoseconds(),
		"p99_ns":         r.Latency.P99.Nanoseconds(),
		"ci_lower_ns":    r.Confidence.Lower.Nanoseconds(),
		"ci_upper_ns":    r.Confidence.Upper.Nanoseconds(),
		"ops_per_second": r.OpsPerSecond,
		"samples":        len(r.Samples),
		"iterations":     r.TotalIterations,
	}
	if r.Change != nil {
		tags["baseline"] = r.Change.Baseline
		tags["verdict"] = r.Change.Verdict.String()
		fields["mean_change"] = r.Change.MeanChange
		fields["p_value"] = r.Change.PValue
	}
	return influxdb2.NewPoint(measurement, tags, fields, r.EndTime)
}
