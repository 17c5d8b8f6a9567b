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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/groupbench/pkg/logging"
)

// GCSConfig configures the archive exporter. The exporter is enabled when
// Bucket is set.
type GCSConfig struct {
	Bucket string `yaml:"bucket" json:"bucket"`

	// Prefix is prepended to object names. Default: groupbench
	Prefix string `yaml:"prefix" json:"prefix"`

	// CredentialsFile is a service account key. Empty uses the
	// application default credentials.
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file" validate:"omitempty,file"`
}

// Enabled reports whether the exporter is configured.
func (c GCSConfig) Enabled() bool {
	return c.Bucket != ""
}

// objectOpener returns a writer for an object; closing it commits the
// object.
type objectOpener func(ctx context.Context, object string) io.WriteCloser

// GCSExporter archives each run as one JSON object named
// <prefix>/<session>.json.
type GCSExporter struct {
	cfg    GCSConfig
	open   objectOpener
	close  func() error
	logger *logging.Logger
}

// NewGCSExporter creates the storage client.
func NewGCSExporter(ctx context.Context, cfg GCSConfig, logger *logging.Logger) (*GCSExporter, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("service account key %s: %w", cfg.CredentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}

	bucket := client.Bucket(cfg.Bucket)
	open := func(ctx context.Context, object string) io.WriteCloser {
		w := bucket.Object(object).NewWriter(ctx)
		w.ContentType = "application/json"
		w.CacheControl = "no-cache"
		return w
	}
	return newGCSExporter(cfg, open, client.Close, logger), nil
}

func newGCSExporter(cfg GCSConfig, open objectOpener, closeFn func() error, logger *logging.Logger) *GCSExporter {
	if cfg.Prefix == "" {
		cfg.Prefix = "groupbench"
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &GCSExporter{
		cfg:    cfg,
		open:   open,
		close:  closeFn,
		logger: logger.With("exporter", "gcs", "bucket", cfg.Bucket),
	}
}

// Name implements Exporter.
func (x *GCSExporter) Name() string { return "gcs" }

// ObjectName returns the object a run is archived under.
func (x *GCSExporter) ObjectName(run Run) string {
	return path.Join(x.cfg.Prefix, run.Session+".json")
}

// Export uploads run as indented JSON.
func (x *GCSExporter) Export(ctx context.Context, run Run) error {
	object := x.ObjectName(run)
	w := x.open(ctx, object)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(run); err != nil {
		_ = w.Close()
		return fmt.Errorf("encode run to gs://%s/%s: %w", x.cfg.Bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close GCS writer for %s: %w", object, err)
	}
	x.logger.Info("run archived", "object", "gs://"+x.cfg.Bucket+"/"+object)
	return nil
}

// Close closes the storage client.
func (x *GCSExporter) Close() error {
	if x.close == nil {
		return nil
	}
	return x.close()
}
