// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package baseline persists benchmark results under a name and compares
// later runs against them.
//
// Two backends exist: FileStore writes one JSON document per benchmark under
// a directory per baseline, BadgerStore keeps the same documents in an
// embedded BadgerDB.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/groupbench/pkg/engine"
	"github.com/AleutianAI/groupbench/pkg/logging"
	"github.com/AleutianAI/groupbench/pkg/validation"
)

var (
	// ErrNotFound indicates no saved result for the baseline and benchmark.
	ErrNotFound = errors.New("baseline not found")

	// ErrInvalidName indicates a baseline name that cannot be stored.
	ErrInvalidName = validation.ErrInvalidName
)

// ValidateName checks a baseline name.
func ValidateName(name string) error {
	return validation.ValidateBaselineName(name)
}

// Record is one saved benchmark result.
type Record struct {
	Baseline string         `json:"baseline"`
	SavedAt  time.Time      `json:"saved_at"`
	Result   *engine.Result `json:"result"`
}

// Store persists baselines.
type Store interface {
	// Save stores r under baseline, replacing an earlier record of the
	// same benchmark.
	Save(ctx context.Context, baseline string, r *engine.Result) error

	// Load returns the record of benchmark in baseline or ErrNotFound.
	Load(ctx context.Context, baseline, benchmark string) (*Record, error)

	// List returns the saved baseline names in lexical order.
	List(ctx context.Context) ([]string, error)

	// Close releases the store.
	Close() error
}

// Backend names.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

// Config selects and configures a store.
type Config struct {
	// Backend is BackendFile or BackendBadger.
	// Default: file
	Backend string `yaml:"backend" validate:"oneof=file badger"`

	// Dir holds the baselines.
	// Default: .groupbench/baselines
	Dir string `yaml:"dir" validate:"required"`

	// SyncWrites makes badger writes durable before Save returns.
	SyncWrites bool `yaml:"sync_writes"`
}

// DefaultConfig returns the file backend under .groupbench/baselines.
func DefaultConfig() Config {
	return Config{Backend: BackendFile, Dir: ".groupbench/baselines", SyncWrites: true}
}

// Open opens the configured store.
func Open(cfg Config, logger *logging.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendFile, "":
		return NewFileStore(cfg.Dir)
	case BackendBadger:
		return OpenBadger(BadgerConfig{Path: cfg.Dir, SyncWrites: cfg.SyncWrites, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown baseline backend %q", cfg.Backend)
	}
}

// Comparator attaches baseline comparisons to fresh results.
type Comparator struct {
	store  Store
	engine engine.Config
	now    func() time.Time
}

// NewComparator creates a Comparator using the engine's significance and
// noise thresholds.
func NewComparator(store Store, cfg engine.Config) *Comparator {
	return &Comparator{store: store, engine: cfg, now: time.Now}
}

// Compare loads benchmark r.Name from baseline and sets r.Change.
//
// Outputs:
//
//	error - ErrNotFound when the baseline lacks the benchmark; r is
//	        unchanged in that case.
func (c *Comparator) Compare(ctx context.Context, baseline string, r *engine.Result) error {
	rec, err := c.store.Load(ctx, baseline, r.Name)
	if err != nil {
		return err
	}
	change, err := engine.Compare(r, rec.Result, c.engine)
	if err != nil {
		return fmt.Errorf("compare with baseline %s: %w", baseline, err)
	}
	change.Baseline = baseline
	r.Change = change
	return nil
}

// Save stores r under baseline.
func (c *Comparator) Save(ctx context.Context, baseline string, r *engine.Result) error {
	return c.store.Save(ctx, baseline, r)
}
