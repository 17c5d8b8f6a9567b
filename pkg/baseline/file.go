// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package baseline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/AleutianAI/groupbench/pkg/engine"
)

// FileStore keeps each baseline in its own directory:
//
//	<dir>/<baseline>/<escaped benchmark name>.json
//
// Benchmark names are path-escaped, so "group/function/param" stays one file.
type FileStore struct {
	dir string
	now func() time.Time
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("baseline directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create baseline directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func (s *FileStore) path(baseline, benchmark string) string {
	return filepath.Join(s.dir, baseline, url.PathEscape(benchmark)+".json")
}

// Save implements Store. The file is replaced atomically.
func (s *FileStore) Save(ctx context.Context, baseline string, r *engine.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateName(baseline); err != nil {
		return err
	}
	data, err := json.MarshalIndent(Record{Baseline: baseline, SavedAt: s.now().UTC(), Result: r}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", r.Name, err)
	}

	target := s.path(baseline, r.Name)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("create baseline %s: %w", baseline, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".save-*")
	if err != nil {
		return fmt.Errorf("save %s: %w", r.Name, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save %s: %w", r.Name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save %s: %w", r.Name, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("save %s: %w", r.Name, err)
	}
	return nil
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, baseline, benchmark string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateName(baseline); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(baseline, benchmark))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, benchmark, baseline)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", benchmark, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode %s in %s: %w", benchmark, baseline, err)
	}
	return &rec, nil
}

// List implements Store.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list baselines: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}
