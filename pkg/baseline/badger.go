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
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/groupbench/pkg/engine"
	"github.com/AleutianAI/groupbench/pkg/logging"
)

// keyPrefix namespaces baseline records: baseline/<name>/<benchmark>.
const keyPrefix = "baseline/"

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps the database in memory. Used by tests.
	InMemory bool

	// SyncWrites makes every commit durable before returning.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *logging.Logger
}

// badgerLogger adapts logging.Logger to badger.Logger.
type badgerLogger struct {
	logger *logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// BadgerStore keeps baselines in an embedded BadgerDB.
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadger opens or creates the database.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent baseline database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open baseline database: %w", err)
	}
	return &BadgerStore{db: db, now: time.Now}, nil
}

func recordKey(baseline, benchmark string) []byte {
	return []byte(keyPrefix + baseline + "/" + benchmark)
}

// Save implements Store.
func (s *BadgerStore) Save(ctx context.Context, baseline string, r *engine.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateName(baseline); err != nil {
		return err
	}
	data, err := json.Marshal(Record{Baseline: baseline, SavedAt: s.now().UTC(), Result: r})
	if err != nil {
		return fmt.Errorf("encode %s: %w", r.Name, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(baseline, r.Name), data)
	})
	if err != nil {
		return fmt.Errorf("save %s: %w", r.Name, err)
	}
	return nil
}

// Load implements Store.
func (s *BadgerStore) Load(ctx context.Context, baseline, benchmark string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateName(baseline); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(baseline, benchmark))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
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
func (s *BadgerStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), keyPrefix)
			name, _, _ := strings.Cut(rest, "/")
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list baselines: %w", err)
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
