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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/groupbench/pkg/engine"
)

func sampleResult(name string, perIteration ...time.Duration) *engine.Result {
	r := &engine.Result{Name: name}
	for _, d := range perIteration {
		r.Samples = append(r.Samples, engine.Sample{Iterations: 1, Elapsed: d})
	}
	r.Latency.Mean = perIteration[0]
	return r
}

// storeFactories lets every test run against both backends.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
		"badger": func(t *testing.T) Store {
			s, err := OpenBadger(BadgerConfig{InMemory: true})
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore_SaveLoad(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			defer store.Close()
			ctx := context.Background()

			r := sampleResult("collectives/alltoall/1024", 10, 11, 12)
			require.NoError(t, store.Save(ctx, "main", r))

			rec, err := store.Load(ctx, "main", "collectives/alltoall/1024")
			require.NoError(t, err)
			assert.Equal(t, "main", rec.Baseline)
			assert.False(t, rec.SavedAt.IsZero())
			assert.Equal(t, r.Name, rec.Result.Name)
			assert.Equal(t, r.Samples, rec.Result.Samples)

			// A second save replaces the first.
			require.NoError(t, store.Save(ctx, "main", sampleResult("collectives/alltoall/1024", 20, 21)))
			rec, err = store.Load(ctx, "main", "collectives/alltoall/1024")
			require.NoError(t, err)
			assert.Len(t, rec.Result.Samples, 2)
		})
	}
}

func TestStore_LoadMissing(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			defer store.Close()

			_, err := store.Load(context.Background(), "main", "absent")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_List(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			defer store.Close()
			ctx := context.Background()

			for _, b := range []string{"a", "a-b", "main", "a"} {
				require.NoError(t, store.Save(ctx, b, sampleResult("x/"+b, 1, 2)))
			}
			require.NoError(t, store.Save(ctx, "a", sampleResult("y", 1, 2)))

			names, err := store.List(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "a-b", "main"}, names)
		})
	}
}

func TestStore_RejectsInvalidNames(t *testing.T) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			defer store.Close()

			err := store.Save(context.Background(), "../escape", sampleResult("x", 1))
			assert.ErrorIs(t, err, ErrInvalidName)
			_, err = store.Load(context.Background(), "", "x")
			assert.ErrorIs(t, err, ErrInvalidName)
		})
	}
}

func TestStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			defer store.Close()
			assert.ErrorIs(t, store.Save(ctx, "main", sampleResult("x", 1)), context.Canceled)
		})
	}
}

func TestBadgerStore_Persists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := OpenBadger(BadgerConfig{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "nightly", sampleResult("reduce", 5, 6)))
	require.NoError(t, store.Close())

	store, err = OpenBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer store.Close()
	rec, err := store.Load(ctx, "nightly", "reduce")
	require.NoError(t, err)
	assert.Equal(t, "reduce", rec.Result.Name)
}

func TestOpenBadger_RequiresPath(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{})
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	s, err := Open(Config{Backend: BackendFile, Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(Config{Backend: BackendBadger, Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(Config{Backend: "s3", Dir: t.TempDir()}, nil)
	assert.Error(t, err)
}

func TestComparator(t *testing.T) {
	store, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	c := NewComparator(store, engine.DefaultConfig())

	old := sampleResult("scan", 1000, 1001, 999, 1000, 1002, 998)
	require.NoError(t, c.Save(ctx, "main", old))

	slower := sampleResult("scan", 2000, 2001, 1999, 2000, 2002, 1998)
	require.NoError(t, c.Compare(ctx, "main", slower))
	require.NotNil(t, slower.Change)
	assert.Equal(t, "main", slower.Change.Baseline)
	assert.Equal(t, engine.VerdictRegressed, slower.Change.Verdict)

	fresh := sampleResult("other", 1, 2, 3)
	assert.ErrorIs(t, c.Compare(ctx, "main", fresh), ErrNotFound)
	assert.Nil(t, fresh.Change)
}

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"main", "v1.2", "pr-42", "nightly_2025"} {
		assert.NoError(t, ValidateName(ok), ok)
	}
	for _, bad := range []string{"", ".hidden", "a/b", "-flag", "sp ace"} {
		assert.ErrorIs(t, ValidateName(bad), ErrInvalidName, bad)
	}
}
