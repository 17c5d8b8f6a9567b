// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry holds the benchmarks a groupbench binary can run.
//
// The same registry is built by the driver and by every worker process, so
// a benchmark is identified across processes by name alone.
package registry

import (
	"fmt"
	"regexp"
	"sync"
)

// Registry is an ordered set of benchmark descriptors.
//
// Description:
//
//	Benchmarks run in registration order. Names are unique.
//
// Thread Safety: Safe for concurrent use via read-write mutex.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Descriptor
	order  []string
}

// New creates a new empty registry.
//
// Outputs:
//   - *Registry: The new registry. Never nil.
func New() *Registry {
	return &Registry{byName: make(map[string]Descriptor)}
}

// Register adds a descriptor.
//
// Inputs:
//   - d: The descriptor. Must pass Validate.
//
// Outputs:
//   - error: nil on success, ErrInvalidDescriptor or ErrAlreadyRegistered.
//
// Thread Safety: Safe for concurrent use.
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, d.Name)
	}
	r.byName[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// MustRegister registers a descriptor and panics on error.
//
// Example:
//
//	reg.MustRegister(registry.Bench("p2p/ping", nil, ping))
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(fmt.Sprintf("registry: failed to register %q: %v", d.Name, err))
	}
}

// Get retrieves a descriptor by name.
//
// Outputs:
//   - Descriptor: The descriptor, zero value if not found.
//   - bool: true if found.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byName[name]
	return d, ok
}

// Lookup is Get with an ErrNotFound error instead of a bool.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	d, ok := r.Get(name)
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return d, nil
}

// List returns every registered name in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Descriptors returns every descriptor in registration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Match returns the descriptors whose name matches filter, in registration
// order. A nil filter matches everything.
func (r *Registry) Match(filter *regexp.Regexp) []Descriptor {
	all := r.Descriptors()
	if filter == nil {
		return all
	}
	out := all[:0]
	for _, d := range all {
		if filter.MatchString(d.Name) {
			out = append(out, d)
		}
	}
	return out
}

// Count returns the number of registered benchmarks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
