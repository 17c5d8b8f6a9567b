// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/groupbench/pkg/comm"
	"github.com/AleutianAI/groupbench/pkg/validation"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidDescriptor is returned when a descriptor fails validation.
	ErrInvalidDescriptor = errors.New("invalid benchmark descriptor")

	// ErrAlreadyRegistered is returned when a name is registered twice.
	ErrAlreadyRegistered = errors.New("benchmark already registered")

	// ErrNotFound is returned when a name is not registered.
	ErrNotFound = errors.New("benchmark not found")
)

// DefaultGroupSize is the number of workers used when neither the
// descriptor nor the configuration chooses one.
const DefaultGroupSize = 4

// -----------------------------------------------------------------------------
// Function types
// -----------------------------------------------------------------------------

// SetupFunc produces the input for one kernel invocation. It runs on every
// worker, once per invocation, outside the timed region. The returned value
// never leaves the worker that produced it.
type SetupFunc func(ctx context.Context, group comm.Communicator) (any, error)

// KernelFunc is the timed parallel body. Every worker runs it with the input
// its own SetupFunc produced.
type KernelFunc func(ctx context.Context, group comm.Communicator, input any) error

// -----------------------------------------------------------------------------
// Timing policy
// -----------------------------------------------------------------------------

// TimingPolicy selects which worker clocks make up a reported sample.
type TimingPolicy int

const (
	// TimingRankZero reports group rank 0's accumulated kernel time.
	TimingRankZero TimingPolicy = iota

	// TimingMean reports the mean of every worker's accumulated kernel time.
	TimingMean

	// TimingMax reports the slowest worker's accumulated kernel time.
	TimingMax
)

// String returns "rank0", "mean", "max" or "unknown".
func (p TimingPolicy) String() string {
	switch p {
	case TimingRankZero:
		return "rank0"
	case TimingMean:
		return "mean"
	case TimingMax:
		return "max"
	default:
		return "unknown"
	}
}

// ParseTimingPolicy is the inverse of TimingPolicy.String. The empty string
// selects TimingRankZero.
func ParseTimingPolicy(s string) (TimingPolicy, error) {
	switch strings.ToLower(s) {
	case "", "rank0":
		return TimingRankZero, nil
	case "mean":
		return TimingMean, nil
	case "max":
		return TimingMax, nil
	default:
		return TimingRankZero, fmt.Errorf("unknown timing policy %q", s)
	}
}

// -----------------------------------------------------------------------------
// Descriptor
// -----------------------------------------------------------------------------

// Descriptor describes one registered benchmark.
//
// Every process of a group builds the same registry, so a descriptor is
// looked up by Name on both the driver and the workers. Descriptors are
// immutable once registered.
type Descriptor struct {
	// Name is unique within a registry. Group builders produce
	// "group/function" or "group/function/parameter".
	Name string

	// GroupSize is the number of worker processes. Zero selects the
	// configured default.
	GroupSize int

	// Setup may be nil, in which case the kernel receives a nil input.
	Setup SetupFunc

	// Kernel is required.
	Kernel KernelFunc

	Timing TimingPolicy
}

// Validate checks the descriptor's invariants.
func (d Descriptor) Validate() error {
	if err := validation.ValidateBenchmarkName(d.Name); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	switch {
	case d.GroupSize < 0:
		return fmt.Errorf("%w: %s: group size %d", ErrInvalidDescriptor, d.Name, d.GroupSize)
	case d.Kernel == nil:
		return fmt.Errorf("%w: %s: nil kernel", ErrInvalidDescriptor, d.Name)
	case d.Timing < TimingRankZero || d.Timing > TimingMax:
		return fmt.Errorf("%w: %s: timing policy %d", ErrInvalidDescriptor, d.Name, d.Timing)
	}
	return nil
}

// EffectiveGroupSize returns GroupSize, or fallback when GroupSize is zero,
// or DefaultGroupSize when both are zero.
func (d Descriptor) EffectiveGroupSize(fallback int) int {
	switch {
	case d.GroupSize > 0:
		return d.GroupSize
	case fallback > 0:
		return fallback
	default:
		return DefaultGroupSize
	}
}

// -----------------------------------------------------------------------------
// Typed construction
// -----------------------------------------------------------------------------

// Option adjusts a Descriptor built by Bench.
type Option func(*Descriptor)

// WithGroupSize fixes the number of worker processes.
func WithGroupSize(n int) Option {
	return func(d *Descriptor) { d.GroupSize = n }
}

// WithTiming selects the timing policy.
func WithTiming(p TimingPolicy) Option {
	return func(d *Descriptor) { d.Timing = p }
}

// Bench builds a Descriptor from a typed setup/kernel pair.
//
// Description:
//
//	T is the kernel input type. The type erasure needed to store
//	heterogeneous benchmarks in one registry happens here, so kernels never
//	see an untyped value. A nil setup hands the zero T to the kernel.
//
// Example:
//
//	d := registry.Bench("collectives/bcast",
//	    func(ctx context.Context, g comm.Communicator) ([]byte, error) {
//	        return make([]byte, 1024), nil
//	    },
//	    func(ctx context.Context, g comm.Communicator, buf []byte) error {
//	        _, err := g.Broadcast(ctx, 0, buf)
//	        return err
//	    },
//	    registry.WithGroupSize(8),
//	)
func Bench[T any](
	name string,
	setup func(ctx context.Context, group comm.Communicator) (T, error),
	kernel func(ctx context.Context, group comm.Communicator, input T) error,
	opts ...Option,
) Descriptor {
	d := Descriptor{Name: name}
	if setup != nil {
		d.Setup = func(ctx context.Context, group comm.Communicator) (any, error) {
			return setup(ctx, group)
		}
	}
	if kernel != nil {
		d.Kernel = func(ctx context.Context, group comm.Communicator, input any) error {
			typed, _ := input.(T)
			return kernel(ctx, group, typed)
		}
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}
