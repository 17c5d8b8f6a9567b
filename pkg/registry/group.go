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
	"fmt"

	"github.com/AleutianAI/groupbench/pkg/comm"
)

// Group registers related benchmarks under a common name prefix.
//
// Settings made on the group apply to benchmarks added after them, so one
// group can register the same kernel at several group sizes:
//
//	g := reg.Group("gossip")
//	for n := 2; n <= 8; n++ {
//	    registry.AddWithInput(g.GroupSize(n), "alltoall", n, setup, kernel)
//	}
//	if err := g.Err(); err != nil { ... }
//
// The first registration error is kept and later adds become no-ops.
type Group struct {
	reg  *Registry
	name string
	opts []Option
	err  error
}

// Group starts a benchmark group.
func (r *Registry) Group(name string) *Group {
	g := &Group{reg: r, name: name}
	if name == "" {
		g.err = fmt.Errorf("%w: empty group name", ErrInvalidDescriptor)
	}
	return g
}

// GroupSize sets the worker count for benchmarks added afterwards.
func (g *Group) GroupSize(n int) *Group {
	g.opts = append(g.opts, WithGroupSize(n))
	return g
}

// Timing sets the timing policy for benchmarks added afterwards.
func (g *Group) Timing(p TimingPolicy) *Group {
	g.opts = append(g.opts, WithTiming(p))
	return g
}

// Err returns the first registration error of the group.
func (g *Group) Err() error {
	return g.err
}

func (g *Group) register(d Descriptor) {
	if g.err != nil {
		return
	}
	if err := g.reg.Register(d); err != nil {
		g.err = fmt.Errorf("group %s: %w", g.name, err)
	}
}

// Add registers "<group>/<function>".
func Add[T any](
	g *Group,
	function string,
	setup func(ctx context.Context, group comm.Communicator) (T, error),
	kernel func(ctx context.Context, group comm.Communicator, input T) error,
) *Group {
	g.register(Bench(g.name+"/"+function, setup, kernel, g.opts...))
	return g
}

// AddWithInput registers "<group>/<function>/<param>". The parameter is
// captured at registration and handed to setup on every invocation; every
// process builds the same registry, so no parameter crosses a process
// boundary.
func AddWithInput[P, T any](
	g *Group,
	function string,
	param P,
	setup func(ctx context.Context, group comm.Communicator, param P) (T, error),
	kernel func(ctx context.Context, group comm.Communicator, input T) error,
) *Group {
	name := fmt.Sprintf("%s/%s/%v", g.name, function, param)
	var bound func(ctx context.Context, group comm.Communicator) (T, error)
	if setup != nil {
		bound = func(ctx context.Context, group comm.Communicator) (T, error) {
			return setup(ctx, group, param)
		}
	}
	g.register(Bench(name, bound, kernel, g.opts...))
	return g
}
