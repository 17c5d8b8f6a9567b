// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package topology establishes the coordinator/worker layout of a group.
//
// World rank 0 is the coordinator. Every other world rank is a worker, and
// the workers share a Group communicator that excludes the coordinator:
//
//	world:  0(coordinator)  1   2   3   4
//	group:                  0   1   2   3
//
// The Group is built once per group lifetime with a single collective split.
package topology

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/groupbench/pkg/comm"
)

// ErrTopology is returned when the world cannot form a valid group.
var ErrTopology = errors.New("invalid group topology")

// Kind distinguishes the coordinator from workers.
type Kind int

const (
	Coordinator Kind = iota
	Worker
)

// String returns "coordinator" or "worker".
func (k Kind) String() string {
	if k == Coordinator {
		return "coordinator"
	}
	return "worker"
}

// Role is a process's role. Rank is the group rank for workers and -1 for
// the coordinator.
type Role struct {
	Kind Kind
	Rank int
}

// IsCoordinator reports whether the role is the coordinator.
func (r Role) IsCoordinator() bool { return r.Kind == Coordinator }

// String returns "coordinator" or "worker/<rank>".
func (r Role) String() string {
	if r.IsCoordinator() {
		return "coordinator"
	}
	return fmt.Sprintf("worker/%d", r.Rank)
}

// Topology is the resolved layout seen by one process. It is immutable.
type Topology struct {
	Role Role

	// World contains the coordinator and every worker.
	World comm.Communicator

	// Group contains only the workers. Nil on the coordinator.
	Group comm.Communicator
}

// GroupSize returns the number of workers.
func (t *Topology) GroupSize() int {
	return t.World.Size() - 1
}

// IsTimingRank reports whether this process reports results: the worker
// with group rank 0.
func (t *Topology) IsTimingRank() bool {
	return t.Role.Kind == Worker && t.Role.Rank == 0
}

// Resolve determines the caller's role and builds the worker Group.
//
// Description:
//
//	Every world member calls Resolve once. launchedAsCoordinator is the
//	role the process was started with. The flags of every member are
//	exchanged so that all members agree on failure: the world must contain
//	exactly one coordinator and it must be world rank 0. The Group is then
//	split off with the coordinator excluded and workers keyed by world rank,
//	so group rank r is world rank r+1.
//
// Inputs:
//
//	ctx - Bounds the collectives.
//	world - The world communicator.
//	launchedAsCoordinator - Whether this process was started as the driver.
//
// Outputs:
//
//	*Topology - The resolved layout.
//	error - Wraps ErrTopology for invalid layouts, or a transport error.
func Resolve(ctx context.Context, world comm.Communicator, launchedAsCoordinator bool) (*Topology, error) {
	if world.Size() < 2 {
		return nil, fmt.Errorf("%w: world of %d has no workers", ErrTopology, world.Size())
	}

	flag := []byte{0}
	if launchedAsCoordinator {
		flag[0] = 1
	}
	flags, err := comm.AllGather(ctx, world, flag)
	if err != nil {
		return nil, fmt.Errorf("exchange roles: %w", err)
	}

	var coordinators []int
	for rank, f := range flags {
		if len(f) == 1 && f[0] == 1 {
			coordinators = append(coordinators, rank)
		}
	}
	if len(coordinators) != 1 || coordinators[0] != 0 {
		return nil, fmt.Errorf("%w: need exactly one coordinator at world rank 0, found %v", ErrTopology, coordinators)
	}

	color := 0
	if launchedAsCoordinator {
		color = comm.Undefined
	}
	group, err := world.Split(ctx, color, world.Rank())
	if err != nil {
		return nil, fmt.Errorf("split group: %w", err)
	}

	if launchedAsCoordinator {
		return &Topology{Role: Role{Kind: Coordinator, Rank: -1}, World: world}, nil
	}

	if group == nil || group.Size() != world.Size()-1 || group.Rank() != world.Rank()-1 {
		return nil, fmt.Errorf("%w: world rank %d landed in an unexpected group", ErrTopology, world.Rank())
	}
	return &Topology{
		Role:  Role{Kind: Worker, Rank: group.Rank()},
		World: world,
		Group: group,
	}, nil
}
