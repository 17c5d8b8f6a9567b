// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package protocol

import (
	"context"
	"fmt"

	"github.com/AleutianAI/groupbench/pkg/comm"
)

// timingWorldRank is the world rank of group rank 0.
const timingWorldRank = 1

// ControlChannel is the coordinator's end of the request/result exchange.
//
// Requests and results strictly alternate: a second request cannot be issued
// while one is outstanding, and a result must carry the Seq of the
// outstanding request.
//
// Thread Safety: Not safe for concurrent use.
type ControlChannel struct {
	world       comm.Communicator
	seq         uint64
	outstanding *IterationRequest
	terminated  bool
}

// NewControlChannel creates the channel over the world communicator. The
// caller must be world rank 0.
func NewControlChannel(world comm.Communicator) (*ControlChannel, error) {
	if world.Rank() != 0 {
		return nil, violation("control channel opened on world rank %d", world.Rank())
	}
	if world.Size() < 2 {
		return nil, NewFailure(ClassTopology, "", -1, fmt.Errorf("world of %d has no workers", world.Size()))
	}
	return &ControlChannel{world: world}, nil
}

// Request broadcasts a request for iterations invocations.
func (c *ControlChannel) Request(ctx context.Context, iterations uint64) (IterationRequest, error) {
	if c.terminated {
		return IterationRequest{}, violation("request after termination")
	}
	if c.outstanding != nil {
		return IterationRequest{}, violation("request while seq %d is outstanding", c.outstanding.Seq)
	}
	if iterations == 0 {
		return IterationRequest{}, violation("request for zero iterations")
	}

	req := IterationRequest{Seq: c.seq + 1, Iterations: iterations}
	if _, err := c.world.Broadcast(ctx, 0, req.Marshal()); err != nil {
		return IterationRequest{}, fmt.Errorf("broadcast request %d: %w", req.Seq, err)
	}
	c.seq = req.Seq
	c.outstanding = &req
	return req, nil
}

// AwaitResult blocks for the result of the outstanding request.
func (c *ControlChannel) AwaitResult(ctx context.Context) (TimingResult, error) {
	if c.outstanding == nil {
		return TimingResult{}, violation("await without an outstanding request")
	}

	raw, err := c.world.Recv(ctx, timingWorldRank, TagResult)
	if err != nil {
		return TimingResult{}, fmt.Errorf("await result %d: %w", c.outstanding.Seq, err)
	}
	res, err := UnmarshalTimingResult(raw)
	if err != nil {
		return TimingResult{}, err
	}
	if res.Seq != c.outstanding.Seq {
		return TimingResult{}, violation("result seq %d for outstanding request %d", res.Seq, c.outstanding.Seq)
	}
	if !res.Failed() && res.Completed != c.outstanding.Iterations {
		return TimingResult{}, violation("result covers %d of %d iterations", res.Completed, c.outstanding.Iterations)
	}
	c.outstanding = nil
	return res, nil
}

// Terminate broadcasts the termination sentinel. Calling it again is a
// no-op.
func (c *ControlChannel) Terminate(ctx context.Context) error {
	if c.terminated {
		return nil
	}
	if c.outstanding != nil {
		return violation("terminate while seq %d is outstanding", c.outstanding.Seq)
	}
	req := IterationRequest{Seq: c.seq + 1}
	if _, err := c.world.Broadcast(ctx, 0, req.Marshal()); err != nil {
		return fmt.Errorf("broadcast termination: %w", err)
	}
	c.seq = req.Seq
	c.terminated = true
	return nil
}

// Terminated reports whether the sentinel was sent.
func (c *ControlChannel) Terminated() bool {
	return c.terminated
}
