// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"

	"github.com/AleutianAI/groupbench/pkg/comm"
	"github.com/AleutianAI/groupbench/pkg/registry"
)

// messageSizes are the per-destination element counts of the all-to-all
// message-size sweep.
var messageSizes = []int{1, 2, 4, 8, 16, 32, 64, 128, 256}

// rankValue is the setup of the scalar kernels: every rank contributes its
// own rank number.
func rankValue(_ context.Context, c comm.Communicator) (uint64, error) {
	return uint64(c.Rank()), nil
}

func prefixSum(ctx context.Context, c comm.Communicator, v uint64) error {
	_, err := comm.Scan(ctx, c, []uint64{v}, comm.OpSum)
	return err
}

func allReduceSum(ctx context.Context, c comm.Communicator, v uint64) error {
	_, err := comm.AllReduce(ctx, c, []uint64{v}, comm.OpSum)
	return err
}

func broadcastFromRoot(ctx context.Context, c comm.Communicator, v uint64) error {
	var payload []byte
	if c.Rank() == 0 {
		var err error
		if payload, err = comm.EncodeValues([]uint64{v}); err != nil {
			return err
		}
	}
	_, err := c.Broadcast(ctx, 0, payload)
	return err
}

func reduceToRoot(ctx context.Context, c comm.Communicator, v uint64) error {
	_, err := comm.Reduce(ctx, c, 0, []uint64{v}, comm.OpSum)
	return err
}

// allToAll sends an equal share of data to every member.
func allToAll(ctx context.Context, c comm.Communicator, data []uint64) error {
	size := c.Size()
	if len(data)%size != 0 {
		return fmt.Errorf("%d values do not split over %d members", len(data), size)
	}
	share := len(data) / size
	blocks := make([][]byte, size)
	for dst := range size {
		b, err := comm.EncodeValues(data[dst*share : (dst+1)*share])
		if err != nil {
			return err
		}
		blocks[dst] = b
	}
	_, err := comm.AllToAll(ctx, c, blocks)
	return err
}

// registerPrefixSum is the single-benchmark case.
func registerPrefixSum(reg *registry.Registry) error {
	return reg.Register(registry.Bench("prefix-sum", rankValue, prefixSum))
}

// registerCollectives registers broadcast and reduce as separate groups.
func registerCollectives(reg *registry.Registry) error {
	if err := registry.Add(reg.Group("collectives"), "broadcast", rankValue, broadcastFromRoot).Err(); err != nil {
		return err
	}
	return registry.Add(reg.Group("collectives"), "reduce", rankValue, reduceToRoot).Err()
}

// registerScanVersusAllReduce compares two kernels over the same input.
func registerScanVersusAllReduce(reg *registry.Registry) error {
	g := reg.Group("cmp-psum-reduce")
	registry.Add(g, "prefix-sum", rankValue, prefixSum)
	registry.Add(g, "all-reduce", rankValue, allReduceSum)
	return g.Err()
}

// registerMessageSizes sweeps the all-to-all message size.
func registerMessageSizes(reg *registry.Registry) error {
	g := reg.Group("collective-comm")
	for _, n := range messageSizes {
		registry.AddWithInput(g, "message-size", n,
			func(_ context.Context, c comm.Communicator, n int) ([]uint64, error) {
				data := make([]uint64, c.Size()*n)
				for i := range data {
					data[i] = uint64(i)
				}
				return data, nil
			},
			allToAll)
	}
	return g.Err()
}

// registerGossip runs the same all-to-all on groups of 2 to 8 workers.
func registerGossip(reg *registry.Registry) error {
	g := reg.Group("gossiping")
	for size := 2; size <= 8; size++ {
		registry.AddWithInput(g.GroupSize(size), "all-to-all", size,
			func(_ context.Context, c comm.Communicator, _ int) ([]uint64, error) {
				data := make([]uint64, c.Size())
				for i := range data {
					data[i] = uint64(c.Rank())
				}
				return data, nil
			},
			allToAll)
	}
	return g.Err()
}
