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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/groupbench/pkg/comm"
	"github.com/AleutianAI/groupbench/pkg/protocol"
	"github.com/AleutianAI/groupbench/pkg/registry"
	"github.com/AleutianAI/groupbench/pkg/topology"
)

func TestRegister_Names(t *testing.T) {
	reg := registry.New()
	require.NoError(t, register(reg))

	names := reg.List()
	assert.Len(t, names, 1+2+2+len(messageSizes)+7)
	assert.Equal(t, "prefix-sum", names[0])
	assert.Contains(t, names, "collectives/broadcast")
	assert.Contains(t, names, "cmp-psum-reduce/all-reduce")
	assert.Contains(t, names, "collective-comm/message-size/256")
	assert.Contains(t, names, "gossiping/all-to-all/8")

	d, err := reg.Lookup("gossiping/all-to-all/5")
	require.NoError(t, err)
	assert.Equal(t, 5, d.GroupSize)
}

func TestRegister_IsDeterministic(t *testing.T) {
	a, b := registry.New(), registry.New()
	require.NoError(t, register(a))
	require.NoError(t, register(b))
	assert.Equal(t, a.List(), b.List())
}

func TestKernels_RunOnLocalGroup(t *testing.T) {
	reg := registry.New()
	require.NoError(t, register(reg))

	for _, name := range []string{
		"prefix-sum",
		"collectives/broadcast",
		"collectives/reduce",
		"cmp-psum-reduce/all-reduce",
		"collective-comm/message-size/4",
		"gossiping/all-to-all/3",
	} {
		t.Run(name, func(t *testing.T) {
			d, err := reg.Lookup(name)
			require.NoError(t, err)
			size := d.EffectiveGroupSize(3)
			err = comm.RunLocal(context.Background(), size, func(ctx context.Context, c *comm.Comm) error {
				role := topology.Role{Kind: topology.Worker, Rank: c.Rank()}
				input, err := protocol.Produce(ctx, d.Setup, c, role)
				if err != nil {
					return err
				}
				return d.Kernel(ctx, c, input)
			})
			assert.NoError(t, err)
		})
	}
}
