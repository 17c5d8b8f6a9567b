// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package topology

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/groupbench/pkg/comm"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestResolve_GroupExcludesCoordinator(t *testing.T) {
	for worldSize := 2; worldSize <= 7; worldSize++ {
		t.Run(fmt.Sprintf("world=%d", worldSize), func(t *testing.T) {
			err := comm.RunLocal(testContext(t), worldSize, func(ctx context.Context, c *comm.Comm) error {
				topo, err := Resolve(ctx, c, c.Rank() == 0)
				if err != nil {
					return err
				}
				if topo.GroupSize() != worldSize-1 {
					return fmt.Errorf("group size %d", topo.GroupSize())
				}
				if c.Rank() == 0 {
					if !topo.Role.IsCoordinator() || topo.Group != nil || topo.IsTimingRank() {
						return fmt.Errorf("coordinator resolved as %v", topo.Role)
					}
					return nil
				}
				if topo.Role.Rank != c.Rank()-1 || topo.Group.Rank() != c.Rank()-1 {
					return fmt.Errorf("world %d resolved as %v", c.Rank(), topo.Role)
				}
				if topo.IsTimingRank() != (c.Rank() == 1) {
					return errors.New("wrong timing rank")
				}

				// The group communicator must reach exactly the workers.
				got, err := topo.Group.Broadcast(ctx, 0, []byte{byte(c.Rank())})
				if err != nil {
					return err
				}
				if got[0] != 1 {
					return fmt.Errorf("group broadcast root was world rank %d", got[0])
				}
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestResolve_WorldTooSmall(t *testing.T) {
	world := comm.NewLocalWorld(1)
	_, err := Resolve(testContext(t), world[0], true)
	assert.ErrorIs(t, err, ErrTopology)
}

func TestResolve_RejectsBadCoordinatorCounts(t *testing.T) {
	tests := []struct {
		name        string
		coordinator func(rank int) bool
	}{
		{"none", func(int) bool { return false }},
		{"two", func(rank int) bool { return rank <= 1 }},
		{"not rank zero", func(rank int) bool { return rank == 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testContext(t)
			world := comm.NewLocalWorld(4)
			errs := make(chan error, len(world))
			for _, c := range world {
				go func() {
					_, err := Resolve(ctx, c, tt.coordinator(c.Rank()))
					errs <- err
				}()
			}
			for range world {
				assert.ErrorIs(t, <-errs, ErrTopology)
			}
		})
	}
}

func TestRole_String(t *testing.T) {
	assert.Equal(t, "coordinator", Role{Kind: Coordinator, Rank: -1}.String())
	assert.Equal(t, "worker/2", Role{Kind: Worker, Rank: 2}.String())
	assert.Equal(t, "worker", Worker.String())
}
