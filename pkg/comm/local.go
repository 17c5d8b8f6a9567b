// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package comm

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// localTransport connects ranks that live in one process. Each rank is
// normally driven by its own goroutine.
type localTransport struct {
	rank  int
	boxes []*Mailbox
}

func (t *localTransport) WorldRank() int    { return t.rank }
func (t *localTransport) WorldSize() int    { return len(t.boxes) }
func (t *localTransport) Mailbox() *Mailbox { return t.boxes[t.rank] }

func (t *localTransport) Close() error {
	t.boxes[t.rank].Close(ErrClosed)
	return nil
}

func (t *localTransport) Deliver(_ context.Context, dst int, f Frame) error {
	if dst < 0 || dst >= len(t.boxes) {
		return fmt.Errorf("%w: deliver to %d of %d", ErrRankOutOfRange, dst, len(t.boxes))
	}
	t.boxes[dst].Put(f)
	return nil
}

// NewLocalWorld returns size world communicators connected in memory.
// Element i has rank i.
func NewLocalWorld(size int) []*Comm {
	boxes := make([]*Mailbox, size)
	for i := range boxes {
		boxes[i] = NewMailbox()
	}
	world := make([]*Comm, size)
	for i := range world {
		world[i] = NewWorld(&localTransport{rank: i, boxes: boxes})
	}
	return world
}

// RunLocal runs fn once per rank of a fresh in-memory world, each on its own
// goroutine, and returns the first error. The context passed to fn is
// cancelled as soon as any rank fails, which unblocks the other ranks.
//
// Example:
//
//	err := comm.RunLocal(ctx, 4, func(ctx context.Context, c *comm.Comm) error {
//	    _, err := c.Broadcast(ctx, 0, payload)
//	    return err
//	})
func RunLocal(ctx context.Context, size int, fn func(ctx context.Context, c *Comm) error) error {
	world := NewLocalWorld(size)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range world {
		g.Go(func() error {
			defer c.Close()
			if err := fn(gctx, c); err != nil {
				return fmt.Errorf("rank %d: %w", c.Rank(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

var _ Transport = (*localTransport)(nil)
