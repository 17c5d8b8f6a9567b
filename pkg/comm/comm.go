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
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"sync/atomic"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidTag is returned when a user message uses a negative tag or a
	// tag inside the reserved collective range.
	ErrInvalidTag = errors.New("invalid message tag")

	// ErrRankOutOfRange is returned when a peer rank is outside [0, Size()).
	ErrRankOutOfRange = errors.New("rank out of range")

	// ErrClosed is returned by blocking operations once the transport is closed.
	ErrClosed = errors.New("communicator closed")

	// ErrMalformed is returned when a collective payload cannot be decoded.
	ErrMalformed = errors.New("malformed collective payload")
)

// Undefined is the Split color that excludes the caller from every resulting
// communicator. Split returns a nil Communicator to such callers.
const Undefined = -1

// ReservedTagBase is the first tag used internally by collectives.
// User messages must use tags in [0, ReservedTagBase).
const ReservedTagBase = 1 << 24

const (
	tagBroadcast = ReservedTagBase + iota
	tagGather
	tagScan
	tagAllToAll
	tagControl
)

// -----------------------------------------------------------------------------
// Capability interface
// -----------------------------------------------------------------------------

// Communicator is the message-passing capability a benchmark kernel and the
// group protocol are written against.
//
// Thread Safety:
//
//	A Communicator is used by one goroutine per process. Collective calls
//	must be made by every member in the same order.
type Communicator interface {
	// Rank returns the caller's rank in [0, Size()).
	Rank() int

	// Size returns the number of members.
	Size() int

	// Send delivers data to dst with the given tag. It does not wait for the
	// matching Recv.
	Send(ctx context.Context, dst, tag int, data []byte) error

	// Recv blocks until a message from src with the given tag arrives.
	// Messages between one pair with one tag are received in send order.
	Recv(ctx context.Context, src, tag int) ([]byte, error)

	// Broadcast distributes root's data to every member. Every member calls
	// it; non-root callers pass nil and receive root's data.
	Broadcast(ctx context.Context, root int, data []byte) ([]byte, error)

	// Split partitions the members by color, ordering each part by key and
	// then by rank. Callers passing Undefined receive nil.
	Split(ctx context.Context, color, key int) (Communicator, error)
}

// -----------------------------------------------------------------------------
// Transport boundary
// -----------------------------------------------------------------------------

// Frame is one message on the wire. Src is the sender's world rank and
// Context identifies the communicator the message belongs to.
type Frame struct {
	Context uint64
	Src     int
	Tag     int
	Payload []byte
}

// Transport moves frames between world ranks. Implementations deliver frames
// between one pair of ranks in order and never block on a slow receiver
// indefinitely.
type Transport interface {
	WorldRank() int
	WorldSize() int

	// Deliver hands f to the mailbox of world rank dst.
	Deliver(ctx context.Context, dst int, f Frame) error

	// Mailbox returns the local inbound mailbox.
	Mailbox() *Mailbox

	Close() error
}

// -----------------------------------------------------------------------------
// Comm
// -----------------------------------------------------------------------------

// Comm is the Communicator implementation shared by every transport.
type Comm struct {
	transport Transport
	id        uint64
	members   []int
	rank      int
	splits    atomic.Uint64
}

// NewWorld returns the world communicator over t: every transport rank is a
// member and ranks equal world ranks.
func NewWorld(t Transport) *Comm {
	members := make([]int, t.WorldSize())
	for i := range members {
		members[i] = i
	}
	return &Comm{transport: t, members: members, rank: t.WorldRank()}
}

// Rank implements Communicator.
func (c *Comm) Rank() int { return c.rank }

// Size implements Communicator.
func (c *Comm) Size() int { return len(c.members) }

// WorldRank translates a rank of c into a world rank.
func (c *Comm) WorldRank(rank int) int { return c.members[rank] }

// Close closes the underlying transport. Communicators derived through Split
// share it.
func (c *Comm) Close() error { return c.transport.Close() }

// Pending returns the number of frames this process received that no Recv
// has taken yet, across every communicator of the world.
func (c *Comm) Pending() int { return c.transport.Mailbox().Pending() }

// Send implements Communicator.
func (c *Comm) Send(ctx context.Context, dst, tag int, data []byte) error {
	if tag < 0 || tag >= ReservedTagBase {
		return fmt.Errorf("%w: %d", ErrInvalidTag, tag)
	}
	return c.send(ctx, dst, tag, data)
}

// Recv implements Communicator.
func (c *Comm) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	if tag < 0 || tag >= ReservedTagBase {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTag, tag)
	}
	return c.recv(ctx, src, tag)
}

func (c *Comm) send(ctx context.Context, dst, tag int, data []byte) error {
	if dst < 0 || dst >= len(c.members) {
		return fmt.Errorf("%w: send to %d of %d", ErrRankOutOfRange, dst, len(c.members))
	}
	f := Frame{
		Context: c.id,
		Src:     c.transport.WorldRank(),
		Tag:     tag,
		Payload: slices.Clone(data),
	}
	if f.Payload == nil {
		f.Payload = []byte{}
	}
	world := c.members[dst]
	if world == c.transport.WorldRank() {
		c.transport.Mailbox().Put(f)
		return nil
	}
	return c.transport.Deliver(ctx, world, f)
}

func (c *Comm) recv(ctx context.Context, src, tag int) ([]byte, error) {
	if src < 0 || src >= len(c.members) {
		return nil, fmt.Errorf("%w: recv from %d of %d", ErrRankOutOfRange, src, len(c.members))
	}
	return c.transport.Mailbox().Take(ctx, mailboxKey{ctx: c.id, src: c.members[src], tag: tag})
}

// Broadcast implements Communicator using a binomial tree rooted at root.
func (c *Comm) Broadcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	size := len(c.members)
	if root < 0 || root >= size {
		return nil, fmt.Errorf("%w: broadcast root %d of %d", ErrRankOutOfRange, root, size)
	}
	rel := (c.rank - root + size) % size

	mask := 1
	for mask < size {
		if rel&mask != 0 {
			src := (c.rank - mask + size) % size
			got, err := c.recv(ctx, src, tagBroadcast)
			if err != nil {
				return nil, fmt.Errorf("broadcast recv from %d: %w", src, err)
			}
			data = got
			break
		}
		mask <<= 1
	}

	for mask >>= 1; mask > 0; mask >>= 1 {
		if rel+mask < size {
			dst := (c.rank + mask) % size
			if err := c.send(ctx, dst, tagBroadcast, data); err != nil {
				return nil, fmt.Errorf("broadcast send to %d: %w", dst, err)
			}
		}
	}
	return data, nil
}

// Split implements Communicator.
//
// Description:
//
//	Every member contributes (color, key) through AllGather. Members with the
//	same non-negative color form a new communicator ordered by key, ties
//	broken by rank. The new context id is derived from the parent id, the
//	number of splits performed on the parent and the color, so every member
//	derives the same id without further communication.
func (c *Comm) Split(ctx context.Context, color, key int) (Communicator, error) {
	mine := binary.LittleEndian.AppendUint64(nil, uint64(int64(color)))
	mine = binary.LittleEndian.AppendUint64(mine, uint64(int64(key)))

	all, err := AllGather(ctx, c, mine)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	seq := c.splits.Add(1)
	if color < 0 {
		return nil, nil
	}

	type member struct{ key, rank int }
	var group []member
	for rank, raw := range all {
		if len(raw) != 16 {
			return nil, fmt.Errorf("split: %w: entry of %d bytes from rank %d", ErrMalformed, len(raw), rank)
		}
		otherColor := int(int64(binary.LittleEndian.Uint64(raw)))
		otherKey := int(int64(binary.LittleEndian.Uint64(raw[8:])))
		if otherColor == color {
			group = append(group, member{key: otherKey, rank: rank})
		}
	}
	slices.SortStableFunc(group, func(a, b member) int {
		if a.key != b.key {
			return a.key - b.key
		}
		return a.rank - b.rank
	})

	sub := &Comm{transport: c.transport, id: deriveContext(c.id, seq, color)}
	for i, m := range group {
		if m.rank == c.rank {
			sub.rank = i
		}
		sub.members = append(sub.members, c.members[m.rank])
	}
	return sub, nil
}

func deriveContext(parent, seq uint64, color int) uint64 {
	h := fnv.New64a()
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], parent)
	binary.LittleEndian.PutUint64(buf[8:], seq)
	binary.LittleEndian.PutUint64(buf[16:], uint64(int64(color)))
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

var _ Communicator = (*Comm)(nil)
