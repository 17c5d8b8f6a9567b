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
	"fmt"
)

// -----------------------------------------------------------------------------
// Reduction operators
// -----------------------------------------------------------------------------

// Number is the set of fixed-size element types that reductions accept.
type Number interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Op is an element-wise reduction operator.
type Op int

const (
	OpSum Op = iota
	OpMax
	OpMin
)

// String returns "sum", "max", "min" or "unknown".
func (op Op) String() string {
	switch op {
	case OpSum:
		return "sum"
	case OpMax:
		return "max"
	case OpMin:
		return "min"
	default:
		return "unknown"
	}
}

func combine[T Number](op Op, acc, v []T) {
	for i := range acc {
		switch op {
		case OpSum:
			acc[i] += v[i]
		case OpMax:
			acc[i] = max(acc[i], v[i])
		case OpMin:
			acc[i] = min(acc[i], v[i])
		}
	}
}

// EncodeValues serialises values in little-endian order.
func EncodeValues[T Number](values []T) ([]byte, error) {
	return binary.Append(nil, binary.LittleEndian, values)
}

// DecodeValues is the inverse of EncodeValues.
func DecodeValues[T Number](data []byte) ([]T, error) {
	var zero T
	size := binary.Size(zero)
	if size <= 0 || len(data)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformed, len(data), size)
	}
	values := make([]T, len(data)/size)
	if _, err := binary.Decode(data, binary.LittleEndian, values); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return values, nil
}

// -----------------------------------------------------------------------------
// Tag routing
// -----------------------------------------------------------------------------

// reservedComm is implemented by *Comm, which carries collective traffic on
// the reserved tag range. Other Communicator implementations get the
// collective tags mirrored just below ReservedTagBase.
type reservedComm interface {
	send(ctx context.Context, dst, tag int, data []byte) error
	recv(ctx context.Context, src, tag int) ([]byte, error)
}

func mirrorTag(tag int) int {
	return 2*ReservedTagBase - 1 - tag
}

func sendTo(ctx context.Context, c Communicator, dst, tag int, data []byte) error {
	if rc, ok := c.(reservedComm); ok {
		return rc.send(ctx, dst, tag, data)
	}
	return c.Send(ctx, dst, mirrorTag(tag), data)
}

func recvFrom(ctx context.Context, c Communicator, src, tag int) ([]byte, error) {
	if rc, ok := c.(reservedComm); ok {
		return rc.recv(ctx, src, tag)
	}
	return c.Recv(ctx, src, mirrorTag(tag))
}

// SendControl sends data to dst on a reserved tag that user messages cannot
// use. It is meant for framework traffic that shares a communicator with
// benchmark kernels.
func SendControl(ctx context.Context, c Communicator, dst int, data []byte) error {
	return sendTo(ctx, c, dst, tagControl, data)
}

// RecvControl receives a message sent with SendControl from src.
func RecvControl(ctx context.Context, c Communicator, src int) ([]byte, error) {
	return recvFrom(ctx, c, src, tagControl)
}

// -----------------------------------------------------------------------------
// Collectives
// -----------------------------------------------------------------------------

// Barrier returns on every member only after every member has entered it.
func Barrier(ctx context.Context, c Communicator) error {
	if _, err := Gather(ctx, c, 0, nil); err != nil {
		return fmt.Errorf("barrier: %w", err)
	}
	if _, err := c.Broadcast(ctx, 0, nil); err != nil {
		return fmt.Errorf("barrier: %w", err)
	}
	return nil
}

// Gather collects every member's data at root, indexed by rank.
// Non-root members receive nil.
func Gather(ctx context.Context, c Communicator, root int, data []byte) ([][]byte, error) {
	size := c.Size()
	if root < 0 || root >= size {
		return nil, fmt.Errorf("%w: gather root %d of %d", ErrRankOutOfRange, root, size)
	}
	if c.Rank() != root {
		return nil, sendTo(ctx, c, root, tagGather, data)
	}

	parts := make([][]byte, size)
	for rank := range size {
		if rank == root {
			parts[rank] = append([]byte{}, data...)
			continue
		}
		got, err := recvFrom(ctx, c, rank, tagGather)
		if err != nil {
			return nil, fmt.Errorf("gather from %d: %w", rank, err)
		}
		parts[rank] = got
	}
	return parts, nil
}

// AllGather returns every member's data, indexed by rank, on every member.
func AllGather(ctx context.Context, c Communicator, data []byte) ([][]byte, error) {
	parts, err := Gather(ctx, c, 0, data)
	if err != nil {
		return nil, err
	}
	var packed []byte
	if c.Rank() == 0 {
		packed = packBlocks(parts)
	}
	packed, err = c.Broadcast(ctx, 0, packed)
	if err != nil {
		return nil, fmt.Errorf("allgather: %w", err)
	}
	return unpackBlocks(packed)
}

// Reduce combines every member's values element-wise with op at root.
// All members must pass slices of equal length. Non-root members receive nil.
func Reduce[T Number](ctx context.Context, c Communicator, root int, values []T, op Op) ([]T, error) {
	encoded, err := EncodeValues(values)
	if err != nil {
		return nil, fmt.Errorf("reduce: %w", err)
	}
	parts, err := Gather(ctx, c, root, encoded)
	if err != nil {
		return nil, fmt.Errorf("reduce: %w", err)
	}
	if c.Rank() != root {
		return nil, nil
	}

	var acc []T
	for rank, part := range parts {
		decoded, err := DecodeValues[T](part)
		if err != nil {
			return nil, fmt.Errorf("reduce: rank %d: %w", rank, err)
		}
		if acc == nil {
			acc = decoded
			continue
		}
		if len(decoded) != len(acc) {
			return nil, fmt.Errorf("reduce: %w: rank %d sent %d values, want %d",
				ErrMalformed, rank, len(decoded), len(acc))
		}
		combine(op, acc, decoded)
	}
	return acc, nil
}

// AllReduce is Reduce followed by a broadcast of the result.
func AllReduce[T Number](ctx context.Context, c Communicator, values []T, op Op) ([]T, error) {
	reduced, err := Reduce(ctx, c, 0, values, op)
	if err != nil {
		return nil, err
	}
	var encoded []byte
	if c.Rank() == 0 {
		if encoded, err = EncodeValues(reduced); err != nil {
			return nil, fmt.Errorf("allreduce: %w", err)
		}
	}
	encoded, err = c.Broadcast(ctx, 0, encoded)
	if err != nil {
		return nil, fmt.Errorf("allreduce: %w", err)
	}
	return DecodeValues[T](encoded)
}

// Scan computes the inclusive prefix reduction: rank r receives the
// combination of the values of ranks 0..r.
func Scan[T Number](ctx context.Context, c Communicator, values []T, op Op) ([]T, error) {
	acc := append([]T(nil), values...)
	rank := c.Rank()

	if rank > 0 {
		raw, err := recvFrom(ctx, c, rank-1, tagScan)
		if err != nil {
			return nil, fmt.Errorf("scan recv from %d: %w", rank-1, err)
		}
		prefix, err := DecodeValues[T](raw)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if len(prefix) != len(acc) {
			return nil, fmt.Errorf("scan: %w: prefix of %d values, want %d", ErrMalformed, len(prefix), len(acc))
		}
		combine(op, prefix, acc)
		acc = prefix
	}

	if rank < c.Size()-1 {
		encoded, err := EncodeValues(acc)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := sendTo(ctx, c, rank+1, tagScan, encoded); err != nil {
			return nil, fmt.Errorf("scan send to %d: %w", rank+1, err)
		}
	}
	return acc, nil
}

// AllToAll sends blocks[j] to rank j and returns the blocks addressed to the
// caller, indexed by source rank.
func AllToAll(ctx context.Context, c Communicator, blocks [][]byte) ([][]byte, error) {
	size, rank := c.Size(), c.Rank()
	if len(blocks) != size {
		return nil, fmt.Errorf("alltoall: %d blocks for %d members", len(blocks), size)
	}

	for dst := range size {
		if dst == rank {
			continue
		}
		if err := sendTo(ctx, c, dst, tagAllToAll, blocks[dst]); err != nil {
			return nil, fmt.Errorf("alltoall send to %d: %w", dst, err)
		}
	}

	out := make([][]byte, size)
	out[rank] = append([]byte{}, blocks[rank]...)
	for src := range size {
		if src == rank {
			continue
		}
		got, err := recvFrom(ctx, c, src, tagAllToAll)
		if err != nil {
			return nil, fmt.Errorf("alltoall recv from %d: %w", src, err)
		}
		out[src] = got
	}
	return out, nil
}

// packBlocks encodes blocks as a uvarint count followed by uvarint-length
// prefixed blocks.
func packBlocks(blocks [][]byte) []byte {
	out := binary.AppendUvarint(nil, uint64(len(blocks)))
	for _, b := range blocks {
		out = binary.AppendUvarint(out, uint64(len(b)))
		out = append(out, b...)
	}
	return out
}

func unpackBlocks(data []byte) ([][]byte, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("%w: block count", ErrMalformed)
	}
	data = data[n:]
	if count > uint64(len(data))+1 {
		return nil, fmt.Errorf("%w: %d blocks in %d bytes", ErrMalformed, count, len(data))
	}
	blocks := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		length, n := binary.Uvarint(data)
		if n <= 0 || uint64(len(data)-n) < length {
			return nil, fmt.Errorf("%w: block %d", ErrMalformed, i)
		}
		data = data[n:]
		blocks = append(blocks, data[:length:length])
		data = data[length:]
	}
	return blocks, nil
}
