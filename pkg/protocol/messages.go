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
	"encoding/binary"
	"fmt"
)

// TagResult carries a TimingResult from group rank 0 to the coordinator on
// the world communicator. Requests travel by world broadcast and need no tag.
// Setup error text travels on the group as comm control traffic, out of reach
// of kernel tags.
const TagResult = 1

const (
	requestSize   = 16
	resultMinSize = 32
)

// NoFailure is the FailedRank of a successful batch.
const NoFailure = -1

// IterationRequest asks the group to run Iterations raw kernel invocations.
// Iterations == 0 terminates the workers. Seq starts at 1 and increases by
// one per request, the terminating request included.
type IterationRequest struct {
	Seq        uint64
	Iterations uint64
}

// IsTermination reports whether r is the termination sentinel.
func (r IterationRequest) IsTermination() bool {
	return r.Iterations == 0
}

// Marshal encodes r as two little-endian uint64s.
func (r IterationRequest) Marshal() []byte {
	out := make([]byte, 0, requestSize)
	out = binary.LittleEndian.AppendUint64(out, r.Seq)
	return binary.LittleEndian.AppendUint64(out, r.Iterations)
}

// UnmarshalIterationRequest is the inverse of IterationRequest.Marshal.
func UnmarshalIterationRequest(data []byte) (IterationRequest, error) {
	if len(data) != requestSize {
		return IterationRequest{}, violation("iteration request of %d bytes", len(data))
	}
	return IterationRequest{
		Seq:        binary.LittleEndian.Uint64(data),
		Iterations: binary.LittleEndian.Uint64(data[8:]),
	}, nil
}

// TimingResult answers one IterationRequest.
type TimingResult struct {
	Seq uint64

	// ElapsedNanos is the accumulated kernel time of the completed
	// invocations.
	ElapsedNanos uint64

	// Completed is the number of kernel invocations that ran.
	Completed uint64

	// FailedRank is the group rank whose setup failed, or NoFailure.
	FailedRank int

	// Failure is the failed setup's error text.
	Failure string
}

// Failed reports whether a setup failed during the batch.
func (r TimingResult) Failed() bool {
	return r.FailedRank != NoFailure
}

// Marshal encodes r: seq, elapsed, completed, failed rank (all 8 bytes LE)
// followed by the failure text.
func (r TimingResult) Marshal() []byte {
	out := make([]byte, 0, resultMinSize+len(r.Failure))
	out = binary.LittleEndian.AppendUint64(out, r.Seq)
	out = binary.LittleEndian.AppendUint64(out, r.ElapsedNanos)
	out = binary.LittleEndian.AppendUint64(out, r.Completed)
	out = binary.LittleEndian.AppendUint64(out, uint64(int64(r.FailedRank)))
	return append(out, r.Failure...)
}

// UnmarshalTimingResult is the inverse of TimingResult.Marshal.
func UnmarshalTimingResult(data []byte) (TimingResult, error) {
	if len(data) < resultMinSize {
		return TimingResult{}, violation("timing result of %d bytes", len(data))
	}
	r := TimingResult{
		Seq:          binary.LittleEndian.Uint64(data),
		ElapsedNanos: binary.LittleEndian.Uint64(data[8:]),
		Completed:    binary.LittleEndian.Uint64(data[16:]),
		FailedRank:   int(int64(binary.LittleEndian.Uint64(data[24:]))),
		Failure:      string(data[32:]),
	}
	if r.FailedRank < NoFailure {
		return TimingResult{}, violation("timing result with failed rank %d", r.FailedRank)
	}
	return r, nil
}

func (r TimingResult) String() string {
	if r.Failed() {
		return fmt.Sprintf("result{seq=%d completed=%d failed_rank=%d}", r.Seq, r.Completed, r.FailedRank)
	}
	return fmt.Sprintf("result{seq=%d elapsed=%dns completed=%d}", r.Seq, r.ElapsedNanos, r.Completed)
}
