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
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/groupbench/pkg/comm"
	"github.com/AleutianAI/groupbench/pkg/logging"
	"github.com/AleutianAI/groupbench/pkg/registry"
	"github.com/AleutianAI/groupbench/pkg/topology"
)

// -----------------------------------------------------------------------------
// State machine
// -----------------------------------------------------------------------------

// State is a worker's position in the request/response cycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingRequest
	StateRunning
	StateReporting
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingRequest:
		return "awaiting_request"
	case StateRunning:
		return "running"
	case StateReporting:
		return "reporting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// validTransitions lists the allowed successors of each state.
var validTransitions = map[State][]State{
	StateIdle:            {StateAwaitingRequest},
	StateAwaitingRequest: {StateRunning, StateTerminated},
	StateRunning:         {StateReporting, StateAwaitingRequest},
	StateReporting:       {StateAwaitingRequest},
}

// -----------------------------------------------------------------------------
// Worker
// -----------------------------------------------------------------------------

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithClock replaces the time source used around kernel invocations.
func WithClock(clock func() time.Time) WorkerOption {
	return func(w *Worker) { w.clock = clock }
}

// WithWorkerLogger sets the worker's logger.
func WithWorkerLogger(logger *logging.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// WithTransitionHook registers a callback invoked on every state change.
func WithTransitionHook(hook func(from, to State)) WorkerOption {
	return func(w *Worker) { w.hook = hook }
}

// Worker runs one benchmark's timed execution protocol on a worker process.
//
// Description:
//
//	The worker waits for IterationRequests broadcast by the coordinator. For
//	each request it runs, per raw invocation: setup, a group-wide agreement
//	on setup success that doubles as the pre-kernel barrier, then the kernel
//	between timer start and stop. Group rank 0 reports the accumulated
//	kernel time; the other ranks go straight back to waiting.
//
//	    Idle ─► AwaitingRequest ─► Running ─► Reporting ─┐  (group rank 0)
//	                 ▲   │            │                  │
//	                 │   │            └──────────────────┤  (other ranks)
//	                 │   └─(iterations == 0)─► Terminated│
//	                 └───────────────────────────────────┘
//
// Thread Safety: Not safe for concurrent use. One Worker per process.
type Worker struct {
	topo    *topology.Topology
	desc    registry.Descriptor
	logger  *logging.Logger
	clock   func() time.Time
	hook    func(from, to State)
	state   State
	lastSeq uint64
}

// NewWorker creates a Worker for desc on a resolved worker topology.
func NewWorker(topo *topology.Topology, desc registry.Descriptor, opts ...WorkerOption) (*Worker, error) {
	if topo == nil || topo.Role.IsCoordinator() || topo.Group == nil {
		return nil, NewFailure(ClassTopology, desc.Name, -1, errors.New("worker needs a worker topology"))
	}
	w := &Worker{
		topo:   topo,
		desc:   desc,
		logger: logging.Discard(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("benchmark", desc.Name, "rank", topo.Role.Rank)
	return w, nil
}

// State returns the current state.
func (w *Worker) State() State {
	return w.state
}

func (w *Worker) transition(to State) error {
	for _, allowed := range validTransitions[w.state] {
		if allowed == to {
			from := w.state
			w.state = to
			w.logger.Debug("worker state", "from", from.String(), "to", to.String())
			if w.hook != nil {
				w.hook(from, to)
			}
			return nil
		}
	}
	return violation("worker transition %s -> %s", w.state, to)
}

// Serve runs the request loop until the termination sentinel arrives.
//
// Outputs:
//
//	error - nil after a clean termination. A *Failure of ClassKernel for
//	        kernel errors, ClassProtocol for out-of-order requests, or a
//	        transport error when the group breaks.
func (w *Worker) Serve(ctx context.Context) error {
	if err := w.transition(StateAwaitingRequest); err != nil {
		return err
	}

	for {
		req, err := w.awaitRequest(ctx)
		if err != nil {
			return err
		}
		if req.IsTermination() {
			w.logger.Debug("termination received", "seq", req.Seq)
			return w.transition(StateTerminated)
		}

		if err := w.transition(StateRunning); err != nil {
			return err
		}
		result, err := w.runBatch(ctx, req)
		if err != nil {
			return err
		}

		if w.topo.IsTimingRank() {
			if err := w.transition(StateReporting); err != nil {
				return err
			}
			if err := w.topo.World.Send(ctx, 0, TagResult, result.Marshal()); err != nil {
				return fmt.Errorf("report %s: %w", result, err)
			}
		}
		if err := w.transition(StateAwaitingRequest); err != nil {
			return err
		}
	}
}

func (w *Worker) awaitRequest(ctx context.Context) (IterationRequest, error) {
	raw, err := w.topo.World.Broadcast(ctx, 0, nil)
	if err != nil {
		return IterationRequest{}, fmt.Errorf("await request: %w", err)
	}
	req, err := UnmarshalIterationRequest(raw)
	if err != nil {
		return IterationRequest{}, err
	}
	if req.Seq != w.lastSeq+1 {
		return IterationRequest{}, violation("request seq %d after %d", req.Seq, w.lastSeq)
	}
	w.lastSeq = req.Seq
	return req, nil
}

// runBatch executes req.Iterations raw invocations. A setup failure ends the
// batch early and is reported in the result; every other error is fatal.
func (w *Worker) runBatch(ctx context.Context, req IterationRequest) (TimingResult, error) {
	group := w.topo.Group
	result := TimingResult{Seq: req.Seq, FailedRank: NoFailure}

	var total uint64
	for i := uint64(0); i < req.Iterations; i++ {
		input, setupErr := Produce(ctx, w.desc.Setup, group, w.topo.Role)

		failed, err := w.agreeOnSetup(ctx, setupErr)
		if err != nil {
			return TimingResult{}, err
		}
		if failed != NoFailure {
			result.ElapsedNanos = total
			result.Completed = i
			result.FailedRank = failed
			result.Failure, err = w.collectSetupError(ctx, failed, setupErr)
			return result, err
		}

		elapsed, err := w.timeKernel(ctx, input)
		if err != nil {
			w.logger.Error("kernel failed", "invocation", i, "error", err)
			return TimingResult{}, NewFailure(ClassKernel, w.desc.Name, w.topo.Role.Rank, err)
		}
		total += elapsed
	}
	result.Completed = req.Iterations

	total, err := w.applyTimingPolicy(ctx, total)
	if err != nil {
		return TimingResult{}, err
	}
	result.ElapsedNanos = total
	return result, nil
}

// agreeOnSetup makes every worker learn whether any setup failed and which
// rank failed. The reduction completes only once every worker finished its
// setup, so it also serves as the barrier in front of the timed region.
func (w *Worker) agreeOnSetup(ctx context.Context, setupErr error) (int, error) {
	vote := int64(0)
	if setupErr != nil {
		vote = int64(w.topo.Role.Rank) + 1
		w.logger.Warn("setup failed", "error", setupErr)
	}
	agreed, err := comm.AllReduce(ctx, w.topo.Group, []int64{vote}, comm.OpMax)
	if err != nil {
		return NoFailure, fmt.Errorf("setup agreement: %w", err)
	}
	return int(agreed[0]) - 1, nil
}

// collectSetupError brings the failed rank's error text to group rank 0.
func (w *Worker) collectSetupError(ctx context.Context, failed int, setupErr error) (string, error) {
	rank := w.topo.Role.Rank
	switch {
	case failed == 0 && rank == 0:
		return setupErr.Error(), nil
	case rank == failed:
		return "", comm.SendControl(ctx, w.topo.Group, 0, []byte(setupErr.Error()))
	case rank == 0:
		raw, err := comm.RecvControl(ctx, w.topo.Group, failed)
		if err != nil {
			return "", fmt.Errorf("collect setup error from rank %d: %w", failed, err)
		}
		return string(raw), nil
	default:
		return "", nil
	}
}

// timeKernel runs the kernel once between timer start and stop. Panics are
// converted into errors.
func (w *Worker) timeKernel(ctx context.Context, input any) (elapsed uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel panic: %v", r)
		}
	}()

	start := w.clock()
	err = w.desc.Kernel(ctx, w.topo.Group, input)
	stop := w.clock()

	return clampNanos(stop.Sub(start)), err
}

// applyTimingPolicy folds the per-rank totals into the value group rank 0
// reports.
func (w *Worker) applyTimingPolicy(ctx context.Context, total uint64) (uint64, error) {
	var op comm.Op
	switch w.desc.Timing {
	case registry.TimingMean:
		op = comm.OpSum
	case registry.TimingMax:
		op = comm.OpMax
	default:
		return total, nil
	}

	reduced, err := comm.Reduce(ctx, w.topo.Group, 0, []uint64{total}, op)
	if err != nil {
		return 0, fmt.Errorf("timing reduction: %w", err)
	}
	if w.topo.Role.Rank != 0 {
		return total, nil
	}
	if w.desc.Timing == registry.TimingMean {
		return reduced[0] / uint64(w.topo.Group.Size()), nil
	}
	return reduced[0], nil
}

// clampNanos converts a measured duration to unsigned nanoseconds. A
// non-monotonic clock can yield a negative delta, which counts as zero.
func clampNanos(d time.Duration) uint64 {
	if d < 0 {
		return 0
	}
	return uint64(d)
}
