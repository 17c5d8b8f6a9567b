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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/groupbench/pkg/comm"
	"github.com/AleutianAI/groupbench/pkg/registry"
	"github.com/AleutianAI/groupbench/pkg/topology"
)

// -----------------------------------------------------------------------------
// Harness
// -----------------------------------------------------------------------------

// runGroup runs desc on an in-memory world of worldSize processes. drive runs
// on the coordinator; the group is terminated once drive returns nil.
func runGroup(
	t *testing.T,
	worldSize int,
	desc registry.Descriptor,
	drive func(ctx context.Context, c *Coordinator) error,
	workerOpts func(rank int) []WorkerOption,
) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	return comm.RunLocal(ctx, worldSize, func(ctx context.Context, c *comm.Comm) error {
		topo, err := topology.Resolve(ctx, c, c.Rank() == 0)
		if err != nil {
			return err
		}
		if topo.Role.IsCoordinator() {
			coord, err := NewCoordinator(topo, desc.Name)
			if err != nil {
				return err
			}
			if err := drive(ctx, coord); err != nil {
				return err
			}
			return coord.Terminate(ctx)
		}

		var opts []WorkerOption
		if workerOpts != nil {
			opts = workerOpts(topo.Role.Rank)
		}
		w, err := NewWorker(topo, desc, opts...)
		if err != nil {
			return err
		}
		if err := w.Serve(ctx); err != nil {
			return err
		}
		if w.State() != StateTerminated {
			return fmt.Errorf("worker ended in state %s", w.State())
		}
		return nil
	})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// -----------------------------------------------------------------------------
// Counting and ordering
// -----------------------------------------------------------------------------

func TestMeasureBatch_InvocationCounts(t *testing.T) {
	const workers = 3
	var setups, kernels [workers]atomic.Int64

	desc := registry.Descriptor{
		Name: "counts",
		Setup: func(_ context.Context, g comm.Communicator) (any, error) {
			setups[g.Rank()].Add(1)
			return g.Rank(), nil
		},
		Kernel: func(_ context.Context, g comm.Communicator, input any) error {
			if input.(int) != g.Rank() {
				return errors.New("input produced by another rank")
			}
			kernels[g.Rank()].Add(1)
			return nil
		},
	}

	err := runGroup(t, workers+1, desc, func(ctx context.Context, c *Coordinator) error {
		for range 3 {
			if _, err := c.MeasureBatch(ctx, 5); err != nil {
				return err
			}
		}
		return nil
	}, nil)
	require.NoError(t, err)

	for rank := range workers {
		assert.Equal(t, int64(15), kernels[rank].Load(), "kernel calls on rank %d", rank)
		assert.Equal(t, int64(15), setups[rank].Load(), "setup calls on rank %d", rank)
	}
}

func TestMeasureBatch_SetupPrecedesEveryKernel(t *testing.T) {
	const workers = 2
	var mu sync.Mutex
	events := make([][]string, workers)

	record := func(rank int, ev string) {
		mu.Lock()
		defer mu.Unlock()
		events[rank] = append(events[rank], ev)
	}
	desc := registry.Descriptor{
		Name: "order",
		Setup: func(_ context.Context, g comm.Communicator) (any, error) {
			record(g.Rank(), "setup")
			return nil, nil
		},
		Kernel: func(_ context.Context, g comm.Communicator, _ any) error {
			record(g.Rank(), "kernel")
			return nil
		},
	}

	err := runGroup(t, workers+1, desc, func(ctx context.Context, c *Coordinator) error {
		_, err := c.MeasureBatch(ctx, 4)
		return err
	}, nil)
	require.NoError(t, err)

	for rank, evs := range events {
		require.Len(t, evs, 8, "rank %d", rank)
		for i, ev := range evs {
			want := "setup"
			if i%2 == 1 {
				want = "kernel"
			}
			assert.Equal(t, want, ev, "rank %d event %d", rank, i)
		}
	}
}

func TestMeasureBatch_LockStepBeforeKernel(t *testing.T) {
	const workers = 4
	var setupsDone atomic.Int64
	var local [workers]int64
	var violations atomic.Int64

	desc := registry.Descriptor{
		Name: "lockstep",
		Setup: func(_ context.Context, g comm.Communicator) (any, error) {
			if g.Rank() == workers-1 {
				time.Sleep(time.Millisecond)
			}
			setupsDone.Add(1)
			return nil, nil
		},
		Kernel: func(_ context.Context, g comm.Communicator, _ any) error {
			i := local[g.Rank()]
			local[g.Rank()]++
			if setupsDone.Load() < (i+1)*workers {
				violations.Add(1)
			}
			return nil
		},
	}

	err := runGroup(t, workers+1, desc, func(ctx context.Context, c *Coordinator) error {
		_, err := c.MeasureBatch(ctx, 10)
		return err
	}, nil)
	require.NoError(t, err)
	assert.Zero(t, violations.Load())
}

// -----------------------------------------------------------------------------
// Timing
// -----------------------------------------------------------------------------

func TestMeasureBatch_TimesOnlyTheKernel(t *testing.T) {
	const workers = 3
	clocks := make([]*fakeClock, workers)
	for i := range clocks {
		clocks[i] = &fakeClock{now: time.Unix(0, 0)}
	}

	desc := registry.Descriptor{
		Name: "kernel-only",
		Setup: func(_ context.Context, g comm.Communicator) (any, error) {
			clocks[g.Rank()].Advance(time.Second)
			return nil, nil
		},
		Kernel: func(_ context.Context, g comm.Communicator, _ any) error {
			clocks[g.Rank()].Advance(2 * time.Millisecond)
			return nil
		},
	}

	var got time.Duration
	err := runGroup(t, workers+1, desc, func(ctx context.Context, c *Coordinator) error {
		var err error
		got, err = c.MeasureBatch(ctx, 4)
		return err
	}, func(rank int) []WorkerOption {
		return []WorkerOption{WithClock(clocks[rank].Now)}
	})
	require.NoError(t, err)
	assert.Equal(t, 8*time.Millisecond, got)
}

func TestMeasureBatch_TimingPolicies(t *testing.T) {
	const workers = 3
	tests := []struct {
		policy registry.TimingPolicy
		want   time.Duration
	}{
		{registry.TimingRankZero, 2 * time.Millisecond},
		{registry.TimingMean, 4 * time.Millisecond},
		{registry.TimingMax, 6 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			clocks := make([]*fakeClock, workers)
			for i := range clocks {
				clocks[i] = &fakeClock{}
			}
			desc := registry.Descriptor{
				Name:   "policy",
				Timing: tt.policy,
				Kernel: func(_ context.Context, g comm.Communicator, _ any) error {
					clocks[g.Rank()].Advance(time.Duration(g.Rank()+1) * time.Millisecond)
					return nil
				},
			}

			var got time.Duration
			err := runGroup(t, workers+1, desc, func(ctx context.Context, c *Coordinator) error {
				var err error
				got, err = c.MeasureBatch(ctx, 2)
				return err
			}, func(rank int) []WorkerOption {
				return []WorkerOption{WithClock(clocks[rank].Now)}
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClampNanos(t *testing.T) {
	assert.Equal(t, uint64(0), clampNanos(-time.Second))
	assert.Equal(t, uint64(5), clampNanos(5))
}

// -----------------------------------------------------------------------------
// Termination and state machine
// -----------------------------------------------------------------------------

func TestTermination_WorkersExitCleanly(t *testing.T) {
	var mu sync.Mutex
	transitions := map[int][]string{}

	desc := registry.Descriptor{
		Name:   "terminate",
		Kernel: func(context.Context, comm.Communicator, any) error { return nil },
	}
	err := runGroup(t, 3, desc, func(ctx context.Context, c *Coordinator) error {
		_, err := c.MeasureBatch(ctx, 1)
		if err != nil {
			return err
		}
		if err := c.Terminate(ctx); err != nil {
			return err
		}
		// Terminate again from the harness; must be a no-op.
		return nil
	}, func(rank int) []WorkerOption {
		return []WorkerOption{WithTransitionHook(func(from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions[rank] = append(transitions[rank], to.String())
		})}
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"awaiting_request", "running", "reporting", "awaiting_request", "terminated",
	}, transitions[0])
	// Only the timing rank reports.
	assert.Equal(t, []string{
		"awaiting_request", "running", "awaiting_request", "terminated",
	}, transitions[1])
}

func TestTermination_WithoutAnyBatch(t *testing.T) {
	var calls atomic.Int64
	desc := registry.Descriptor{
		Name: "idle",
		Kernel: func(context.Context, comm.Communicator, any) error {
			calls.Add(1)
			return nil
		},
	}
	err := runGroup(t, 4, desc, func(context.Context, *Coordinator) error { return nil }, nil)
	require.NoError(t, err)
	assert.Zero(t, calls.Load())
}

// -----------------------------------------------------------------------------
// Failures
// -----------------------------------------------------------------------------

func TestSetupFailure_StopsBenchmarkAndKeepsEarlierBatches(t *testing.T) {
	const workers = 3
	var invocations [workers]atomic.Int64
	boom := errors.New("cannot allocate buffer")

	desc := registry.Descriptor{
		Name: "flaky-setup",
		Setup: func(_ context.Context, g comm.Communicator) (any, error) {
			n := invocations[g.Rank()].Add(1)
			// Batches hold two invocations; fail inside the third batch.
			if g.Rank() == 1 && n == 6 {
				return nil, boom
			}
			return nil, nil
		},
		Kernel: func(context.Context, comm.Communicator, any) error { return nil },
	}

	var batchErrs []error
	err := runGroup(t, workers+1, desc, func(ctx context.Context, c *Coordinator) error {
		for range 10 {
			_, err := c.MeasureBatch(ctx, 2)
			batchErrs = append(batchErrs, err)
			if err != nil {
				if Classify(err).Fatal() {
					return err
				}
				break
			}
		}
		return nil
	}, nil)
	require.NoError(t, err)

	require.Len(t, batchErrs, 3)
	assert.NoError(t, batchErrs[0])
	assert.NoError(t, batchErrs[1])
	require.ErrorIs(t, batchErrs[2], ErrSetupFailure)

	var f *Failure
	require.ErrorAs(t, batchErrs[2], &f)
	assert.Equal(t, 1, f.Rank)
	assert.Equal(t, "flaky-setup", f.Benchmark)
	assert.Contains(t, f.Error(), "cannot allocate buffer")
}

func TestSetupFailure_TextIsolatedFromKernelTraffic(t *testing.T) {
	var setups atomic.Int64
	desc := registry.Descriptor{
		Name: "stray-kernel-message",
		Setup: func(_ context.Context, g comm.Communicator) (any, error) {
			if g.Rank() == 1 && setups.Add(1) == 2 {
				return nil, errors.New("out of pinned memory")
			}
			return nil, nil
		},
		Kernel: func(ctx context.Context, g comm.Communicator, _ any) error {
			// Never received by rank 0; must not be mistaken for the
			// setup error text.
			if g.Rank() == 1 {
				return g.Send(ctx, 0, 2, []byte("kernel payload"))
			}
			return nil
		},
	}

	var batchErr error
	err := runGroup(t, 3, desc, func(ctx context.Context, c *Coordinator) error {
		_, batchErr = c.MeasureBatch(ctx, 3)
		return nil
	}, nil)
	require.NoError(t, err)

	var f *Failure
	require.ErrorAs(t, batchErr, &f)
	assert.Equal(t, ClassSetup, f.Class)
	assert.Equal(t, 1, f.Rank)
	assert.Contains(t, f.Error(), "out of pinned memory")
	assert.NotContains(t, f.Error(), "kernel payload")
}

func TestSetupFailure_OnTimingRank(t *testing.T) {
	desc := registry.Descriptor{
		Name: "rank0-setup",
		Setup: func(_ context.Context, g comm.Communicator) (any, error) {
			if g.Rank() == 0 {
				panic("no input")
			}
			return nil, nil
		},
		Kernel: func(context.Context, comm.Communicator, any) error { return nil },
	}

	var batchErr error
	err := runGroup(t, 3, desc, func(ctx context.Context, c *Coordinator) error {
		_, batchErr = c.MeasureBatch(ctx, 3)
		return nil
	}, nil)
	require.NoError(t, err)

	var f *Failure
	require.ErrorAs(t, batchErr, &f)
	assert.Equal(t, ClassSetup, f.Class)
	assert.Equal(t, 0, f.Rank)
	assert.Contains(t, f.Error(), "setup panic: no input")
}

func TestKernelFailure_IsFatal(t *testing.T) {
	tests := []struct {
		name   string
		kernel registry.KernelFunc
	}{
		{"error", func(_ context.Context, g comm.Communicator, _ any) error {
			if g.Rank() == 2 {
				return errors.New("bad collective")
			}
			return nil
		}},
		{"panic", func(_ context.Context, g comm.Communicator, _ any) error {
			if g.Rank() == 2 {
				panic("index out of range")
			}
			return nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := registry.Descriptor{Name: "broken", Kernel: tt.kernel}
			err := runGroup(t, 4, desc, func(ctx context.Context, c *Coordinator) error {
				_, err := c.MeasureBatch(ctx, 3)
				return err
			}, nil)

			require.ErrorIs(t, err, ErrKernelFailure)
			assert.Equal(t, ExitFailure, ExitCode(err))
			var f *Failure
			require.ErrorAs(t, err, &f)
			assert.Equal(t, 2, f.Rank)
		})
	}
}

func TestMeasureBatch_ZeroIterations(t *testing.T) {
	desc := registry.Descriptor{Name: "zero", Kernel: func(context.Context, comm.Communicator, any) error { return nil }}
	var batchErr error
	err := runGroup(t, 2, desc, func(ctx context.Context, c *Coordinator) error {
		_, batchErr = c.MeasureBatch(ctx, 0)
		return nil
	}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, batchErr, ErrProtocolViolation)
}

// -----------------------------------------------------------------------------
// Channel discipline
// -----------------------------------------------------------------------------

func TestControlChannel_StrictAlternation(t *testing.T) {
	ctx := context.Background()
	world := comm.NewLocalWorld(2)

	ch, err := NewControlChannel(world[0])
	require.NoError(t, err)

	_, err = ch.AwaitResult(ctx)
	assert.ErrorIs(t, err, ErrProtocolViolation)

	req, err := ch.Request(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), req.Seq)

	_, err = ch.Request(ctx, 3)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.ErrorIs(t, ch.Terminate(ctx), ErrProtocolViolation)

	stale := TimingResult{Seq: 7, Completed: 3, FailedRank: NoFailure}
	require.NoError(t, world[1].Send(ctx, 0, TagResult, stale.Marshal()))
	_, err = ch.AwaitResult(ctx)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestControlChannel_ResultMustCoverBatch(t *testing.T) {
	ctx := context.Background()
	world := comm.NewLocalWorld(2)
	ch, err := NewControlChannel(world[0])
	require.NoError(t, err)

	_, err = ch.Request(ctx, 4)
	require.NoError(t, err)
	short := TimingResult{Seq: 1, Completed: 2, FailedRank: NoFailure}
	require.NoError(t, world[1].Send(ctx, 0, TagResult, short.Marshal()))

	_, err = ch.AwaitResult(ctx)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestControlChannel_TerminateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	world := comm.NewLocalWorld(2)
	ch, err := NewControlChannel(world[0])
	require.NoError(t, err)

	require.NoError(t, ch.Terminate(ctx))
	require.NoError(t, ch.Terminate(ctx))
	assert.True(t, ch.Terminated())

	_, err = ch.Request(ctx, 1)
	assert.ErrorIs(t, err, ErrProtocolViolation)

	// Exactly one sentinel reached the worker.
	raw, err := world[1].Broadcast(ctx, 0, nil)
	require.NoError(t, err)
	req, err := UnmarshalIterationRequest(raw)
	require.NoError(t, err)
	assert.True(t, req.IsTermination())
	assert.Equal(t, 0, world[1].Pending())
}

func TestNewControlChannel_RequiresRoot(t *testing.T) {
	world := comm.NewLocalWorld(2)
	_, err := NewControlChannel(world[1])
	assert.ErrorIs(t, err, ErrProtocolViolation)

	single := comm.NewLocalWorld(1)
	_, err = NewControlChannel(single[0])
	assert.ErrorIs(t, err, ErrTopology)
}

func TestWorker_RejectsOutOfOrderRequest(t *testing.T) {
	desc := registry.Descriptor{Name: "seq", Kernel: func(context.Context, comm.Communicator, any) error { return nil }}

	err := comm.RunLocal(context.Background(), 2, func(ctx context.Context, c *comm.Comm) error {
		topo, err := topology.Resolve(ctx, c, c.Rank() == 0)
		if err != nil {
			return err
		}
		if topo.Role.IsCoordinator() {
			_, err := c.Broadcast(ctx, 0, IterationRequest{Seq: 5, Iterations: 1}.Marshal())
			return err
		}
		w, err := NewWorker(topo, desc)
		if err != nil {
			return err
		}
		return w.Serve(ctx)
	})
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestNewWorker_RejectsCoordinatorTopology(t *testing.T) {
	_, err := NewWorker(&topology.Topology{Role: topology.Role{Kind: topology.Coordinator, Rank: -1}}, registry.Descriptor{})
	assert.ErrorIs(t, err, ErrTopology)

	_, err = NewCoordinator(&topology.Topology{Role: topology.Role{Kind: topology.Worker}}, "x")
	assert.ErrorIs(t, err, ErrTopology)
}

// -----------------------------------------------------------------------------
// Distributor
// -----------------------------------------------------------------------------

func TestProduce(t *testing.T) {
	ctx := context.Background()
	called := false
	setup := func(context.Context, comm.Communicator) (any, error) {
		called = true
		return 42, nil
	}

	in, err := Produce(ctx, setup, nil, topology.Role{Kind: topology.Coordinator, Rank: -1})
	require.NoError(t, err)
	assert.Nil(t, in)
	assert.False(t, called, "coordinator must not run setup")

	in, err = Produce(ctx, setup, nil, topology.Role{Kind: topology.Worker})
	require.NoError(t, err)
	assert.Equal(t, 42, in)

	in, err = Produce(ctx, nil, nil, topology.Role{Kind: topology.Worker})
	require.NoError(t, err)
	assert.Nil(t, in, "no setup yields a nil input")

	_, err = Produce(ctx, func(context.Context, comm.Communicator) (any, error) { panic("boom") }, nil, topology.Role{Kind: topology.Worker})
	assert.ErrorContains(t, err, "setup panic: boom")
}

// -----------------------------------------------------------------------------
// Messages and errors
// -----------------------------------------------------------------------------

func TestMessages_Malformed(t *testing.T) {
	_, err := UnmarshalIterationRequest([]byte{1})
	assert.ErrorIs(t, err, ErrProtocolViolation)

	_, err = UnmarshalTimingResult(make([]byte, 10))
	assert.ErrorIs(t, err, ErrProtocolViolation)

	res, err := UnmarshalTimingResult(TimingResult{Seq: 3, ElapsedNanos: 9, Completed: 1, FailedRank: 2, Failure: "x"}.Marshal())
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.Equal(t, "x", res.Failure)
}

func TestClassifyAndExitCode(t *testing.T) {
	tests := []struct {
		err   error
		class Class
		code  int
	}{
		{nil, ClassNone, ExitOK},
		{NewFailure(ClassSetup, "b", 1, errors.New("x")), ClassSetup, ExitFailure},
		{fmt.Errorf("wrapped: %w", NewFailure(ClassProtocol, "b", -1, nil)), ClassProtocol, ExitFailure},
		{fmt.Errorf("%w: --worker with driver flag", ErrUsage), ClassUsage, ExitUsage},
		{fmt.Errorf("%w: no workers", topology.ErrTopology), ClassTopology, ExitFailure},
		{errors.New("connection reset"), ClassKernel, ExitFailure},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.class, Classify(tt.err), "%v", tt.err)
		assert.Equal(t, tt.code, ExitCode(tt.err), "%v", tt.err)
	}
	assert.False(t, ClassSetup.Fatal())
	assert.True(t, ClassKernel.Fatal())
}

func TestFailure_Error(t *testing.T) {
	f := NewFailure(ClassKernel, "bcast", 3, errors.New("exit status 2"))
	assert.Equal(t, `kernel failure in benchmark "bcast" on group rank 3: exit status 2`, f.Error())
	assert.Equal(t, "protocol failure", NewFailure(ClassProtocol, "", -1, nil).Error())
}
