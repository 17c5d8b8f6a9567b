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
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/groupbench/pkg/logging"
	"github.com/AleutianAI/groupbench/pkg/topology"
)

const tracerName = "groupbench.protocol"

// BatchObserver is notified after every batch, outside any timed region.
type BatchObserver interface {
	ObserveBatch(ctx context.Context, benchmark string, iterations uint64, elapsed time.Duration, err error)
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the coordinator's logger.
func WithCoordinatorLogger(logger *logging.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// WithObserver registers a batch observer.
func WithObserver(o BatchObserver) CoordinatorOption {
	return func(c *Coordinator) { c.observers = append(c.observers, o) }
}

// Coordinator adapts a worker group to the statistical engine's
// measure-a-batch contract.
//
// Thread Safety: Not safe for concurrent use. The engine calls
// MeasureBatch sequentially.
type Coordinator struct {
	benchmark string
	channel   *ControlChannel
	logger    *logging.Logger
	observers []BatchObserver
	tracer    trace.Tracer
}

// NewCoordinator creates the adapter for benchmark on a resolved
// coordinator topology.
func NewCoordinator(topo *topology.Topology, benchmark string, opts ...CoordinatorOption) (*Coordinator, error) {
	if topo == nil || !topo.Role.IsCoordinator() {
		return nil, NewFailure(ClassTopology, benchmark, -1, errors.New("coordinator needs the coordinator topology"))
	}
	channel, err := NewControlChannel(topo.World)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		benchmark: benchmark,
		channel:   channel,
		logger:    logging.Discard(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("benchmark", benchmark)
	return c, nil
}

// MeasureBatch runs iterations raw kernel invocations on the group and
// returns the accumulated kernel time.
//
// Description:
//
//	Broadcasts one IterationRequest and blocks for the matching
//	TimingResult. Every worker runs setup and kernel exactly iterations
//	times. Only kernel time is counted.
//
// Inputs:
//
//	ctx - Cancelled when the group is torn down; context.Cause is
//	      reported in that case.
//	iterations - Must be at least 1.
//
// Outputs:
//
//	time.Duration - Accumulated kernel time of the batch.
//	error - A *Failure: ClassSetup when a setup failed (the benchmark
//	        should stop), ClassProtocol or ClassKernel otherwise.
func (c *Coordinator) MeasureBatch(ctx context.Context, iterations uint64) (time.Duration, error) {
	ctx, span := c.tracer.Start(ctx, "protocol.Coordinator.MeasureBatch",
		trace.WithAttributes(
			attribute.String("benchmark.name", c.benchmark),
			attribute.Int64("benchmark.iterations", int64(min(iterations, math.MaxInt64))),
		),
	)
	defer span.End()

	elapsed, err := c.measure(ctx, iterations)
	for _, o := range c.observers {
		o.ObserveBatch(ctx, c.benchmark, iterations, elapsed, err)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Classify(err).String())
		return elapsed, err
	}
	span.SetAttributes(attribute.Int64("benchmark.elapsed_ns", elapsed.Nanoseconds()))
	span.SetStatus(codes.Ok, "batch completed")
	return elapsed, nil
}

func (c *Coordinator) measure(ctx context.Context, iterations uint64) (time.Duration, error) {
	if iterations == 0 {
		return 0, NewFailure(ClassProtocol, c.benchmark, -1, errors.New("batch of zero iterations"))
	}

	req, err := c.channel.Request(ctx, iterations)
	if err != nil {
		return 0, c.classify(ctx, err)
	}
	res, err := c.channel.AwaitResult(ctx)
	if err != nil {
		return 0, c.classify(ctx, err)
	}

	elapsed := nanosToDuration(res.ElapsedNanos)
	if res.Failed() {
		c.logger.Warn("setup failed",
			"rank", res.FailedRank,
			"seq", req.Seq,
			"completed", res.Completed,
			"error", res.Failure,
		)
		return elapsed, NewFailure(ClassSetup, c.benchmark, res.FailedRank, errors.New(res.Failure))
	}

	c.logger.Debug("batch measured", "seq", req.Seq, "iterations", iterations, "elapsed", elapsed)
	return elapsed, nil
}

// classify turns a channel or transport error into a Failure. A cancelled
// context reports its cause, which the launcher sets when a worker exits.
func (c *Coordinator) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, ctx.Err()) {
			err = fmt.Errorf("%w (%v)", cause, err)
		}
	}
	var f *Failure
	if errors.As(err, &f) {
		if f.Benchmark == "" {
			f.Benchmark = c.benchmark
		}
		return f
	}
	return NewFailure(ClassKernel, c.benchmark, -1, err)
}

// Terminate sends the termination sentinel to every worker. Idempotent.
func (c *Coordinator) Terminate(ctx context.Context) error {
	if err := c.channel.Terminate(ctx); err != nil {
		return c.classify(ctx, err)
	}
	return nil
}

func nanosToDuration(n uint64) time.Duration {
	if n > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(n)
}
