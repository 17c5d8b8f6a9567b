// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package groupbench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/AleutianAI/groupbench/pkg/comm"
	"github.com/AleutianAI/groupbench/pkg/comm/mesh"
	"github.com/AleutianAI/groupbench/pkg/launcher"
	"github.com/AleutianAI/groupbench/pkg/logging"
	"github.com/AleutianAI/groupbench/pkg/protocol"
	"github.com/AleutianAI/groupbench/pkg/topology"
)

// runWorker joins the group described by the launch context and serves the
// kernel until the coordinator terminates it.
//
// Description:
//
//	A worker without a launch context was not started by a driver, which
//	is a usage error. The worker exits when the termination message
//	arrives, when a kernel fails, or when its stdin reaches EOF because
//	the driver went away.
func (d *Dispatcher) runWorker(ctx context.Context, inv *invocation) error {
	if inv.kernel == "" {
		return usageError("%s needs %s", launcher.FlagWorker, launcher.FlagKernel)
	}
	lc, err := launcher.FromEnv(d.lookupEnv)
	if errors.Is(err, launcher.ErrNoLaunchContext) {
		return usageError("%s outside a launched group: no driver started this process", launcher.FlagWorker)
	}
	if err != nil {
		return usageError("malformed launch context: %v", err)
	}
	desc, err := d.reg.Lookup(inv.kernel)
	if err != nil {
		return usageError("%v", err)
	}

	logCfg := inv.cfg.Logging.Logging("groupbench-worker")
	logCfg.Output = d.stderr
	logger := logging.New(logCfg).With("rank", lc.Rank, "session", lc.Session, "benchmark", desc.Name)
	defer logger.Close()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go watchDriver(d.stdin, cancel)

	tr, err := mesh.New(mesh.Config{
		Rank:        lc.Rank,
		Size:        lc.WorldSize,
		Session:     lc.Session,
		ListenAddr:  net.JoinHostPort(lc.Host, "0"),
		RootAddr:    lc.RootAddr,
		JoinTimeout: inv.cfg.Group.JoinTimeout,
		Logger:      logger,
	})
	if err != nil {
		return protocol.NewFailure(protocol.ClassTopology, desc.Name, -1, err)
	}
	world := comm.NewWorld(tr)
	defer world.Close()

	if err := tr.Join(ctx); err != nil {
		return protocol.NewFailure(protocol.ClassTopology, desc.Name, -1, withCause(ctx, err))
	}
	topo, err := topology.Resolve(ctx, world, false)
	if err != nil {
		return err
	}
	logger.Debug("joined group", "group_rank", topo.Role.Rank, "group_size", topo.GroupSize())

	w, err := protocol.NewWorker(topo, desc, protocol.WithWorkerLogger(logger))
	if err != nil {
		return err
	}
	if err := w.Serve(ctx); err != nil {
		err = withCause(ctx, err)
		logger.Error("worker failed", "error", err)
		return err
	}
	return nil
}

// watchDriver cancels the worker when its stdin reaches EOF. The launcher
// keeps a worker's stdin open for as long as the driver runs.
func watchDriver(stdin io.Reader, cancel context.CancelCauseFunc) {
	_, _ = io.Copy(io.Discard, stdin)
	cancel(errDriverGone)
}

// withCause annotates err with the reason ctx ended, if it did.
func withCause(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(err, cause) {
		return err
	}
	return fmt.Errorf("%w (%w)", err, cause)
}
