// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package launcher starts and supervises the worker processes of a group.
//
// The driver re-executes its own binary once per worker rank:
//
//	driver (world 0) ──exec──► self --worker --kernel <name>   (world 1)
//	                 ──exec──► self --worker --kernel <name>   (world 2)
//	                 ...
//
// Each worker learns its rank and the rendezvous address from GROUPBENCH_*
// environment variables and keeps its stdin open to the driver. Closing stdin
// asks workers to go away; a worker exiting on its own before that cancels
// the group's context with the exit as its cause.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/groupbench/pkg/logging"
)

var (
	// ErrWorkerExited indicates a worker ended before the group was shut down.
	ErrWorkerExited = errors.New("worker exited unexpectedly")

	// ErrInvalidGroup indicates launch parameters that cannot form a group.
	ErrInvalidGroup = errors.New("invalid worker group")
)

// Flags a launched worker receives.
const (
	FlagWorker = "--worker"
	FlagKernel = "--kernel"
)

// Config configures a Launcher.
type Config struct {
	// Executable is the binary to re-execute. Default: os.Executable().
	Executable string

	// ExtraArgs are appended to every worker's arguments.
	ExtraArgs []string

	// Host is advertised to workers for their own listeners.
	// Default: 127.0.0.1
	Host string

	// Env is the base environment. Default: os.Environ().
	Env []string

	// Stdout and Stderr receive worker output. Default: os.Stderr for both,
	// keeping the driver's stdout for reports.
	Stdout io.Writer
	Stderr io.Writer

	// ShutdownGrace bounds how long Shutdown waits before killing workers.
	// Default: 10s
	ShutdownGrace time.Duration
}

// Launcher starts worker groups.
type Launcher struct {
	pm     ProcessManager
	cfg    Config
	logger *logging.Logger
}

// New creates a Launcher, filling Config defaults.
func New(pm ProcessManager, cfg Config, logger *logging.Logger) (*Launcher, error) {
	if cfg.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve own executable: %w", err)
		}
		cfg.Executable = exe
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Env == nil {
		cfg.Env = os.Environ()
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stderr
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Launcher{pm: pm, cfg: cfg, logger: logger}, nil
}

// Request describes one group to launch.
type Request struct {
	Kernel    string
	Session   string
	WorldSize int
	RootAddr  string
}

// Group is a running set of worker processes.
//
// Thread Safety: Safe for concurrent use.
type Group struct {
	session string
	procs   []Process
	eg      *errgroup.Group
	ctx     context.Context
	cancel  context.CancelCauseFunc
	closing atomic.Bool
	grace   time.Duration
	logger  *logging.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// Launch starts world ranks 1..WorldSize-1 running req.Kernel.
//
// Description:
//
//	Each worker is started with `--worker --kernel <name>` plus ExtraArgs
//	and the launch context in its environment. A monitor goroutine per
//	worker waits for its exit; an exit before Shutdown cancels the group's
//	context with an ErrWorkerExited cause.
//
// Outputs:
//
//	*Group - Running workers. The caller must call Shutdown.
//	error - When any worker fails to start; workers already started are
//	        killed.
func (l *Launcher) Launch(ctx context.Context, req Request) (*Group, error) {
	if req.WorldSize < 2 || req.Kernel == "" || req.RootAddr == "" {
		return nil, fmt.Errorf("%w: kernel %q, world size %d, root %q",
			ErrInvalidGroup, req.Kernel, req.WorldSize, req.RootAddr)
	}

	gctx, cancel := context.WithCancelCause(ctx)
	eg, egctx := errgroup.WithContext(gctx)
	g := &Group{
		session: req.Session,
		eg:      eg,
		ctx:     egctx,
		cancel:  cancel,
		grace:   l.cfg.ShutdownGrace,
		logger:  l.logger.With("session", req.Session, "kernel", req.Kernel),
	}

	args := append([]string{FlagWorker, FlagKernel, req.Kernel}, l.cfg.ExtraArgs...)
	for rank := 1; rank < req.WorldSize; rank++ {
		lc := LaunchContext{
			Session:   req.Session,
			Rank:      rank,
			WorldSize: req.WorldSize,
			RootAddr:  req.RootAddr,
			Host:      l.cfg.Host,
		}
		env := append(append([]string(nil), l.cfg.Env...), lc.Environ()...)
		p, err := l.pm.Start(gctx, Spec{
			Path:   l.cfg.Executable,
			Args:   args,
			Env:    env,
			Stdout: l.cfg.Stdout,
			Stderr: l.cfg.Stderr,
		})
		if err != nil {
			g.abort()
			return nil, fmt.Errorf("launch rank %d: %w", rank, err)
		}
		g.procs = append(g.procs, p)
		g.logger.Debug("worker started", "rank", rank, "pid", p.Pid())
		g.monitor(rank, p)
	}
	return g, nil
}

func (g *Group) monitor(rank int, p Process) {
	g.eg.Go(func() error {
		err := p.Wait()
		if g.closing.Load() {
			if err != nil {
				g.logger.Debug("worker exit during shutdown", "rank", rank, "error", err)
			}
			return nil
		}
		cause := fmt.Errorf("%w: rank %d (pid %d)", ErrWorkerExited, rank, p.Pid())
		if err != nil {
			cause = fmt.Errorf("%w: rank %d (pid %d): %w", ErrWorkerExited, rank, p.Pid(), err)
		}
		g.logger.Error("worker exited", "rank", rank, "error", cause)
		g.cancel(cause)
		return cause
	})
}

// abort kills every started worker after a failed launch.
func (g *Group) abort() {
	g.closing.Store(true)
	for _, p := range g.procs {
		_ = p.Kill()
	}
	_ = g.eg.Wait()
	g.cancel(context.Canceled)
}

// Session returns the group's session identifier.
func (g *Group) Session() string {
	return g.session
}

// Size returns the number of worker processes.
func (g *Group) Size() int {
	return len(g.procs)
}

// Context is cancelled when a worker exits unexpectedly. context.Cause
// returns the ErrWorkerExited error in that case.
func (g *Group) Context() context.Context {
	return g.ctx
}

// ExpectExit marks worker exits from now on as part of the shutdown. Call it
// before telling the workers to terminate so their exit does not cancel the
// group's context.
func (g *Group) ExpectExit() {
	g.closing.Store(true)
}

// Shutdown closes every worker's stdin and waits for the workers to exit,
// killing them after the grace period or when ctx ends.
//
// Outputs:
//
//	error - The first unexpected worker exit, if any happened before
//	        Shutdown. Exits during shutdown are expected.
func (g *Group) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.closing.Store(true)
		for _, p := range g.procs {
			_ = p.CloseStdin()
		}

		done := make(chan error, 1)
		go func() { done <- g.eg.Wait() }()

		timer := time.NewTimer(g.grace)
		defer timer.Stop()
		select {
		case err := <-done:
			g.shutdownErr = err
		case <-timer.C:
			g.logger.Warn("workers did not exit in time, killing", "grace", g.grace)
			g.kill()
			g.shutdownErr = <-done
		case <-ctx.Done():
			g.kill()
			g.shutdownErr = <-done
		}
		g.cancel(context.Canceled)
	})
	return g.shutdownErr
}

func (g *Group) kill() {
	for _, p := range g.procs {
		_ = p.Kill()
	}
}
