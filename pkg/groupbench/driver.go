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
	"net"
	"os"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/groupbench/pkg/baseline"
	"github.com/AleutianAI/groupbench/pkg/comm"
	"github.com/AleutianAI/groupbench/pkg/comm/mesh"
	"github.com/AleutianAI/groupbench/pkg/config"
	"github.com/AleutianAI/groupbench/pkg/engine"
	"github.com/AleutianAI/groupbench/pkg/export"
	"github.com/AleutianAI/groupbench/pkg/launcher"
	"github.com/AleutianAI/groupbench/pkg/logging"
	"github.com/AleutianAI/groupbench/pkg/protocol"
	"github.com/AleutianAI/groupbench/pkg/registry"
	"github.com/AleutianAI/groupbench/pkg/status"
	"github.com/AleutianAI/groupbench/pkg/telemetry"
	"github.com/AleutianAI/groupbench/pkg/topology"
)

// errRunFailed reports a run in which at least one benchmark failed without
// aborting the run.
var errRunFailed = errors.New("one or more benchmarks failed")

// driver runs the selected benchmarks one group at a time.
type driver struct {
	cfg        runSettings
	logger     *logging.Logger
	engine     *engine.Engine
	launcher   *launcher.Launcher
	reporter   engine.Reporter
	summary    *engine.Summary
	sink       *telemetry.Sink
	comparator *baseline.Comparator
	status     *status.Server
}

// runSettings is the part of the configuration the benchmark loop reads.
type runSettings struct {
	host         string
	defaultSize  int
	joinTimeout  time.Duration
	failFast     bool
	baseline     string
	saveBaseline string
}

// runDriver runs every benchmark matching filter.
//
// Description:
//
//	Takes the single-driver lock, sets up telemetry, reporting and the
//	optional status server and baseline store, then runs each selected
//	benchmark in its own worker group. A setup failure ends only its
//	benchmark unless fail-fast is set; every other failure class ends the
//	run. The summary is always reported and exported.
//
// Outputs:
//
//	error - nil when every benchmark succeeded, the fatal failure that
//	        ended the run, or errRunFailed when benchmarks failed with
//	        setup failures.
func (d *Dispatcher) runDriver(ctx context.Context, inv *invocation, filter string) error {
	if _, inside := d.lookupEnv(launcher.EnvSession); inside {
		return usageError("driver started inside a worker group (%s is set); workers need %s", launcher.EnvSession, launcher.FlagWorker)
	}
	re, err := compileFilter([]string{filter})
	if err != nil {
		return err
	}
	cfg := inv.cfg

	executable := d.executable
	if executable == "" {
		if executable, err = os.Executable(); err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
	}
	lock := launcher.NewProcessLock(cfg.Driver.LockDir, launcher.LockName(executable))
	if err := lock.Acquire(); err != nil {
		var held *launcher.ErrLockHeld
		if errors.As(err, &held) {
			return usageError("%v", err)
		}
		return err
	}
	defer lock.Release()

	logCfg := cfg.Logging.Logging("groupbench")
	logCfg.Output = d.stderr
	logger := logging.New(logCfg)
	defer logger.Close()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	drv := &driver{
		cfg: runSettings{
			host:         cfg.Group.Host,
			defaultSize:  cfg.Group.DefaultSize,
			joinTimeout:  cfg.Group.JoinTimeout,
			failFast:     cfg.Driver.FailFast,
			baseline:     cfg.Output.Baseline,
			saveBaseline: cfg.Output.SaveBaseline,
		},
		logger: logger,
	}

	sinkOpts := []telemetry.SinkOption{}
	if d.promRegistry != nil {
		prom := telemetry.DefaultPrometheusConfig()
		prom.Registry = d.promRegistry
		sinkOpts = append(sinkOpts, telemetry.WithPrometheus(prom))
	}
	if drv.sink, err = telemetry.NewSink(sinkOpts...); err != nil {
		return fmt.Errorf("create telemetry sink: %w", err)
	}
	defer drv.sink.Close()

	if drv.engine, err = engine.New(cfg.Engine, engine.WithLogger(logger)); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrUsage, err)
	}
	if drv.reporter, err = engine.NewReporter(cfg.Output.Format, d.stdout); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrUsage, err)
	}
	drv.launcher, err = launcher.New(d.pm, launcher.Config{
		Executable:    executable,
		ExtraArgs:     workerArgs(inv),
		Host:          cfg.Group.Host,
		Stdout:        d.stderr,
		Stderr:        d.stderr,
		ShutdownGrace: cfg.Group.ShutdownGrace,
	}, logger)
	if err != nil {
		return err
	}

	if cfg.Output.Baseline != "" || cfg.Output.SaveBaseline != "" {
		store, err := baseline.Open(cfg.Baseline, logger)
		if err != nil {
			return fmt.Errorf("open baseline store: %w", err)
		}
		defer store.Close()
		drv.comparator = baseline.NewComparator(store, cfg.Engine)
	}

	start := time.Now()
	drv.summary = engine.NewSummary(start)

	if cfg.Status.Enabled {
		opts := []status.Option{status.WithLogger(logger)}
		if d.promRegistry != nil {
			opts = append(opts, status.WithMetricsHandler(promhttp.HandlerFor(d.promRegistry, promhttp.HandlerOpts{})))
		}
		drv.status = status.New(cfg.Status, drv.summary, opts...)
		if err := drv.status.Start(); err != nil {
			return fmt.Errorf("start status server: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = drv.status.Shutdown(sctx)
		}()
		logger.Info("status server listening", "addr", drv.status.Addr())
	}

	selected := d.reg.Match(re)
	if len(selected) == 0 {
		logger.Warn("no benchmark matches the filter", "filter", filter)
	}
	runErr := drv.runAll(ctx, selected)

	drv.summary.Finish(time.Now())
	if err := drv.reporter.Summary(drv.summary); err != nil {
		logger.Warn("report summary", "error", err)
	}
	d.export(ctx, cfg, drv.summary, start, logger)
	return runErr
}

// runAll runs benchmarks in order until a fatal failure.
func (drv *driver) runAll(ctx context.Context, benchmarks []registry.Descriptor) error {
	for _, desc := range benchmarks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if drv.status != nil {
			drv.status.SetCurrent(desc.Name)
		}

		result, err := drv.runBenchmark(ctx, desc)
		if err != nil {
			class := protocol.Classify(err)
			drv.recordFailure(ctx, desc.Name, class, result, err)
			if class.Fatal() {
				drv.logger.Error("benchmark failed, stopping the run",
					"benchmark", desc.Name, "class", class.String(), "error", err)
				return err
			}
			if drv.cfg.failFast {
				return err
			}
			continue
		}
		drv.recordResult(ctx, result)
	}
	if drv.status != nil {
		drv.status.SetCurrent("")
	}
	if drv.summary.Failed() {
		return protocol.NewFailure(protocol.ClassSetup, "", -1, errRunFailed)
	}
	return nil
}

// runBenchmark launches a group for desc, measures it and tears it down.
//
// Description:
//
//	The coordinator's end of the mesh listens before the workers start so
//	they can dial it. The engine runs under the group's context, which the
//	launcher cancels when a worker exits, so a crashed worker surfaces as a
//	kernel failure instead of a hang. After a clean run or a setup failure
//	the workers are told to terminate; after anything else they are
//	stopped by closing their stdin.
func (drv *driver) runBenchmark(ctx context.Context, desc registry.Descriptor) (*engine.Result, error) {
	size := desc.EffectiveGroupSize(drv.cfg.defaultSize)
	session := launcher.NewSession()
	logger := drv.logger.With("benchmark", desc.Name, "session", session, "group_size", size)

	root, err := mesh.New(mesh.Config{
		Rank:        0,
		Size:        size + 1,
		Session:     session,
		ListenAddr:  net.JoinHostPort(drv.cfg.host, "0"),
		JoinTimeout: drv.cfg.joinTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, protocol.NewFailure(protocol.ClassTopology, desc.Name, -1, err)
	}
	world := comm.NewWorld(root)
	defer world.Close()

	group, err := drv.launcher.Launch(ctx, launcher.Request{
		Kernel:    desc.Name,
		Session:   session,
		WorldSize: size + 1,
		RootAddr:  root.Addr(),
	})
	if err != nil {
		return nil, protocol.NewFailure(protocol.ClassTopology, desc.Name, -1, err)
	}
	defer group.Shutdown(context.Background())

	gctx := group.Context()
	if err := root.Join(gctx); err != nil {
		return nil, protocol.NewFailure(protocol.ClassTopology, desc.Name, -1, withCause(gctx, err))
	}
	topo, err := topology.Resolve(gctx, world, true)
	if err != nil {
		return nil, protocol.NewFailure(protocol.ClassTopology, desc.Name, -1, withCause(gctx, err))
	}
	coord, err := protocol.NewCoordinator(topo, desc.Name,
		protocol.WithCoordinatorLogger(logger),
		protocol.WithObserver(drv.sink),
	)
	if err != nil {
		return nil, err
	}

	logger.Info("running benchmark")
	result, runErr := drv.engine.Run(gctx, desc.Name, coord)

	if runErr == nil || protocol.Classify(runErr) == protocol.ClassSetup {
		group.ExpectExit()
		if err := coord.Terminate(gctx); err != nil {
			logger.Warn("terminate group", "error", err)
			if runErr == nil {
				runErr = err
			}
		}
	}
	if err := group.Shutdown(ctx); err != nil && runErr == nil {
		runErr = protocol.NewFailure(protocol.ClassKernel, desc.Name, -1, err)
	}
	return result, runErr
}

func (drv *driver) recordResult(ctx context.Context, result *engine.Result) {
	if drv.comparator != nil && drv.cfg.baseline != "" {
		err := drv.comparator.Compare(ctx, drv.cfg.baseline, result)
		switch {
		case errors.Is(err, baseline.ErrNotFound):
			drv.logger.Warn("no baseline to compare with", "benchmark", result.Name, "baseline", drv.cfg.baseline)
		case err != nil:
			drv.logger.Warn("compare with baseline", "benchmark", result.Name, "error", err)
		}
	}
	if drv.comparator != nil && drv.cfg.saveBaseline != "" {
		if err := drv.comparator.Save(ctx, drv.cfg.saveBaseline, result); err != nil {
			drv.logger.Warn("save baseline", "benchmark", result.Name, "error", err)
		}
	}

	drv.summary.AddResult(result)
	if err := drv.sink.RecordResult(ctx, result); err != nil {
		drv.logger.Debug("record result", "error", err)
	}
	if err := drv.reporter.Result(result); err != nil {
		drv.logger.Warn("report result", "benchmark", result.Name, "error", err)
	}
}

func (drv *driver) recordFailure(ctx context.Context, name string, class protocol.Class, partial *engine.Result, err error) {
	drv.summary.AddFailure(name, class.String(), partial, err)
	if serr := drv.sink.RecordFailure(ctx, name, class); serr != nil {
		drv.logger.Debug("record failure", "error", serr)
	}
	if rerr := drv.reporter.Failure(name, class.String(), partial, err); rerr != nil {
		drv.logger.Warn("report failure", "benchmark", name, "error", rerr)
	}
}

// export ships the run to the configured exporters. Export errors are
// logged; they never change the exit code.
func (d *Dispatcher) export(ctx context.Context, cfg config.Config, summary *engine.Summary, start time.Time, logger *logging.Logger) {
	ex, err := export.Open(ctx, cfg.Export, logger)
	if errors.Is(err, export.ErrDisabled) {
		return
	}
	if err != nil {
		logger.Warn("open exporters", "error", err)
		return
	}
	defer ex.Close()

	host, _ := os.Hostname()
	end := time.Now()
	run := export.Run{
		Session:   launcher.NewSession(),
		Host:      host,
		Baseline:  cfg.Output.Baseline,
		StartTime: start,
		EndTime:   end,
		Summary:   summary.Snapshot(end),
	}
	// The run context may already be cancelled; the export still goes out.
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := ex.Export(ectx, run); err != nil {
		logger.Warn("export run", "error", err)
	}
}

// compileFilter compiles the optional benchmark filter. An empty filter
// matches every benchmark.
func compileFilter(args []string) (*regexp.Regexp, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, nil
	}
	re, err := regexp.Compile(args[0])
	if err != nil {
		return nil, usageError("invalid filter %q: %v", args[0], err)
	}
	return re, nil
}
