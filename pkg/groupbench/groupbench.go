// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package groupbench is the entry point of a benchmark binary.
//
// The same executable plays two roles. Started by a user it is the driver:
// it selects benchmarks, launches one worker group per benchmark, acts as
// the coordinator and reports. Started by the driver with --worker it joins
// the group named in its environment and serves the timed execution
// protocol for one kernel.
//
//	func main() {
//	    reg := registry.New()
//	    g := reg.Group("collectives")
//	    registry.Add(g, "bcast", setupBcast, bcastKernel)
//	    groupbench.Main(reg)
//	}
package groupbench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/AleutianAI/groupbench/pkg/config"
	"github.com/AleutianAI/groupbench/pkg/launcher"
	"github.com/AleutianAI/groupbench/pkg/protocol"
	"github.com/AleutianAI/groupbench/pkg/registry"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStdio replaces the process's standard streams.
func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(d *Dispatcher) {
		d.stdin, d.stdout, d.stderr = stdin, stdout, stderr
	}
}

// WithLookupEnv replaces os.LookupEnv for the launch context.
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(d *Dispatcher) { d.lookupEnv = lookup }
}

// WithProcessManager replaces how worker processes are started.
func WithProcessManager(pm launcher.ProcessManager) Option {
	return func(d *Dispatcher) { d.pm = pm }
}

// WithExecutable sets the binary workers are started from. Default: the
// running executable.
func WithExecutable(path string) Option {
	return func(d *Dispatcher) { d.executable = path }
}

// WithPrometheusRegistry registers the driver's collectors on reg and serves
// reg from the status server.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(d *Dispatcher) { d.promRegistry = reg }
}

// Dispatcher decides the role of the process and runs it.
//
// Thread Safety: Run may be called once at a time.
type Dispatcher struct {
	reg          *registry.Registry
	stdin        io.Reader
	stdout       io.Writer
	stderr       io.Writer
	lookupEnv    func(string) (string, bool)
	pm           launcher.ProcessManager
	executable   string
	promRegistry *prometheus.Registry
}

// NewDispatcher creates a dispatcher over the benchmarks in reg.
func NewDispatcher(reg *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:       reg,
		stdin:     os.Stdin,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.pm == nil {
		d.pm = launcher.NewDefaultProcessManager()
	}
	return d
}

// Main runs the dispatcher on the process arguments and exits with its
// exit code. SIGINT and SIGTERM cancel the run.
func Main(reg *registry.Registry, opts ...Option) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := NewDispatcher(reg, opts...).Run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// Run executes one invocation and returns the process exit code:
// protocol.ExitOK, protocol.ExitFailure, or protocol.ExitUsage.
func (d *Dispatcher) Run(ctx context.Context, args []string) int {
	cmd := d.Command()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(d.stderr, "groupbench: %v\n", err)
	}
	return protocol.ExitCode(err)
}

// invocation holds the parsed command line.
type invocation struct {
	cfg        config.Config
	configPath string
	worker     bool
	kernel     string
	list       bool
}

// Command builds the root command. Exposed for embedding the benchmarks
// into a larger cobra tree.
func (d *Dispatcher) Command() *cobra.Command {
	inv := &invocation{cfg: config.Default()}

	cmd := &cobra.Command{
		Use:   "groupbench [filter]",
		Short: "Run multi-process benchmarks",
		Long: `Runs every registered benchmark whose name matches the optional filter
regular expression. Each benchmark gets its own group of worker processes;
this process coordinates the group and reports the statistics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := d.resolveConfig(cmd.Flags(), inv); err != nil {
				return err
			}
			switch {
			case inv.kernel != "" && !inv.worker:
				return usageError("%s is only valid with %s", launcher.FlagKernel, launcher.FlagWorker)
			case inv.worker:
				if len(args) > 0 {
					return usageError("workers take no filter")
				}
				return d.runWorker(cmd.Context(), inv)
			case inv.list:
				return d.list(args)
			default:
				filter := ""
				if len(args) == 1 {
					filter = args[0]
				}
				return d.runDriver(cmd.Context(), inv, filter)
			}
		},
	}
	cmd.SetIn(d.stdin)
	cmd.SetOut(d.stdout)
	cmd.SetErr(d.stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", protocol.ErrUsage, err)
	})

	fs := cmd.Flags()
	fs.BoolVar(&inv.worker, "worker", false, "run as a worker of a launched group")
	fs.StringVar(&inv.kernel, "kernel", "", "benchmark a worker serves")
	_ = fs.MarkHidden("worker")
	_ = fs.MarkHidden("kernel")
	fs.StringVar(&inv.configPath, "config", "", "YAML configuration file")
	fs.BoolVar(&inv.list, "list", false, "list the matching benchmarks and exit")
	bindConfigFlags(fs, &inv.cfg)

	cmd.Args = func(c *cobra.Command, args []string) error {
		if err := cobra.MaximumNArgs(1)(c, args); err != nil {
			return fmt.Errorf("%w: %w", protocol.ErrUsage, err)
		}
		return nil
	}
	return cmd
}

// resolveConfig loads the configuration file and reapplies the flags the
// user set, so flags override the file and the file overrides defaults.
func (d *Dispatcher) resolveConfig(flags *pflag.FlagSet, inv *invocation) error {
	cfg, err := config.Load(inv.configPath)
	if err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrUsage, err)
	}

	replay := pflag.NewFlagSet("replay", pflag.ContinueOnError)
	bindConfigFlags(replay, &cfg)
	var setErr error
	flags.Visit(func(f *pflag.Flag) {
		if replay.Lookup(f.Name) == nil || setErr != nil {
			return
		}
		if err := replay.Set(f.Name, f.Value.String()); err != nil {
			setErr = fmt.Errorf("--%s: %w", f.Name, err)
		}
	})
	if setErr != nil {
		return fmt.Errorf("%w: %w", protocol.ErrUsage, setErr)
	}
	if flags.Changed("status-addr") {
		cfg.Status.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrUsage, err)
	}
	inv.cfg = cfg
	return nil
}

// workerArgs are forwarded to every worker after --worker --kernel.
func workerArgs(inv *invocation) []string {
	args := []string{"--log-level", inv.cfg.Logging.Level}
	if inv.cfg.Logging.JSON {
		args = append(args, "--log-json")
	}
	if inv.configPath != "" {
		args = append(args, "--config", inv.configPath)
	}
	return args
}

func (d *Dispatcher) list(args []string) error {
	filter, err := compileFilter(args)
	if err != nil {
		return err
	}
	for _, desc := range d.reg.Match(filter) {
		fmt.Fprintf(d.stdout, "%s: benchmark\n", desc.Name)
	}
	return nil
}

func usageError(format string, args ...any) error {
	return protocol.NewFailure(protocol.ClassUsage, "", -1, fmt.Errorf(format, args...))
}

var errDriverGone = errors.New("driver closed the worker's stdin")
