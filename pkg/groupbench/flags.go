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
	"github.com/spf13/pflag"

	"github.com/AleutianAI/groupbench/pkg/config"
	"github.com/AleutianAI/groupbench/pkg/engine"
)

// bindConfigFlags registers every flag that maps onto the configuration.
// The current values of cfg become the defaults.
func bindConfigFlags(fs *pflag.FlagSet, cfg *config.Config) {
	engine.BindFlags(fs, &cfg.Engine, &cfg.Output)

	fs.IntVar(&cfg.Group.DefaultSize, "group-size", cfg.Group.DefaultSize, "workers per benchmark that does not set its own size")
	fs.StringVar(&cfg.Group.Host, "host", cfg.Group.Host, "address the group listens on")
	fs.DurationVar(&cfg.Group.JoinTimeout, "join-timeout", cfg.Group.JoinTimeout, "time allowed for a group to form")
	fs.DurationVar(&cfg.Group.ShutdownGrace, "shutdown-grace", cfg.Group.ShutdownGrace, "time workers get to exit before they are killed")

	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "log level: debug, info, warn, error")
	fs.BoolVar(&cfg.Logging.JSON, "log-json", cfg.Logging.JSON, "write logs as JSON")
	fs.StringVar(&cfg.Logging.Dir, "log-dir", cfg.Logging.Dir, "also write JSON log files to this directory")

	fs.StringVar(&cfg.Baseline.Backend, "baseline-backend", cfg.Baseline.Backend, "baseline store: file or badger")
	fs.StringVar(&cfg.Baseline.Dir, "baseline-dir", cfg.Baseline.Dir, "directory of the baseline store")

	fs.StringVar(&cfg.Status.Addr, "status-addr", cfg.Status.Addr, "serve run status and metrics on this address")
	fs.StringVar(&cfg.Driver.LockDir, "lock-dir", cfg.Driver.LockDir, "directory of the single-driver lock")
	fs.BoolVar(&cfg.Driver.FailFast, "fail-fast", cfg.Driver.FailFast, "stop at the first setup failure")
}
