// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the driver configuration from an optional YAML file.
//
// Precedence, lowest first: Default(), the YAML file, command-line flags.
// Flags are bound to the loaded struct by the dispatcher, so a flag that is
// not given keeps the file's value.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/groupbench/pkg/baseline"
	"github.com/AleutianAI/groupbench/pkg/engine"
	"github.com/AleutianAI/groupbench/pkg/export"
	"github.com/AleutianAI/groupbench/pkg/logging"
	"github.com/AleutianAI/groupbench/pkg/status"
	"github.com/AleutianAI/groupbench/pkg/telemetry"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete driver configuration.
type Config struct {
	Engine    engine.Config    `yaml:"engine"`
	Group     GroupConfig      `yaml:"group"`
	Output    engine.Output    `yaml:"output"`
	Baseline  baseline.Config  `yaml:"baseline"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Export    export.Config    `yaml:"export"`
	Status    status.Config    `yaml:"status"`
	Logging   LoggingConfig    `yaml:"logging"`
	Driver    DriverConfig     `yaml:"driver"`
}

// GroupConfig controls worker groups.
type GroupConfig struct {
	// DefaultSize is the number of workers for benchmarks that do not set
	// their own group size.
	DefaultSize int `yaml:"default_size" validate:"gte=1,lte=1024"`

	// Host is the address workers and the coordinator listen on.
	Host string `yaml:"host" validate:"required"`

	// JoinTimeout bounds the rendezvous of a new group.
	JoinTimeout time.Duration `yaml:"join_timeout" validate:"gt=0"`

	// ShutdownGrace bounds how long workers get to exit after the
	// termination message before they are killed.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" validate:"gt=0"`
}

// LoggingConfig controls the driver's and workers' logs.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`

	// Dir enables per-day JSON log files in addition to stderr.
	Dir string `yaml:"dir"`
}

// Logging converts the section into a logger configuration for service.
func (c LoggingConfig) Logging(service string) logging.Config {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.Config{Level: level, JSON: c.JSON, LogDir: c.Dir, Service: service}
}

// DriverConfig controls the driver process itself.
type DriverConfig struct {
	// LockDir holds the single-driver lock file. Default: os.TempDir().
	LockDir string `yaml:"lock_dir"`

	// FailFast stops the run at the first setup failure instead of moving
	// on to the next benchmark.
	FailFast bool `yaml:"fail_fast"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Engine: engine.DefaultConfig(),
		Group: GroupConfig{
			DefaultSize:   4,
			Host:          "127.0.0.1",
			JoinTimeout:   30 * time.Second,
			ShutdownGrace: 10 * time.Second,
		},
		Output:    engine.Output{Format: engine.FormatText},
		Baseline:  baseline.DefaultConfig(),
		Telemetry: telemetry.DefaultConfig(),
		Status:    status.DefaultConfig(),
		Logging:   LoggingConfig{Level: "info"},
		Driver:    DriverConfig{LockDir: os.TempDir()},
	}
}

// Load reads path over the defaults and validates the result. An empty
// path returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Write stores cfg as YAML at path, creating parent directories.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and the engine's own constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s", ErrInvalid, describe(verrs))
		}
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("%w: engine: %w", ErrInvalid, err)
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	msg := ""
	for i, fe := range verrs {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += fmt.Sprintf(" (%s)", fe.Param())
		}
	}
	return msg
}
