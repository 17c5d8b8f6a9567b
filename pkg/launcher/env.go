// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package launcher

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
)

// Environment variables a launched worker receives.
const (
	EnvSession   = "GROUPBENCH_SESSION"
	EnvRank      = "GROUPBENCH_RANK"
	EnvWorldSize = "GROUPBENCH_WORLD_SIZE"
	EnvRootAddr  = "GROUPBENCH_ROOT_ADDR"
	EnvHost      = "GROUPBENCH_HOST"
)

// ErrNoLaunchContext indicates the process was not started by a launcher.
var ErrNoLaunchContext = errors.New("no launch context in environment")

// LaunchContext is what a worker needs to join its group.
type LaunchContext struct {
	Session   string
	Rank      int
	WorldSize int
	RootAddr  string
	Host      string
}

// NewSession returns a fresh session identifier.
func NewSession() string {
	return uuid.NewString()
}

// Environ renders the context as KEY=value pairs.
func (lc LaunchContext) Environ() []string {
	return []string{
		EnvSession + "=" + lc.Session,
		EnvRank + "=" + strconv.Itoa(lc.Rank),
		EnvWorldSize + "=" + strconv.Itoa(lc.WorldSize),
		EnvRootAddr + "=" + lc.RootAddr,
		EnvHost + "=" + lc.Host,
	}
}

// Validate checks the context describes a worker of a real group.
func (lc LaunchContext) Validate() error {
	if _, err := uuid.Parse(lc.Session); err != nil {
		return fmt.Errorf("%s %q: %w", EnvSession, lc.Session, err)
	}
	if lc.WorldSize < 2 {
		return fmt.Errorf("%s=%d: a group needs a coordinator and a worker", EnvWorldSize, lc.WorldSize)
	}
	if lc.Rank < 1 || lc.Rank >= lc.WorldSize {
		return fmt.Errorf("%s=%d outside 1..%d", EnvRank, lc.Rank, lc.WorldSize-1)
	}
	if lc.RootAddr == "" {
		return fmt.Errorf("%s is empty", EnvRootAddr)
	}
	return nil
}

// FromEnv reads the launch context through lookup, usually os.LookupEnv.
//
// Outputs:
//
//	LaunchContext - Validated context.
//	error - ErrNoLaunchContext when no session is set; a descriptive error
//	        for a malformed context.
func FromEnv(lookup func(string) (string, bool)) (LaunchContext, error) {
	session, ok := lookup(EnvSession)
	if !ok || session == "" {
		return LaunchContext{}, ErrNoLaunchContext
	}
	lc := LaunchContext{Session: session}

	var err error
	if lc.Rank, err = intVar(lookup, EnvRank); err != nil {
		return LaunchContext{}, err
	}
	if lc.WorldSize, err = intVar(lookup, EnvWorldSize); err != nil {
		return LaunchContext{}, err
	}
	lc.RootAddr, _ = lookup(EnvRootAddr)
	lc.Host, _ = lookup(EnvHost)
	if lc.Host == "" {
		lc.Host = "127.0.0.1"
	}
	if err := lc.Validate(); err != nil {
		return LaunchContext{}, err
	}
	return lc, nil
}

// InsideGroup reports whether the current process was launched as a worker.
func InsideGroup() bool {
	_, ok := os.LookupEnv(EnvSession)
	return ok
}

func intVar(lookup func(string) (string, bool), key string) (int, error) {
	raw, ok := lookup(key)
	if !ok {
		return 0, fmt.Errorf("%s is not set", key)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, raw, err)
	}
	return v, nil
}
