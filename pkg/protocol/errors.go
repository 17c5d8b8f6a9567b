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
	"errors"
	"fmt"

	"github.com/AleutianAI/groupbench/pkg/topology"
)

// -----------------------------------------------------------------------------
// Sentinels
// -----------------------------------------------------------------------------

var (
	// ErrTopology marks an invalid group layout. Fatal.
	ErrTopology = topology.ErrTopology

	// ErrSetupFailure marks a setup function error on some worker. The
	// current benchmark stops and the driver moves on.
	ErrSetupFailure = errors.New("setup failure")

	// ErrKernelFailure marks a kernel error or an unexpected worker exit.
	// Fatal.
	ErrKernelFailure = errors.New("kernel failure")

	// ErrProtocolViolation marks an out-of-order or malformed control
	// message. Fatal.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrUsage marks an invalid invocation detected before any group
	// communication.
	ErrUsage = errors.New("usage error")
)

// -----------------------------------------------------------------------------
// Classes
// -----------------------------------------------------------------------------

// Class is the failure taxonomy of a benchmark run.
type Class int

const (
	ClassNone Class = iota
	ClassTopology
	ClassSetup
	ClassKernel
	ClassProtocol
	ClassUsage
)

// String returns the class name used in logs and reports.
func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTopology:
		return "topology"
	case ClassSetup:
		return "setup"
	case ClassKernel:
		return "kernel"
	case ClassProtocol:
		return "protocol"
	case ClassUsage:
		return "usage"
	default:
		return "unknown"
	}
}

// Fatal reports whether the class aborts the whole run. Setup failures only
// abort the benchmark they happen in.
func (c Class) Fatal() bool {
	return c != ClassNone && c != ClassSetup
}

func (c Class) sentinel() error {
	switch c {
	case ClassTopology:
		return ErrTopology
	case ClassSetup:
		return ErrSetupFailure
	case ClassKernel:
		return ErrKernelFailure
	case ClassProtocol:
		return ErrProtocolViolation
	case ClassUsage:
		return ErrUsage
	default:
		return nil
	}
}

// -----------------------------------------------------------------------------
// Failure
// -----------------------------------------------------------------------------

// Failure is a classified error carrying the benchmark and worker involved.
//
// errors.Is matches both the class sentinel and the wrapped cause:
//
//	var f *protocol.Failure
//	if errors.As(err, &f) && errors.Is(err, protocol.ErrSetupFailure) { ... }
type Failure struct {
	Class     Class
	Benchmark string

	// Rank is the group rank of the worker involved, or -1 when unknown or
	// when the coordinator is involved.
	Rank int

	Err error
}

// NewFailure builds a Failure. A nil err is replaced by the class sentinel.
func NewFailure(class Class, benchmark string, rank int, err error) *Failure {
	if err == nil {
		err = class.sentinel()
	}
	return &Failure{Class: class, Benchmark: benchmark, Rank: rank, Err: err}
}

func (f *Failure) Error() string {
	msg := f.Class.String() + " failure"
	if f.Benchmark != "" {
		msg += fmt.Sprintf(" in benchmark %q", f.Benchmark)
	}
	if f.Rank >= 0 {
		msg += fmt.Sprintf(" on group rank %d", f.Rank)
	}
	if f.Err != nil && f.Err != f.Class.sentinel() {
		msg += ": " + f.Err.Error()
	}
	return msg
}

// Unwrap exposes both the class sentinel and the cause to errors.Is/As.
func (f *Failure) Unwrap() []error {
	out := []error{}
	if s := f.Class.sentinel(); s != nil {
		out = append(out, s)
	}
	if f.Err != nil {
		out = append(out, f.Err)
	}
	return out
}

// Classify returns the class of err. Unclassified non-nil errors are
// reported as ClassKernel: outside the typed failures, a group can only
// fail by losing a worker.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Class
	}
	switch {
	case errors.Is(err, ErrUsage):
		return ClassUsage
	case errors.Is(err, ErrTopology):
		return ClassTopology
	case errors.Is(err, ErrProtocolViolation):
		return ClassProtocol
	case errors.Is(err, ErrSetupFailure):
		return ClassSetup
	default:
		return ClassKernel
	}
}

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// ExitCode maps err to the process exit code.
func ExitCode(err error) int {
	switch Classify(err) {
	case ClassNone:
		return ExitOK
	case ClassUsage:
		return ExitUsage
	default:
		return ExitFailure
	}
}

func violation(format string, args ...any) error {
	return NewFailure(ClassProtocol, "", -1, fmt.Errorf(format, args...))
}
