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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Spec describes a process to start.
type Spec struct {
	Path   string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a started child process. Its stdin stays open until CloseStdin.
type Process interface {
	// Pid returns the operating system process ID.
	Pid() int

	// Wait blocks until the process exits. Call at most once.
	Wait() error

	// CloseStdin closes the write end of the process's stdin pipe.
	CloseStdin() error

	// Kill terminates the process immediately.
	Kill() error
}

// ProcessManager starts processes.
//
// All worker processes go through this interface so the launcher can be
// tested without spawning real processes.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ProcessManager interface {
	// Start launches the process and returns immediately. Cancelling ctx
	// interrupts the process.
	Start(ctx context.Context, spec Spec) (Process, error)
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// DefaultProcessManager starts real processes with os/exec.
type DefaultProcessManager struct {
	// WaitDelay bounds how long Wait lingers after an interrupt before the
	// process is killed.
	WaitDelay time.Duration
}

// NewDefaultProcessManager creates a DefaultProcessManager.
func NewDefaultProcessManager() *DefaultProcessManager {
	return &DefaultProcessManager{WaitDelay: 5 * time.Second}
}

// Start implements ProcessManager.
func (pm *DefaultProcessManager) Start(ctx context.Context, spec Spec) (Process, error) {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = pm.WaitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe for %s: %w", spec.Path, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}
	return &osProcess{cmd: cmd, stdin: stdin}, nil
}

type osProcess struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	closeOnce sync.Once
	closeErr  error
}

func (p *osProcess) Pid() int { return p.cmd.Process.Pid }

func (p *osProcess) Wait() error { return p.cmd.Wait() }

func (p *osProcess) CloseStdin() error {
	p.closeOnce.Do(func() { p.closeErr = p.stdin.Close() })
	return p.closeErr
}

func (p *osProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockProcessManager is a test double for ProcessManager.
//
// StartFunc must be set; calls are recorded in order.
type MockProcessManager struct {
	StartFunc func(ctx context.Context, spec Spec) (Process, error)

	mu    sync.Mutex
	calls []Spec
}

// Start records the spec and delegates to StartFunc.
func (m *MockProcessManager) Start(ctx context.Context, spec Spec) (Process, error) {
	m.mu.Lock()
	m.calls = append(m.calls, spec)
	m.mu.Unlock()
	if m.StartFunc == nil {
		panic("MockProcessManager.StartFunc not set")
	}
	return m.StartFunc(ctx, spec)
}

// Calls returns a copy of the recorded specs.
func (m *MockProcessManager) Calls() []Spec {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Spec, len(m.calls))
	copy(out, m.calls)
	return out
}

// MockProcess is a controllable Process. Exit makes Wait return.
type MockProcess struct {
	PID int

	exited   chan struct{}
	exitOnce sync.Once
	exitErr  error

	mu          sync.Mutex
	stdinClosed bool
	killed      bool

	// ExitOnStdinClose makes CloseStdin end the process cleanly, like a
	// worker noticing EOF.
	ExitOnStdinClose bool
}

// NewMockProcess creates a running MockProcess.
func NewMockProcess(pid int) *MockProcess {
	return &MockProcess{PID: pid, exited: make(chan struct{}), ExitOnStdinClose: true}
}

// Exit ends the process with err. Later calls are ignored.
func (p *MockProcess) Exit(err error) {
	p.exitOnce.Do(func() {
		p.exitErr = err
		close(p.exited)
	})
}

// Pid implements Process.
func (p *MockProcess) Pid() int { return p.PID }

// Wait implements Process.
func (p *MockProcess) Wait() error {
	<-p.exited
	return p.exitErr
}

// CloseStdin implements Process.
func (p *MockProcess) CloseStdin() error {
	p.mu.Lock()
	p.stdinClosed = true
	p.mu.Unlock()
	if p.ExitOnStdinClose {
		p.Exit(nil)
	}
	return nil
}

// Kill implements Process.
func (p *MockProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit(fmt.Errorf("signal: killed"))
	return nil
}

// StdinClosed reports whether CloseStdin was called.
func (p *MockProcess) StdinClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdinClosed
}

// Killed reports whether Kill was called.
func (p *MockProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Compile-time interface compliance check.
var (
	_ ProcessManager = (*DefaultProcessManager)(nil)
	_ ProcessManager = (*MockProcessManager)(nil)
	_ Process        = (*osProcess)(nil)
	_ Process        = (*MockProcess)(nil)
)
