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
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "GROUPBENCH_LAUNCHER_HELPER"

// TestMain doubles as a fake worker when re-executed by the tests below.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "wait-stdin":
		_, _ = io.Copy(io.Discard, os.Stdin)
		os.Exit(0)
	case "exit3":
		os.Exit(3)
	}
}

func testSession() string {
	return "6f1c2a8e-2d7b-4c55-9a43-0f2b8e1d9c10"
}

// -----------------------------------------------------------------------------
// Launch context
// -----------------------------------------------------------------------------

func lookupFrom(env []string) func(string) (string, bool) {
	m := map[string]string{}
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLaunchContext_RoundTrip(t *testing.T) {
	lc := LaunchContext{Session: testSession(), Rank: 2, WorldSize: 5, RootAddr: "127.0.0.1:4000", Host: "10.0.0.7"}
	got, err := FromEnv(lookupFrom(lc.Environ()))
	require.NoError(t, err)
	assert.Equal(t, lc, got)
}

func TestFromEnv_NoSession(t *testing.T) {
	_, err := FromEnv(lookupFrom(nil))
	assert.ErrorIs(t, err, ErrNoLaunchContext)
}

func TestFromEnv_DefaultsHost(t *testing.T) {
	lc := LaunchContext{Session: testSession(), Rank: 1, WorldSize: 2, RootAddr: "127.0.0.1:1"}
	env := lc.Environ()[:4]
	got, err := FromEnv(lookupFrom(env))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", got.Host)
}

func TestFromEnv_Malformed(t *testing.T) {
	tests := []struct {
		name string
		env  []string
	}{
		{"bad session", []string{EnvSession + "=nope", EnvRank + "=1", EnvWorldSize + "=2", EnvRootAddr + "=x:1"}},
		{"missing rank", []string{EnvSession + "=" + testSession(), EnvWorldSize + "=2", EnvRootAddr + "=x:1"}},
		{"non-numeric rank", []string{EnvSession + "=" + testSession(), EnvRank + "=one", EnvWorldSize + "=2", EnvRootAddr + "=x:1"}},
		{"coordinator rank", []string{EnvSession + "=" + testSession(), EnvRank + "=0", EnvWorldSize + "=2", EnvRootAddr + "=x:1"}},
		{"rank beyond world", []string{EnvSession + "=" + testSession(), EnvRank + "=2", EnvWorldSize + "=2", EnvRootAddr + "=x:1"}},
		{"world too small", []string{EnvSession + "=" + testSession(), EnvRank + "=1", EnvWorldSize + "=1", EnvRootAddr + "=x:1"}},
		{"no root", []string{EnvSession + "=" + testSession(), EnvRank + "=1", EnvWorldSize + "=2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(lookupFrom(tt.env))
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrNoLaunchContext)
		})
	}
}

func TestNewSession_IsValid(t *testing.T) {
	lc := LaunchContext{Session: NewSession(), Rank: 1, WorldSize: 2, RootAddr: "a:1"}
	assert.NoError(t, lc.Validate())
	assert.NotEqual(t, NewSession(), NewSession())
}

// -----------------------------------------------------------------------------
// Launcher with mock processes
// -----------------------------------------------------------------------------

type mockWorld struct {
	pm    *MockProcessManager
	mu    sync.Mutex
	procs []*MockProcess
}

func newMockWorld() *mockWorld {
	w := &mockWorld{}
	w.pm = &MockProcessManager{StartFunc: func(_ context.Context, _ Spec) (Process, error) {
		w.mu.Lock()
		defer w.mu.Unlock()
		p := NewMockProcess(1000 + len(w.procs))
		w.procs = append(w.procs, p)
		return p, nil
	}}
	return w
}

func newTestLauncher(t *testing.T, pm ProcessManager) *Launcher {
	t.Helper()
	l, err := New(pm, Config{
		Executable:    "/opt/bench/collectives",
		ExtraArgs:     []string{"--log-level=debug"},
		Env:           []string{"PATH=/usr/bin"},
		ShutdownGrace: time.Second,
	}, nil)
	require.NoError(t, err)
	return l
}

func testRequest(worldSize int) Request {
	return Request{Kernel: "scan", Session: testSession(), WorldSize: worldSize, RootAddr: "127.0.0.1:5555"}
}

func TestLaunch_StartsEveryWorkerRank(t *testing.T) {
	w := newMockWorld()
	l := newTestLauncher(t, w.pm)

	g, err := l.Launch(context.Background(), testRequest(4))
	require.NoError(t, err)
	assert.Equal(t, 3, g.Size())
	assert.Equal(t, testSession(), g.Session())

	calls := w.pm.Calls()
	require.Len(t, calls, 3)
	for i, spec := range calls {
		assert.Equal(t, "/opt/bench/collectives", spec.Path)
		assert.Equal(t, []string{"--worker", "--kernel", "scan", "--log-level=debug"}, spec.Args)
		assert.Contains(t, spec.Env, "PATH=/usr/bin")

		lc, err := FromEnv(lookupFrom(spec.Env))
		require.NoError(t, err)
		assert.Equal(t, i+1, lc.Rank)
		assert.Equal(t, 4, lc.WorldSize)
		assert.Equal(t, "127.0.0.1:5555", lc.RootAddr)
	}

	require.NoError(t, g.Shutdown(context.Background()))
	for _, p := range w.procs {
		assert.True(t, p.StdinClosed())
		assert.False(t, p.Killed())
	}
	assert.Error(t, g.Context().Err(), "context ends with the group")
}

func TestLaunch_UnexpectedExitCancelsWithCause(t *testing.T) {
	w := newMockWorld()
	l := newTestLauncher(t, w.pm)

	g, err := l.Launch(context.Background(), testRequest(3))
	require.NoError(t, err)

	w.procs[1].Exit(errors.New("exit status 1"))

	select {
	case <-g.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("group context not cancelled")
	}
	cause := context.Cause(g.Context())
	assert.ErrorIs(t, cause, ErrWorkerExited)
	assert.Contains(t, cause.Error(), "rank 2")
	assert.Contains(t, cause.Error(), "exit status 1")

	err = g.Shutdown(context.Background())
	assert.ErrorIs(t, err, ErrWorkerExited)
}

func TestLaunch_CleanExitBeforeShutdownIsUnexpected(t *testing.T) {
	w := newMockWorld()
	l := newTestLauncher(t, w.pm)

	g, err := l.Launch(context.Background(), testRequest(2))
	require.NoError(t, err)
	w.procs[0].Exit(nil)

	<-g.Context().Done()
	assert.ErrorIs(t, context.Cause(g.Context()), ErrWorkerExited)
	assert.ErrorIs(t, g.Shutdown(context.Background()), ErrWorkerExited)
}

func TestLaunch_ExpectExitKeepsContextAlive(t *testing.T) {
	w := newMockWorld()
	l := newTestLauncher(t, w.pm)

	g, err := l.Launch(context.Background(), testRequest(3))
	require.NoError(t, err)
	g.ExpectExit()
	for _, p := range w.procs {
		p.Exit(nil)
	}

	require.NoError(t, g.Shutdown(context.Background()))
	assert.ErrorIs(t, context.Cause(g.Context()), context.Canceled)
}

func TestLaunch_StartFailureKillsStartedWorkers(t *testing.T) {
	var started []*MockProcess
	pm := &MockProcessManager{StartFunc: func(_ context.Context, _ Spec) (Process, error) {
		if len(started) == 2 {
			return nil, errors.New("fork: resource temporarily unavailable")
		}
		p := NewMockProcess(len(started) + 1)
		started = append(started, p)
		return p, nil
	}}
	l := newTestLauncher(t, pm)

	_, err := l.Launch(context.Background(), testRequest(5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "launch rank 3")
	require.Len(t, started, 2)
	for _, p := range started {
		assert.True(t, p.Killed())
	}
}

func TestLaunch_InvalidRequest(t *testing.T) {
	l := newTestLauncher(t, newMockWorld().pm)
	for _, req := range []Request{
		{Kernel: "scan", WorldSize: 1, RootAddr: "a:1"},
		{Kernel: "", WorldSize: 3, RootAddr: "a:1"},
		{Kernel: "scan", WorldSize: 3},
	} {
		_, err := l.Launch(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidGroup)
	}
}

func TestShutdown_KillsAfterGrace(t *testing.T) {
	pm := &MockProcessManager{StartFunc: func(_ context.Context, _ Spec) (Process, error) {
		p := NewMockProcess(7)
		p.ExitOnStdinClose = false
		return p, nil
	}}
	l, err := New(pm, Config{Executable: "/bin/true", ShutdownGrace: 20 * time.Millisecond}, nil)
	require.NoError(t, err)

	g, err := l.Launch(context.Background(), testRequest(2))
	require.NoError(t, err)

	require.NoError(t, g.Shutdown(context.Background()))
	assert.True(t, g.procs[0].(*MockProcess).Killed())

	// Idempotent.
	require.NoError(t, g.Shutdown(context.Background()))
}

// -----------------------------------------------------------------------------
// Real processes
// -----------------------------------------------------------------------------

func helperSpec(mode string) Spec {
	return Spec{
		Path: os.Args[0],
		Env:  append(slices.Clone(os.Environ()), helperEnv+"="+mode),
	}
}

func TestDefaultProcessManager_StdinEOFEndsWorker(t *testing.T) {
	pm := NewDefaultProcessManager()
	p, err := pm.Start(context.Background(), helperSpec("wait-stdin"))
	require.NoError(t, err)
	assert.Positive(t, p.Pid())

	require.NoError(t, p.CloseStdin())
	require.NoError(t, p.CloseStdin())
	assert.NoError(t, p.Wait())
}

func TestDefaultProcessManager_ExitCode(t *testing.T) {
	pm := NewDefaultProcessManager()
	p, err := pm.Start(context.Background(), helperSpec("exit3"))
	require.NoError(t, err)

	err = p.Wait()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())
}

func TestDefaultProcessManager_Kill(t *testing.T) {
	pm := NewDefaultProcessManager()
	p, err := pm.Start(context.Background(), helperSpec("wait-stdin"))
	require.NoError(t, err)

	require.NoError(t, p.Kill())
	assert.Error(t, p.Wait())
	assert.NoError(t, p.Kill(), "killing an exited process is not an error")
}

func TestLaunch_RealWorkers(t *testing.T) {
	l, err := New(NewDefaultProcessManager(), Config{
		Executable: os.Args[0],
		Env:        append(slices.Clone(os.Environ()), helperEnv+"=wait-stdin"),
	}, nil)
	require.NoError(t, err)

	g, err := l.Launch(context.Background(), testRequest(3))
	require.NoError(t, err)
	assert.NoError(t, g.Context().Err())
	assert.NoError(t, g.Shutdown(context.Background()))
}

// -----------------------------------------------------------------------------
// Process lock
// -----------------------------------------------------------------------------

func TestProcessLock(t *testing.T) {
	dir := t.TempDir()
	first := NewProcessLock(dir, "groupbench-test")
	second := NewProcessLock(dir, "groupbench-test")

	require.NoError(t, first.Acquire())
	assert.True(t, first.IsHeld())
	require.NoError(t, first.Acquire(), "re-acquire is a no-op")

	err := second.Acquire()
	var held *ErrLockHeld
	require.ErrorAs(t, err, &held)
	assert.Equal(t, os.Getpid(), held.HolderPID)
	assert.False(t, second.IsHeld())

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())
	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
}

func TestLockName(t *testing.T) {
	assert.Equal(t, "groupbench-collectives", LockName("/opt/bench/collectives"))
	assert.Equal(t, "groupbench-bench", LockName(`bench.exe`))
}

func TestErrLockHeld_Message(t *testing.T) {
	assert.Contains(t, (&ErrLockHeld{HolderPID: 42}).Error(), "PID 42")
	assert.Contains(t, (&ErrLockHeld{LockPath: "/tmp/x.lock"}).Error(), "/tmp/x.lock")
}
