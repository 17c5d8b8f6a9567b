// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package launcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrLockHeld is returned when another driver holds the lock.
type ErrLockHeld struct {
	HolderPID int
	LockPath  string
}

func (e *ErrLockHeld) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another driver is running (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("another driver is running (check: lsof %s)", e.LockPath)
}

// ProcessLock is an advisory flock(2) lock that keeps two drivers of the
// same benchmark binary from running at once. Workers spawned by a driver
// never take it.
//
// Thread Safety: Not safe for concurrent use.
type ProcessLock struct {
	lockPath string
	pidPath  string
	file     *os.File
}

// NewProcessLock creates a lock named name in dir. An empty dir uses the
// system temp directory.
func NewProcessLock(dir, name string) *ProcessLock {
	if dir == "" {
		dir = os.TempDir()
	}
	return &ProcessLock{
		lockPath: filepath.Join(dir, name+".lock"),
		pidPath:  filepath.Join(dir, name+".pid"),
	}
}

// LockName derives a lock name from an executable path.
func LockName(executable string) string {
	return "groupbench-" + strings.TrimSuffix(filepath.Base(executable), filepath.Ext(executable))
}

// Acquire takes the lock without blocking.
//
// Outputs:
//
//	error - *ErrLockHeld when another process holds it.
func (p *ProcessLock) Acquire() error {
	if p.file != nil {
		return nil
	}
	f, err := os.OpenFile(p.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", p.lockPath, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return &ErrLockHeld{HolderPID: p.HolderPID(), LockPath: p.lockPath}
		}
		return fmt.Errorf("acquire lock %s: %w", p.lockPath, err)
	}
	p.file = f
	// The PID file only improves the error message of the next driver.
	_ = os.WriteFile(p.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
	return nil
}

// Release drops the lock. Safe to call when not held.
func (p *ProcessLock) Release() error {
	if p.file == nil {
		return nil
	}
	_ = os.Remove(p.pidPath)
	err := unix.Flock(int(p.file.Fd()), unix.LOCK_UN)
	p.file.Close()
	p.file = nil
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// IsHeld reports whether this instance holds the lock.
func (p *ProcessLock) IsHeld() bool {
	return p.file != nil
}

// HolderPID returns the PID recorded by the current holder, or 0.
func (p *ProcessLock) HolderPID() int {
	data, err := os.ReadFile(p.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Path returns the lock file path.
func (p *ProcessLock) Path() string {
	return p.lockPath
}
