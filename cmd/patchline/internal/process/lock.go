// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package process provides the single-pipeline lock.
//
// Only one mutating lifecycle run (upgrade, rollback, admit) may touch
// the deploy root at a time; a second invocation must fail fast with
// the PID of the holder, not queue behind it. The lock uses flock(2),
// so a crashed holder releases it automatically.
package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PipelineLocker serializes mutating pipeline runs across processes.
//
// # Thread Safety
//
// Implementations synchronize between processes, not goroutines; use
// from a single goroutine (typically main).
type PipelineLocker interface {
	// Acquire attempts a non-blocking exclusive lock.
	Acquire() error

	// Release releases the lock if held. Safe to call repeatedly.
	Release() error

	// IsHeld reports whether this instance holds the lock.
	IsHeld() bool

	// HolderPID returns the lock holder's PID, 0 if unknown.
	HolderPID() int
}

// ErrLockHeld is returned when another pipeline run holds the lock.
type ErrLockHeld struct {
	HolderPID int
	LockPath  string
}

func (e *ErrLockHeld) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another patchline run is in progress (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("another patchline run is in progress (check: lsof %s)", e.LockPath)
}

// PipelineLock implements PipelineLocker with flock(2) on a file under
// the deploy root.
//
// # Description
//
// Acquire creates {dir}/patchline.lock and takes a non-blocking
// exclusive flock, then writes the PID to {dir}/patchline.pid for
// diagnostics. The flock is the source of truth; the PID file is
// advisory and may be stale after a crash, which is harmless because
// the kernel released the flock with the process.
type PipelineLock struct {
	lockPath string
	pidPath  string
	lockFile *os.File
	held     bool
}

// NewPipelineLock creates a lock rooted at dir. The lock is not yet
// acquired.
func NewPipelineLock(dir string) *PipelineLock {
	if dir == "" {
		dir = os.TempDir()
	}
	return &PipelineLock{
		lockPath: filepath.Join(dir, "patchline.lock"),
		pidPath:  filepath.Join(dir, "patchline.pid"),
	}
}

// Acquire attempts a non-blocking exclusive lock. When another run
// holds it, the error carries the holder's PID.
func (p *PipelineLock) Acquire() error {
	if p.held {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(p.lockPath), 0750); err != nil {
		return fmt.Errorf("creating lock dir: %w", err)
	}
	f, err := os.OpenFile(p.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("creating lock file %s: %w", p.lockPath, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return &ErrLockHeld{HolderPID: p.readHolderPID(), LockPath: p.lockPath}
		}
		return fmt.Errorf("acquiring lock: %w", err)
	}

	p.lockFile = f
	p.held = true

	// Best-effort; the flock is already held.
	_ = os.WriteFile(p.pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
	return nil
}

// Release releases the lock if held.
func (p *PipelineLock) Release() error {
	if !p.held || p.lockFile == nil {
		return nil
	}

	os.Remove(p.pidPath)
	err := syscall.Flock(int(p.lockFile.Fd()), syscall.LOCK_UN)
	p.lockFile.Close()
	p.lockFile = nil
	p.held = false

	// The lock file itself stays for faster subsequent acquires.
	if err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}

// IsHeld reports local state only; it does not re-probe the flock.
func (p *PipelineLock) IsHeld() bool {
	return p.held
}

// HolderPID reads the advisory PID file. May be stale after a crash.
func (p *PipelineLock) HolderPID() int {
	return p.readHolderPID()
}

// LockPath returns the lock file location, for error messages.
func (p *PipelineLock) LockPath() string {
	return p.lockPath
}

func (p *PipelineLock) readHolderPID() int {
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

var _ PipelineLocker = (*PipelineLock)(nil)
