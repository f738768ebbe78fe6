// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit keeps a durable, append-only record of lifecycle
// actions: upgrades, activations, rollbacks, patch retirements.
//
// Unlike diagnostic logging, audit entries are the system of record
// for "who did what, when, with what result" and are fsynced before
// the triggering operation is allowed to proceed. Entries are one JSON
// object per line so the file is greppable and machine-parseable.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action is the audited operation type.
type Action string

const (
	ActionUpgrade       Action = "upgrade"
	ActionActivate      Action = "activate"
	ActionRollback      Action = "rollback"
	ActionPatchRetire   Action = "patch_retire"
	ActionPatchAdmit    Action = "patch_admit"
	ActionPrune         Action = "prune"
	ActionHealthVerdict Action = "health_verdict"
)

// Event is one audit record.
//
// # Thread Safety
//
// Event is immutable after creation and safe for concurrent read.
type Event struct {
	// ID is a unique event identifier.
	ID string `json:"id"`

	// Timestamp of the event (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Action is the operation type.
	Action Action `json:"action"`

	// Version is the version tag the action concerns, if any.
	Version string `json:"version,omitempty"`

	// Success indicates whether the operation succeeded.
	Success bool `json:"success"`

	// Detail is a short human-readable explanation.
	Detail string `json:"detail,omitempty"`

	// Patches lists affected patch IDs, if any.
	Patches []string `json:"patches,omitempty"`

	// User is the system user, best-effort.
	User string `json:"user,omitempty"`
}

// Log is an append-only JSONL audit log.
//
// # Thread Safety
//
// Log is safe for concurrent use; appends are serialized.
type Log struct {
	path string
	mu   sync.Mutex
}

// Open creates the audit log at path, creating parent directories as
// needed.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	return &Log{path: path}, nil
}

// Path returns the log file location.
func (l *Log) Path() string { return l.path }

// Append writes one event and syncs it to disk before returning. The
// event's ID, timestamp, and user are filled in when absent.
func (l *Log) Append(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.User == "" {
		event.User = os.Getenv("USER")
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	// The entry must survive a crash of the very operation it records.
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing audit log: %w", err)
	}
	return nil
}

// Tail returns the most recent n events, oldest first. A missing log
// file means no history yet, not an error.
func (l *Log) Tail(n int) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			// A torn trailing line from a crash is tolerated; earlier
			// entries remain readable.
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}

	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// RecordRollback satisfies the health supervisor's audit surface.
func (l *Log) RecordRollback(scope string, target string, disabled []string, detail string) error {
	return l.Append(Event{
		Action:  ActionRollback,
		Version: filepath.Base(target),
		Success: true,
		Detail:  fmt.Sprintf("scope=%s %s", scope, detail),
		Patches: disabled,
	})
}
