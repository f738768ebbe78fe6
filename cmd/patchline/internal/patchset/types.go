// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patchset defines the ordered set of out-of-tree patches the
// pipeline maintains against the upstream codebase, and its on-disk
// store.
//
// The set is ordered: later patches may depend on earlier ones having
// already rewritten a file, so application order is the file order and
// is never rearranged. Entries are never deleted; a patch that upstream
// absorbed, or that stopped building, is retired in place so the audit
// history survives.
package patchset

import (
	"fmt"
	"time"
)

// Kind identifies how a patch is applied.
type Kind string

const (
	// KindProcedural is an executable repair procedure run against the
	// tree root. Procedures must be idempotent: running one against an
	// already-patched tree detects the target state and succeeds as a
	// no-op.
	KindProcedural Kind = "procedural"

	// KindDiff is a stored unified diff applied through the strategy
	// cascade.
	KindDiff Kind = "diff"
)

// Risk grades how likely a patch is to break across upstream releases.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Spec is one entry in the ordered patch set.
//
// # Description
//
// A Spec is created by manual curation or by the admission gate, and is
// mutated only by retirement. The zero value is not valid; use the
// store's Append or hand-edit the patch-set file.
type Spec struct {
	// ID is a stable identifier: an upstream change number or a
	// locally assigned tag.
	ID string `yaml:"id"`

	// Kind selects procedural or diff application.
	Kind Kind `yaml:"kind"`

	// Risk is the curator's risk tier for the patch.
	Risk Risk `yaml:"risk,omitempty"`

	// Description says what the patch does, for humans.
	Description string `yaml:"description,omitempty"`

	// Files is the repo-relative footprint of the patch. For diff
	// patches it may be left empty and discovered from the diff
	// headers; for procedural patches it must be declared here.
	Files []string `yaml:"files,omitempty"`

	// DiffLocator locates the diff content for diff patches: a URL or
	// a path relative to the patch-set file.
	DiffLocator string `yaml:"diffLocator,omitempty"`

	// Procedure is the executable run for procedural patches, resolved
	// relative to the patch-set file. It receives the tree root as its
	// only argument.
	Procedure string `yaml:"procedure,omitempty"`

	// Origin is the upstream change identifier used to ask the
	// upstream tracker whether the same fix has been merged. Empty
	// means the patch has no upstream counterpart.
	Origin string `yaml:"origin,omitempty"`

	// Retired marks the patch inactive without deleting its record.
	Retired bool `yaml:"retired,omitempty"`

	// RetiredReason records why the patch was retired.
	RetiredReason string `yaml:"retiredReason,omitempty"`

	// AutoAdmitted is true for patches added by the admission gate
	// rather than by hand. Rollback scoping keys off this.
	AutoAdmitted bool `yaml:"autoAdmitted,omitempty"`

	// AddedAt is when the entry was appended to the set.
	AddedAt time.Time `yaml:"addedAt,omitempty"`
}

// Validate checks the entry is internally consistent.
func (s *Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("patch entry missing id")
	}
	switch s.Kind {
	case KindProcedural:
		if s.Procedure == "" {
			return fmt.Errorf("patch %s: procedural entry missing procedure", s.ID)
		}
	case KindDiff:
		if s.DiffLocator == "" {
			return fmt.Errorf("patch %s: diff entry missing diffLocator", s.ID)
		}
	default:
		return fmt.Errorf("patch %s: unknown kind %q", s.ID, s.Kind)
	}
	switch s.Risk {
	case "", RiskLow, RiskMedium, RiskHigh:
	default:
		return fmt.Errorf("patch %s: unknown risk %q", s.ID, s.Risk)
	}
	return nil
}

// Active returns true if the patch participates in builds.
func (s *Spec) Active() bool {
	return !s.Retired
}
