// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patchset

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Store reads and writes the ordered patch-set file.
//
// # Description
//
// The file is a YAML list of Spec entries, deliberately human-editable:
// operators curate it by hand and the admission gate appends to it.
// Every write is atomic (temp file + rename) so a crash mid-write never
// leaves a truncated set. Order in the file is application order.
//
// # Thread Safety
//
// Store is not safe for concurrent use. The pipeline lock guarantees a
// single writer; see internal/process.
type Store struct {
	path string
}

// NewStore creates a Store for the given patch-set file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the patch-set file path.
func (st *Store) Path() string {
	return st.path
}

// Dir returns the directory holding the patch-set file. Relative diff
// and procedure paths resolve against it.
func (st *Store) Dir() string {
	return filepath.Dir(st.path)
}

// Load reads the ordered patch set. A missing file is an empty set,
// not an error (first run).
func (st *Store) Load() ([]Spec, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading patch set %s: %w", st.path, err)
	}

	var specs []Spec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parsing patch set %s: %w", st.path, err)
	}
	for i := range specs {
		if err := specs[i].Validate(); err != nil {
			return nil, fmt.Errorf("patch set %s entry %d: %w", st.path, i, err)
		}
	}
	return specs, nil
}

// Save writes the full set back, atomically.
func (st *Store) Save(specs []Spec) error {
	data, err := yaml.Marshal(specs)
	if err != nil {
		return fmt.Errorf("encoding patch set: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(st.path), 0750); err != nil {
		return fmt.Errorf("creating patch set directory: %w", err)
	}

	// Write to a temp file in the same directory, then rename over the
	// live file so readers never see a partial set.
	tmp := st.path + fmt.Sprintf(".tmp.%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("writing patch set temp file: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing patch set: %w", err)
	}
	return nil
}

// Append adds a new entry to the end of the set.
func (st *Store) Append(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	specs, err := st.Load()
	if err != nil {
		return err
	}
	for _, existing := range specs {
		if existing.ID == spec.ID {
			return fmt.Errorf("patch %s already present in set", spec.ID)
		}
	}
	specs = append(specs, spec)
	return st.Save(specs)
}

// Retire marks the named patches inactive with the given reason.
// Already-retired patches are left untouched. Unknown IDs are an error
// because retiring nothing silently would mask a scoping bug.
func (st *Store) Retire(ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	specs, err := st.Load()
	if err != nil {
		return err
	}

	byID := make(map[string]int, len(specs))
	for i := range specs {
		byID[specs[i].ID] = i
	}

	for _, id := range ids {
		i, ok := byID[id]
		if !ok {
			return fmt.Errorf("cannot retire unknown patch %s", id)
		}
		if specs[i].Retired {
			continue
		}
		specs[i].Retired = true
		specs[i].RetiredReason = reason
	}
	return st.Save(specs)
}

// RecentAutoAdmitted returns IDs of active auto-admitted patches added
// at or after the given time. This is the "patches added since the last
// known-stable set" scope used by health rollback.
func (st *Store) RecentAutoAdmitted(since time.Time) ([]string, error) {
	specs, err := st.Load()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, s := range specs {
		if s.Active() && s.AutoAdmitted && !s.AddedAt.Before(since) {
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}

// ActivePatches returns the non-retired entries in file order.
func ActivePatches(specs []Spec) []Spec {
	var active []Spec
	for _, s := range specs {
		if s.Active() {
			active = append(active, s)
		}
	}
	return active
}
