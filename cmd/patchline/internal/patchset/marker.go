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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Marker records the last upstream version that was successfully built
// with the full patch set and survived its monitoring window.
//
// The marker serves two purposes: `upgrade` short-circuits when the
// target version and patch-set hash both match, and health rollback
// uses StableAt to scope "recently added" patches.
type Marker struct {
	// Version is the upstream tag of the last stable deployment.
	Version string `yaml:"version"`

	// PatchSetHash fingerprints the patch set that built it.
	PatchSetHash string `yaml:"patchSetHash"`

	// StableAt is when the deployment was classified Stable.
	StableAt time.Time `yaml:"stableAt"`
}

// HashSpecs fingerprints a patch set by its active entries: IDs in
// order plus retirement state. Content changes to a diff do not change
// the hash; the set's composition is what matters for short-circuiting.
func HashSpecs(specs []Spec) string {
	h := sha256.New()
	for _, s := range specs {
		fmt.Fprintf(h, "%s|%s|%v\n", s.ID, s.Kind, s.Retired)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// LoadMarker reads the version marker. A missing marker returns nil
// (pre-bootstrap), not an error.
func LoadMarker(path string) (*Marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading version marker %s: %w", path, err)
	}
	var m Marker
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing version marker %s: %w", path, err)
	}
	return &m, nil
}

// SaveMarker writes the marker atomically.
func SaveMarker(path string, m Marker) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding version marker: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating marker directory: %w", err)
	}
	tmp := path + fmt.Sprintf(".tmp.%d", time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("writing version marker temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing version marker: %w", err)
	}
	return nil
}
