// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Report summarizes one pipeline run for operators and follow-up
// tooling. It is written to the deploy root whenever a run ends
// anywhere other than a clean stable deployment.
type Report struct {
	RunID      string    `json:"runId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	// Phase is how far the run got.
	Phase Phase `json:"phase"`

	TargetVersion   string `json:"targetVersion,omitempty"`
	PreviousVersion string `json:"previousVersion,omitempty"`

	AppliedPatches []string `json:"appliedPatches,omitempty"`
	FailedPatches  []string `json:"failedPatches,omitempty"`

	// HealthState is the supervisor's final classification, empty if
	// the run never reached monitoring.
	HealthState string `json:"healthState,omitempty"`

	// RolledBack notes a rollback was taken, with its scope.
	RolledBack string `json:"rolledBack,omitempty"`

	Error string `json:"error,omitempty"`
}

// Write persists the report atomically.
func (r *Report) Write(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	tmp := path + fmt.Sprintf(".tmp.%d", os.Getpid())
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("writing run report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing run report: %w", err)
	}
	return nil
}

// ReadReport loads the latest run report. Missing file returns nil.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading run report: %w", err)
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("parsing run report: %w", err)
	}
	return &report, nil
}
