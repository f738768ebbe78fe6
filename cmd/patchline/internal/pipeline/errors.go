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

import "fmt"

// Phase names the pipeline stage an error belongs to. The run report
// and the CLI exit path both key off it.
type Phase string

const (
	PhaseResolve  Phase = "resolve"
	PhaseBuild    Phase = "build"
	PhasePublish  Phase = "publish"
	PhaseActivate Phase = "activate"
	PhaseHealth   Phase = "health"
	PhaseRollback Phase = "rollback"
	PhaseAdmit    Phase = "admit"
)

// PhaseError wraps a failure with the stage it happened in.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// phaseErr wraps err, or passes nil through.
func phaseErr(phase Phase, err error) error {
	if err == nil {
		return nil
	}
	return &PhaseError{Phase: phase, Err: err}
}
